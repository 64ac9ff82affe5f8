package messaging

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RequestState tracks a PendingRequest through its single transition
type RequestState int

const (
	Pending RequestState = iota
	Completed
	TimedOut
	Failed
)

func (s RequestState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case TimedOut:
		return "timed_out"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// PendingRequest is the client side record of a request awaiting its reply.
// Only the goroutine that takes it out of the correlation table may touch it.
type PendingRequest[Req, Resp any] struct {
	ID       string
	Request  Req
	Response Resp
	State    RequestState

	onSuccess func(Resp)
	onError   func(error)
	future    *Future[Resp]
	timer     *time.Timer
	timeout   time.Duration
	started   time.Time
}

// newCorrelationID returns an upper case "<hex unix millis>-<uuid>"
func newCorrelationID() string {
	return strings.ToUpper(strconv.FormatInt(time.Now().UnixMilli(), 16) + "-" + uuid.NewString())
}

// correlationTable maps correlation ids to pending requests. take is the
// arbitration point between a reply and a timeout.
type correlationTable[Req, Resp any] struct {
	mu      sync.Mutex
	pending map[string]*PendingRequest[Req, Resp]
	newID   func() string
}

func newCorrelationTable[Req, Resp any]() *correlationTable[Req, Resp] {
	return &correlationTable[Req, Resp]{
		pending: make(map[string]*PendingRequest[Req, Resp]),
		newID:   newCorrelationID,
	}
}

// insert assigns p a fresh id and registers it. The entry has no timeout
// until arm is called.
func (t *correlationTable[Req, Resp]) insert(p *PendingRequest[Req, Resp]) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.newID()
	for {
		if _, exists := t.pending[id]; !exists {
			break
		}
		id = t.newID()
	}

	p.ID = id
	p.State = Pending
	if p.future != nil {
		p.future.id = id
	}
	t.pending[id] = p
	return id
}

// arm starts the timeout for id. It reports false when the entry was already
// taken, in which case no timer is set. The timer is set while the table lock
// is held so whoever takes the entry sees it.
func (t *correlationTable[Req, Resp]) arm(id string, timeout time.Duration, onTimeout func(id string)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[id]
	if !ok {
		return false
	}
	p.timeout = timeout
	p.timer = time.AfterFunc(timeout, func() { onTimeout(id) })
	return true
}

// take removes and returns the entry for id. At most one caller gets it.
func (t *correlationTable[Req, Resp]) take(id string) (*PendingRequest[Req, Resp], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	return p, ok
}

// stop cancels the timeout of an entry returned by take
func (p *PendingRequest[Req, Resp]) stop() {
	if p.timer != nil {
		p.timer.Stop()
	}
}

func (t *correlationTable[Req, Resp]) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
