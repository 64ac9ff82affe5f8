package memory

import (
	"context"
	"sync"

	"github.com/intrbiz/util-sub000/messaging"
)

// Pool hands out handles on one Broker
type Pool struct {
	broker *Broker

	mu      sync.Mutex
	handles []*Handle
	closed  bool
}

// NewPool creates a pool on broker
func NewPool(broker *Broker) *Pool {
	return &Pool{broker: broker}
}

// Broker returns the broker behind the pool
func (p *Pool) Broker() *Broker {
	return p.broker
}

// Connect opens a new handle
func (p *Pool) Connect(ctx context.Context) (messaging.TransportHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	h, err := p.broker.connect()
	if err != nil {
		return nil, err
	}

	live := p.handles[:0]
	for _, existing := range p.handles {
		if !existing.isClosed() {
			live = append(live, existing)
		}
	}
	p.handles = append(live, h)
	return h, nil
}

// Close closes every handle opened through the pool
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	handles := p.handles
	p.handles = nil
	p.mu.Unlock()

	for _, h := range handles {
		_ = h.Close()
	}
	return nil
}
