package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/intrbiz/util-sub000/messaging"
)

// LifecycleChecker reports the connection state of one role
type LifecycleChecker struct {
	lifecycle *messaging.Lifecycle
}

// NewLifecycleChecker creates a checker for a role's lifecycle
func NewLifecycleChecker(lc *messaging.Lifecycle) *LifecycleChecker {
	return &LifecycleChecker{lifecycle: lc}
}

func (c *LifecycleChecker) Name() string {
	return c.lifecycle.Name()
}

// Check maps Connected to healthy and Connecting to degraded. Every other
// state is unhealthy.
func (c *LifecycleChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.lifecycle.State()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"state": state.String()},
	}

	switch state {
	case messaging.Connected:
		result.Status = StatusHealthy
		result.Message = "Role is connected"
	case messaging.Connecting:
		result.Status = StatusDegraded
		result.Message = "Role is connecting"
	default:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Role is %s", state)
		if _, err := c.lifecycle.Ready(); err != nil {
			result.Error = err.Error()
		}
	}

	result.Duration = time.Since(start)
	return result
}

// PoolChecker opens and closes a handle to prove the broker is reachable
type PoolChecker struct {
	name string
	pool messaging.BrokerConnectionPool
}

// NewPoolChecker creates a reachability checker for a pool
func NewPoolChecker(name string, pool messaging.BrokerConnectionPool) *PoolChecker {
	return &PoolChecker{
		name: name,
		pool: pool,
	}
}

func (c *PoolChecker) Name() string {
	return "broker_" + c.name
}

func (c *PoolChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	handle, err := c.pool.Connect(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to connect to broker"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	if err := handle.Close(); err != nil {
		result.Status = StatusDegraded
		result.Message = "Failed to release probe handle"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Broker is reachable"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// MemoryChecker flags runaway goroutine counts
type MemoryChecker struct {
	warningGoroutines  int
	criticalGoroutines int
}

// NewMemoryChecker creates a new memory checker
func NewMemoryChecker(warningGoroutines, criticalGoroutines int) *MemoryChecker {
	return &MemoryChecker{
		warningGoroutines:  warningGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *MemoryChecker) Name() string {
	return "memory"
}

func (c *MemoryChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	goroutines := runtime.NumGoroutine()
	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warningGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Memory usage is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]interface{}, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]interface{}, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}
