// Package reliability holds the retry and failure policies used by the
// messaging core and its delivery interceptors.
//
// StepBackoff drives reconnection: each failed connect or setup attempt waits
// a little longer than the last one, up to a ceiling, and a successful setup
// resets the delay to its minimum.
//
//	b := reliability.NewStepBackoff(time.Second, 2*time.Second, 30*time.Second)
//	time.AfterFunc(b.Next(), reconnect)
//
// Retry with ExponentialBackoff or FixedDelay re-runs a failing call, and
// CircuitBreaker stops calling a dependency that keeps failing.
package reliability
