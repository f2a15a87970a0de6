package agent

import (
	"context"
	"sync/atomic"
	"time"
)

// Mock is a scriptable agent for tests and local development. It reports the
// configured progress steps, waits out Delay, then returns Output or Err.
type Mock struct {
	// Delay is how long Execute blocks before finishing.
	Delay time.Duration
	// Steps are progress percentages reported before finishing.
	Steps []int
	// Output is returned on success.
	Output any
	// Err, when set, is returned instead of a result.
	Err error
	// IgnoreCancel makes Execute sleep out its full Delay even when ctx is
	// cancelled, to exercise the grace-period path.
	IgnoreCancel bool

	calls atomic.Int64
}

// Calls reports how many times Execute has been invoked.
func (m *Mock) Calls() int64 { return m.calls.Load() }

// Execute runs the scripted behavior.
func (m *Mock) Execute(ctx context.Context, ec *ExecContext) (*Result, error) {
	m.calls.Add(1)

	for _, pct := range m.Steps {
		ec.Progress(pct)
	}

	if m.Delay > 0 {
		if m.IgnoreCancel {
			time.Sleep(m.Delay)
		} else {
			select {
			case <-time.After(m.Delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	} else if !m.IgnoreCancel {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	if m.Err != nil {
		return nil, m.Err
	}
	return &Result{Output: m.Output}, nil
}
