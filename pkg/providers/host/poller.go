package host

import (
	"context"
	"time"

	"github.com/storyplayer/storyplayer/pkg/engine"
)

// Poll is a bounded wait: at most MaxAttempts checks, Interval apart.
type Poll struct {
	Interval    time.Duration `mapstructure:"interval" validate:"gte=0"`
	MaxAttempts int           `mapstructure:"attempts" validate:"gte=1"`
}

// Until calls check until it reports done, the attempts run out or ctx ends.
// It returns the number of checks made. Running out of attempts fails with
// ProvisioningTimeout for resource; a cancelled ctx returns ctx.Err().
func (p Poll) Until(ctx context.Context, resource, want string, check func(ctx context.Context) (bool, error)) (int, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for i := 1; i <= attempts; i++ {
		done, err := check(ctx)
		if err != nil {
			return i, err
		}
		if done {
			return i, nil
		}
		if i == attempts {
			break
		}

		if timer == nil {
			timer = time.NewTimer(p.Interval)
		} else {
			timer.Reset(p.Interval)
		}
		select {
		case <-ctx.Done():
			return i, ctx.Err()
		case <-timer.C:
		}
	}
	return attempts, engine.NewProvisioningTimeoutError(resource, want, attempts)
}
