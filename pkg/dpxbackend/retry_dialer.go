package dpxbackend

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sammck-go/duplex/pkg/dpxlog"
	"github.com/sammck-go/duplex/pkg/dpxnet"
)

// RetryDialer wraps a BipipeDialer and retries failed dials with exponential backoff. It sits
// in front of a policy's dialer; the policies themselves never retry.
type RetryDialer struct {
	logger           dpxlog.Logger
	dialer           dpxnet.BipipeDialer
	maxRetryCount    int
	maxRetryInterval time.Duration
	minRetryInterval time.Duration
}

// NewRetryDialer creates a RetryDialer that makes up to maxRetryCount additional attempts,
// waiting at most maxRetryInterval between them. maxRetryCount 0 disables retries.
func NewRetryDialer(
	logger dpxlog.Logger,
	dialer dpxnet.BipipeDialer,
	maxRetryCount int,
	maxRetryInterval time.Duration,
) *RetryDialer {
	return &RetryDialer{
		logger:           logger.Fork("<RetryDialer %s>", dialer),
		dialer:           dialer,
		maxRetryCount:    maxRetryCount,
		maxRetryInterval: maxRetryInterval,
		minRetryInterval: 100 * time.Millisecond,
	}
}

func (d *RetryDialer) String() string {
	return d.dialer.String()
}

// DialWithContext dials until success, until retries are exhausted, or until ctx is done.
// The last dial error is returned on failure.
func (d *RetryDialer) DialWithContext(ctx context.Context) (dpxnet.Bipipe, error) {
	b := &backoff.Backoff{Min: d.minRetryInterval, Max: d.maxRetryInterval}
	for {
		bp, err := d.dialer.DialWithContext(ctx)
		if err == nil {
			return bp, nil
		}
		attempt := int(b.Attempt())
		msg := fmt.Sprintf("Connection error: %s", err)
		if attempt > 0 {
			msg += fmt.Sprintf(" (Attempt: %d/%d)", attempt, d.maxRetryCount)
		}
		d.logger.DLogf("%s", msg)
		if attempt >= d.maxRetryCount {
			return nil, err
		}
		wait := b.Duration()
		d.logger.ILogf("Retrying in %s...", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, err
		case <-timer.C:
		}
	}
}
