package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// DefaultUploadAttempts is the total number of upload attempts, the first
// one included.
const DefaultUploadAttempts = 5

// RetryPolicy bounds how often a commit upload is attempted and how long to
// wait in between. Waits grow exponentially from InitialInterval up to
// MaxInterval, with jitter.
//
// Only recoverable errors are retried; see isTransient. When every attempt
// fails the last error is returned wrapped with ErrTransientUpload.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     DefaultUploadAttempts,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	return p
}

// Do calls op until it succeeds, fails with a non-recoverable error, or the
// attempt budget is spent. onAttempt, when non-nil, observes every attempt's
// outcome.
func (p RetryPolicy) Do(ctx context.Context, log logrus.FieldLogger, op func(context.Context) error, onAttempt func(error)) error {
	p = p.withDefaults()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := op(ctx)
		if onAttempt != nil {
			onAttempt(err)
		}
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"max":     p.MaxAttempts,
			"wait":    wait,
		}).Error("upload failed, retrying")
	})
	if err == nil {
		return nil
	}
	if !isTransient(err) {
		return err
	}

	log.WithError(err).WithField("attempts", attempt).Error("upload failed, giving up")
	return fmt.Errorf("%w after %d attempts: %w", ErrTransientUpload, attempt, err)
}

// isThrottled reports client-fault codes that still clear up on their own.
func isThrottled(code string) bool {
	switch code {
	case "SlowDown", "Throttling", "ThrottlingException", "RequestTimeout", "TooManyRequestsException":
		return true
	}
	return false
}

// isTransient reports whether err is worth another attempt. Cancellation and
// client-fault API errors (bad bucket, denied access, malformed request) are
// not.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultClient {
		return isThrottled(apiErr.ErrorCode())
	}
	return true
}
