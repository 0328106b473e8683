package callout

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"chat-dispatch/pkg/apperr"
	"chat-dispatch/pkg/metrics"
)

const retryBackoff = 25 * time.Millisecond

// Policy bounds a call-out: each attempt gets Timeout, and transient failures
// are retried Retries times.
type Policy struct {
	Timeout time.Duration
	Retries int
}

// Runner executes attempts for one named upstream service
type Runner struct {
	service string
	policy  Policy
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewRunner(service string, policy Policy, logger *logrus.Logger, m *metrics.Metrics) *Runner {
	return &Runner{service: service, policy: policy, logger: logger, metrics: m}
}

func (r *Runner) Service() string {
	return r.service
}

// Do runs fn with a per-attempt deadline and retries transient failures.
// Returned errors are always *apperr.Error. Nothing is retried once ctx is done.
func (r *Runner) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= r.policy.Retries; attempt++ {
		if attempt > 0 {
			if r.metrics != nil {
				r.metrics.CalloutRetries.WithLabelValues(r.service).Inc()
			}
			r.logger.WithError(err).WithFields(logrus.Fields{
				"service": r.service,
				"attempt": attempt + 1,
			}).Debug("Retrying call-out after transient failure")

			select {
			case <-ctx.Done():
				return classify(ctx.Err())
			case <-time.After(retryBackoff):
			}
		}

		err = r.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !Transient(err) {
			break
		}
	}
	return classify(err)
}

func (r *Runner) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	attemptCtx := ctx
	if r.policy.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, r.policy.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(attemptCtx)
	if r.metrics != nil {
		r.metrics.CalloutDuration.WithLabelValues(r.service, outcome(err)).Observe(time.Since(start).Seconds())
	}
	return err
}

// Transient reports whether err is worth another attempt: timeouts, network
// failures, 5xx and 429 responses.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		switch appErr.Kind {
		case apperr.UpstreamTimeout:
			return true
		case apperr.UpstreamError:
			return appErr.Err != nil && Transient(appErr.Err)
		default:
			return false
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.New(apperr.UpstreamTimeout, "deadline_exceeded", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.New(apperr.UpstreamTimeout, "network_timeout", err)
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusNotFound:
			return apperr.New(apperr.NotFound, "upstream_not_found", err)
		case statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 && statusErr.StatusCode != http.StatusTooManyRequests:
			return apperr.New(apperr.Validation, "upstream_rejected", err)
		}
	}
	return apperr.New(apperr.UpstreamError, "upstream_failed", err)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case apperr.Is(err, apperr.NotFound):
		return "not_found"
	default:
		return "error"
	}
}
