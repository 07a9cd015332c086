// Package alerting forwards fatal run errors to Sentry when a DSN is set.
package alerting

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Config selects the Sentry project and how events are labelled.
type Config struct {
	DSN         string
	Environment string
	Release     string
}

// Reporter captures errors on its own hub. The zero value and a Reporter
// built without a DSN are disabled and drop everything.
type Reporter struct {
	hub    *sentry.Hub
	logger *zap.Logger
}

// New creates a Reporter. An empty DSN yields a disabled Reporter.
func New(config Config, logger *zap.Logger) (*Reporter, error) {
	if config.DSN == "" {
		return &Reporter{logger: nopIfNil(logger)}, nil
	}
	return newReporter(sentry.ClientOptions{
		Dsn:              config.DSN,
		Environment:      config.Environment,
		Release:          config.Release,
		AttachStacktrace: true,
	}, logger)
}

func newReporter(opts sentry.ClientOptions, logger *zap.Logger) (*Reporter, error) {
	logger = nopIfNil(logger)

	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}

	logger.Debug("Error reporting enabled", zap.String("environment", opts.Environment))
	return &Reporter{
		hub:    sentry.NewHub(client, sentry.NewScope()),
		logger: logger,
	}, nil
}

func nopIfNil(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// Enabled reports whether events are sent anywhere.
func (r *Reporter) Enabled() bool {
	return r != nil && r.hub != nil
}

// CaptureError sends err with the given tags. The structured error code, if
// any, is added as the "code" tag.
func (r *Reporter) CaptureError(err error, tags map[string]string) {
	if !r.Enabled() || err == nil {
		return
	}

	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		if code := derrors.CodeOf(err); code != "" {
			scope.SetTag("code", code)
		}
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		if id := r.hub.CaptureException(err); id != nil {
			r.logger.Debug("Reported error", zap.String("eventID", string(*id)))
		}
	})
}

// Recover captures a panic in progress and re-raises it. Use as
// `defer reporter.Recover()`.
func (r *Reporter) Recover() {
	p := recover()
	if p == nil {
		return
	}
	if r.Enabled() {
		r.hub.Recover(p)
		r.Flush(2 * time.Second)
	}
	panic(p)
}

// Flush waits up to timeout for queued events to be delivered.
func (r *Reporter) Flush(timeout time.Duration) bool {
	if !r.Enabled() {
		return true
	}
	return r.hub.Flush(timeout)
}
