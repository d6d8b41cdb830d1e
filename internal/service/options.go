package service

import (
	"log/slog"
	"time"

	"crypsync/internal/domain"
	"crypsync/internal/infra"
	"crypsync/internal/infra/notify"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("crypsync/internal/service")

// deps are the collaborators shared by every service.
type deps struct {
	now     func() time.Time
	newID   func() string
	logger  *slog.Logger
	metrics *infra.Metrics
	sink    domain.NotificationSink
	pacer   Pacer
}

// Option configures a service.
type Option func(*deps)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(d *deps) { d.now = now }
}

// WithIDGenerator replaces the uuid generator.
func WithIDGenerator(newID func() string) Option {
	return func(d *deps) { d.newID = newID }
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *deps) { d.logger = logger }
}

func WithMetrics(m *infra.Metrics) Option {
	return func(d *deps) { d.metrics = m }
}

// WithSink sets where trade and trigger events go.
func WithSink(sink domain.NotificationSink) Option {
	return func(d *deps) { d.sink = sink }
}

// WithPacer replaces the price feed's default in-process pacer.
func WithPacer(p Pacer) Option {
	return func(d *deps) { d.pacer = p }
}

func newDeps(component string, opts []Option) deps {
	d := deps{
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
		logger: slog.Default(),
		sink:   notify.Discard{},
	}
	for _, opt := range opts {
		opt(&d)
	}
	d.logger = d.logger.With(slog.String("component", component))
	return d
}

