package lifecycle

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// RuntimeBuilder assembles a [Runtime].
//
//	rt, err := lifecycle.NewRuntimeBuilder("identity-gateway", version).
//	    WithComponent(lifecycle.Component{Name: "postgres", Check: db.Health, Stop: closeDB}).
//	    WithComponent(lifecycle.Component{Name: "catalog", Start: syncCatalog}).
//	    WithComponent(lifecycle.Component{Name: "keys", Start: primeKeys, Stop: stopKeys}).
//	    WithLogger(logger).
//	    Build()
type RuntimeBuilder struct {
	name       string
	version    string
	components []Component
	logger     *slog.Logger
	handlers   []StateChangeHandler
	now        func() time.Time
}

// NewRuntimeBuilder returns a builder for a runtime called name.
func NewRuntimeBuilder(name, version string) *RuntimeBuilder {
	return &RuntimeBuilder{name: name, version: version}
}

// WithComponent appends c to the startup sequence.
func (b *RuntimeBuilder) WithComponent(c Component) *RuntimeBuilder {
	b.components = append(b.components, c)
	return b
}

func (b *RuntimeBuilder) WithLogger(logger *slog.Logger) *RuntimeBuilder {
	b.logger = logger
	return b
}

// OnStateChange registers a handler called on every transition, in
// registration order.
func (b *RuntimeBuilder) OnStateChange(h StateChangeHandler) *RuntimeBuilder {
	b.handlers = append(b.handlers, h)
	return b
}

// WithClock overrides time.Now for uptime reporting.
func (b *RuntimeBuilder) WithClock(now func() time.Time) *RuntimeBuilder {
	b.now = now
	return b
}

// Build validates the configuration. Component names must be unique and
// non-empty, and each component needs at least one hook.
func (b *RuntimeBuilder) Build() (*Runtime, error) {
	if b.name == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "lifecycle: runtime name must not be empty")
	}
	if b.version == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "lifecycle: runtime version must not be empty")
	}

	seen := make(map[string]struct{}, len(b.components))
	for _, c := range b.components {
		if err := validateComponent(c, seen); err != nil {
			return nil, err
		}
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	now := b.now
	if now == nil {
		now = time.Now
	}

	return &Runtime{
		name:       b.name,
		version:    b.version,
		components: append([]Component(nil), b.components...),
		tracer:     otel.Tracer(tracerName),
		logger:     logger,
		handlers:   append([]StateChangeHandler(nil), b.handlers...),
		now:        now,
		state:      StateUnknown,
	}, nil
}
