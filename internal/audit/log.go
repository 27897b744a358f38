package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"legiswatch.org/internal/ids"
	"legiswatch.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

const defaultSinkTimeout = 2 * time.Second

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Event is one security-relevant action.
type Event struct {
	ID         string
	OccurredAt time.Time
	Action     string
	AccountID  string
	IPAddress  string
	UserAgent  string
	RequestID  string
	Metadata   map[string]any
}

// Sink persists or forwards audit events.
type Sink interface {
	Append(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Append(ctx context.Context, e Event) error { return f(ctx, e) }

// Recorder fans events out to sinks. Record never fails from the caller's
// point of view; sink errors and panics are logged and dropped.
type Recorder struct {
	sinks   []Sink
	log     zerolog.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewRecorder builds a Recorder writing to sinks in order.
func NewRecorder(sinks ...Sink) *Recorder {
	return &Recorder{
		sinks:   sinks,
		log:     obs.Component("audit"),
		timeout: defaultSinkTimeout,
		now:     time.Now,
	}
}

// Record delivers e to every sink. Safe on a nil Recorder.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil || strings.TrimSpace(e.Action) == "" {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.now().UTC()
	}
	if e.RequestID == "" {
		e.RequestID = RequestIDFromContext(ctx)
	}
	base := context.WithoutCancel(ctx)
	for _, sink := range r.sinks {
		r.deliver(base, sink, e)
	}
}

func (r *Recorder) deliver(ctx context.Context, sink Sink, e Event) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Str("action", e.Action).Str("panic", fmt.Sprint(p)).Msg("audit sink panicked")
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := sink.Append(ctx, e); err != nil {
		r.log.Error().Err(err).Str("action", e.Action).Str("event_id", e.ID).Msg("audit sink failed")
	}
}

// LogSink writes events as structured log lines.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink returns a sink that logs through l.
func NewLogSink(l zerolog.Logger) *LogSink {
	return &LogSink{log: l}
}

func (s *LogSink) Append(_ context.Context, e Event) error {
	ev := s.log.Info().
		Str("type", "audit").
		Str("event", e.Action).
		Str("event_id", e.ID).
		Time("occurred_at", e.OccurredAt)
	if e.RequestID != "" {
		ev = ev.Str("request_id", e.RequestID)
	}
	if e.AccountID != "" {
		ev = ev.Str("account_id", e.AccountID)
	}
	if e.IPAddress != "" {
		ev = ev.Str("ip", e.IPAddress)
	}
	if e.UserAgent != "" {
		ev = ev.Str("user_agent", e.UserAgent)
	}
	fields := e.Metadata
	if fields == nil {
		fields = map[string]any{}
	}
	ev.Interface("fields", fields).Msg("audit")
	return nil
}
