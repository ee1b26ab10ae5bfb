package api

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName         = "github.com/ericbjones/clean-invaders/api"
	requestSpanName    = "api.request"
	requestEventName   = "dashboard.request.completed"
	requestEventDomain = "clean-invaders.api"
	observabilityEvent = "observability.event"
	attrPrefix         = "dashboard."
)

type requestMetrics struct {
	logger *log.Logger
	span   trace.Span
	route  string
	start  time.Time

	decodeDuration time.Duration
	storeDuration  time.Duration
	encodeDuration time.Duration
	errorStage     string
	broadcast      bool
	target         string
}

// newRequestMetrics starts a span for route. The returned context carries
// it and should replace the request context.
func newRequestMetrics(ctx context.Context, logger *log.Logger, route string) (*requestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, requestSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("http.route", route)),
	)
	return &requestMetrics{
		logger: logger,
		span:   span,
		route:  route,
		start:  time.Now(),
	}, spanCtx
}

func (m *requestMetrics) ObserveDecode(d time.Duration) {
	if d > 0 {
		m.decodeDuration = d
	}
}

func (m *requestMetrics) ObserveStore(d time.Duration) {
	if d > 0 {
		m.storeDuration = d
	}
}

func (m *requestMetrics) ObserveEncode(d time.Duration) {
	if d > 0 {
		m.encodeDuration = d
	}
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *requestMetrics) SetBroadcast(b bool) { m.broadcast = b }

// SetTarget records the floor/room/task a command addressed.
func (m *requestMetrics) SetTarget(parts ...string) {
	t := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if t != "" {
			t += "/"
		}
		t += p
	}
	m.target = t
}

func (m *requestMetrics) attributes(status int, err error) map[string]any {
	attrs := map[string]any{
		"http.route":       m.route,
		"http.status_code": status,
	}
	attrs[attrPrefix+"total_ms"] = durationToMillis(time.Since(m.start))
	attrs[attrPrefix+"broadcast"] = m.broadcast
	if m.decodeDuration > 0 {
		attrs[attrPrefix+"decode_ms"] = durationToMillis(m.decodeDuration)
	}
	if m.storeDuration > 0 {
		attrs[attrPrefix+"store_ms"] = durationToMillis(m.storeDuration)
	}
	if m.encodeDuration > 0 {
		attrs[attrPrefix+"encode_ms"] = durationToMillis(m.encodeDuration)
	}
	if m.errorStage != "" {
		attrs[attrPrefix+"error_stage"] = m.errorStage
	}
	if m.target != "" {
		attrs[attrPrefix+"target"] = m.target
	}
	if err != nil {
		attrs["error.message"] = err.Error()
	}
	return attrs
}

// Log emits one observability event as a log entry and as a span event,
// then ends the span.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	attrs := m.attributes(status, err)
	sevText, sevNumber := severityForStatus(status, err)

	if m.logger != nil {
		fields := log.Fields{
			"event.name":      requestEventName,
			"event.domain":    requestEventDomain,
			"attributes":      attrs,
			"severity_text":   sevText,
			"severity_number": sevNumber,
		}
		if sc := m.span.SpanContext(); sc.IsValid() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
		entry := m.logger.WithFields(fields)
		switch sevText {
		case "ERROR":
			entry.Error(observabilityEvent)
		case "WARN":
			entry.Warn(observabilityEvent)
		default:
			entry.Info(observabilityEvent)
		}
	}

	kvs := toKeyValues(attrs)
	m.span.SetAttributes(kvs...)
	eventAttrs := append([]attribute.KeyValue{
		attribute.String("event.name", requestEventName),
		attribute.String("event.domain", requestEventDomain),
		attribute.String("severity_text", sevText),
		attribute.Int("severity_number", sevNumber),
	}, kvs...)
	m.span.AddEvent(observabilityEvent, trace.WithAttributes(eventAttrs...))

	switch {
	case err != nil:
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, err.Error())
	case status >= http.StatusInternalServerError:
		m.span.SetStatus(codes.Error, http.StatusText(status))
	default:
		m.span.SetStatus(codes.Ok, "")
	}
	m.span.End()
}

// severityForStatus maps a response to OpenTelemetry log severity.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func toKeyValues(attrs map[string]any) []attribute.KeyValue {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		switch v := attrs[k].(type) {
		case string:
			out = append(out, attribute.String(k, v))
		case int:
			out = append(out, attribute.Int(k, v))
		case float64:
			out = append(out, attribute.Float64(k, v))
		case bool:
			out = append(out, attribute.Bool(k, v))
		default:
			out = append(out, attribute.String(k, fmt.Sprint(v)))
		}
	}
	return out
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
