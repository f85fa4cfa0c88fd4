package gateway

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	joinRoute    = "/api/join"
	joinSpanName = "gateway.join"
)

type joinRequestMetrics struct {
	logger *log.Logger
	span   trace.Span
	start  time.Time

	authDuration  time.Duration
	gateDuration  time.Duration
	issueDuration time.Duration
	role          string
	anonymous     bool
	errorStage    string
}

func newJoinRequestMetrics(ctx context.Context, logger *log.Logger) (*joinRequestMetrics, context.Context) {
	spanCtx, span := otel.Tracer("gateway").Start(ctx, joinSpanName)
	return &joinRequestMetrics{logger: logger, span: span, start: time.Now()}, spanCtx
}

func (m *joinRequestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *joinRequestMetrics) ObserveGate(d time.Duration) {
	if d > 0 {
		m.gateDuration = d
	}
}

func (m *joinRequestMetrics) ObserveIssue(d time.Duration) {
	if d > 0 {
		m.issueDuration = d
	}
}

func (m *joinRequestMetrics) SetRole(role string) { m.role = role }

func (m *joinRequestMetrics) SetAnonymous(anon bool) { m.anonymous = anon }

func (m *joinRequestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

func (m *joinRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	totalMs := durationToMillis(time.Since(m.start))

	if m.span != nil {
		attrs := []attribute.KeyValue{
			attribute.String("http.route", joinRoute),
			attribute.Int("http.status_code", status),
			attribute.Float64("gateway.join.total_ms", totalMs),
			attribute.Bool("gateway.join.anonymous", m.anonymous),
		}
		if m.role != "" {
			attrs = append(attrs, attribute.String("gateway.join.role", m.role))
		}
		if m.authDuration > 0 {
			attrs = append(attrs, attribute.Float64("gateway.join.auth_ms", durationToMillis(m.authDuration)))
		}
		if m.gateDuration > 0 {
			attrs = append(attrs, attribute.Float64("gateway.join.gate_ms", durationToMillis(m.gateDuration)))
		}
		if m.issueDuration > 0 {
			attrs = append(attrs, attribute.Float64("gateway.join.issue_ms", durationToMillis(m.issueDuration)))
		}
		if m.errorStage != "" {
			attrs = append(attrs, attribute.String("gateway.join.error_stage", m.errorStage))
		}
		m.span.SetAttributes(attrs...)
		if err != nil || status >= 500 {
			m.span.SetStatus(codes.Error, m.errorStage)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"route":     joinRoute,
		"status":    status,
		"total_ms":  totalMs,
		"anonymous": m.anonymous,
	}
	if m.role != "" {
		fields["role"] = m.role
	}
	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.gateDuration > 0 {
		fields["gate_ms"] = durationToMillis(m.gateDuration)
	}
	if m.issueDuration > 0 {
		fields["issue_ms"] = durationToMillis(m.issueDuration)
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Info("join.request.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
