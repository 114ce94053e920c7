package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NoopLogger is a logger that does nothing
type NoopLogger struct{}

// NewNoopLogger creates a new NoopLogger
func NewNoopLogger() Logger {
	return &NoopLogger{}
}

func (l *NoopLogger) Debug(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Info(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Warn(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Error(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Fatal(msg string, fields map[string]interface{}) {}

func (l *NoopLogger) Debugf(format string, args ...interface{}) {}
func (l *NoopLogger) Infof(format string, args ...interface{})  {}
func (l *NoopLogger) Warnf(format string, args ...interface{})  {}
func (l *NoopLogger) Errorf(format string, args ...interface{}) {}
func (l *NoopLogger) Fatalf(format string, args ...interface{}) {}

// WithPrefix implements Logger.WithPrefix
func (l *NoopLogger) WithPrefix(prefix string) Logger {
	return l
}

// With implements Logger.With
func (l *NoopLogger) With(fields map[string]interface{}) Logger {
	return l
}

// NoopSpan is a no-op implementation of the Span interface
type NoopSpan struct{}

func (s *NoopSpan) End()                                                    {}
func (s *NoopSpan) SetAttribute(key string, value interface{})              {}
func (s *NoopSpan) AddEvent(name string, attributes map[string]interface{}) {}
func (s *NoopSpan) RecordError(err error)                                   {}
func (s *NoopSpan) SetStatus(code int, description string)                  {}

// SpanContext is a no-op implementation
func (s *NoopSpan) SpanContext() trace.SpanContext {
	return trace.SpanContext{}
}

// NoopStartSpan is a no-op implementation of StartSpanFunc
func NoopStartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span) {
	return ctx, &NoopSpan{}
}

// noOpMetricsClient is a no-op implementation of MetricsClient for testing
type noOpMetricsClient struct{}

// NewNoOpMetricsClient creates a new no-op metrics client that does nothing
func NewNoOpMetricsClient() MetricsClient {
	return &noOpMetricsClient{}
}

func (n *noOpMetricsClient) IncrementCounter(name string, value float64) {}
func (n *noOpMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}
func (n *noOpMetricsClient) RecordGauge(name string, value float64, labels map[string]string)     {}
func (n *noOpMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {}
func (n *noOpMetricsClient) RecordDuration(name string, duration time.Duration)                   {}

// StartTimer is a no-op implementation
func (n *noOpMetricsClient) StartTimer(name string, labels map[string]string) func() {
	return func() {}
}

// Close is a no-op implementation
func (n *noOpMetricsClient) Close() error {
	return nil
}
