// Package tracing OpenTelemetry 链路追踪（Jaeger 导出），W3C traceparent 在 HTTP 头与 Redis Stream 字段间传播
package tracing

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type Config struct {
	ServiceName string
	Endpoint    string // Jaeger collector endpoint
	Enabled     bool
	SampleRate  float64 // 0.0-1.0
}

// TraceHeader 响应头中回写的 trace id
const TraceHeader = "X-Trace-ID"

const instrumentation = "github.com/exchange/bourse"

var (
	enabled    atomic.Bool
	propagator propagation.TextMapPropagator = propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
)

// Init 安装全局 TracerProvider，未启用时为 noop
func Init(cfg Config) (shutdown func(context.Context) error, err error) {
	otel.SetTextMapPropagator(propagator)
	if !cfg.Enabled {
		enabled.Store(false)
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
	if err != nil {
		return nil, fmt.Errorf("jaeger exporter: %w", err)
	}
	name := cfg.ServiceName
	if name == "" {
		name = "bourse"
	}
	res, err := sdkresource.New(context.Background(),
		sdkresource.WithAttributes(attribute.String("service.name", name)),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clamp(cfg.SampleRate)))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	install(tp)
	return tp.Shutdown, nil
}

func install(tp trace.TracerProvider) {
	otel.SetTracerProvider(tp)
	enabled.Store(true)
}

func clamp(rate float64) float64 {
	switch {
	case rate < 0:
		return 0
	case rate > 1:
		return 1
	default:
		return rate
	}
}

// Enabled 是否已启用追踪
func Enabled() bool {
	return enabled.Load()
}

// StartSpan 开始 span，未启用时返回不记录的 span
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !enabled.Load() {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return otel.Tracer(instrumentation).Start(ctx, name, opts...)
}

// TraceIDFromContext 当前 span 的 trace id，无则为空
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil || !enabled.Load() {
		return ""
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// AddEvent 在当前 span 上记录事件
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if span := recording(ctx); span != nil {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// SetError 标记当前 span 失败
func SetError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if span := recording(ctx); span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func recording(ctx context.Context) trace.Span {
	if ctx == nil || !enabled.Load() {
		return nil
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return nil
	}
	return span
}

// HTTPMiddleware 提取上游 traceparent，开启 server span 并回写 X-Trace-ID
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !enabled.Load() {
			next.ServeHTTP(w, r)
			return
		}
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("url.path", r.URL.Path),
			),
		)
		defer span.End()
		if id := TraceIDFromContext(ctx); id != "" {
			w.Header().Set(TraceHeader, id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// streamCarrier 以 Redis Stream 消息字段承载传播头
type streamCarrier map[string]interface{}

func (c streamCarrier) Get(key string) string {
	switch v := c[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (c streamCarrier) Set(key, value string) {
	c[key] = value
}

func (c streamCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// InjectRedisStream 将当前 trace 写入待发送的 Stream 字段
func InjectRedisStream(ctx context.Context, values map[string]interface{}) {
	if values == nil || ctx == nil || !enabled.Load() {
		return
	}
	propagator.Inject(ctx, streamCarrier(values))
}

// ExtractRedisStream 从 Stream 消息字段恢复上游 trace
func ExtractRedisStream(ctx context.Context, values map[string]interface{}) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if values == nil || !enabled.Load() {
		return ctx
	}
	return propagator.Extract(ctx, streamCarrier(values))
}
