package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Billing event outcomes recorded on radbridge_billing_events_total.
const (
	OutcomeApplied     = "applied"
	OutcomeDuplicate   = "duplicate"
	OutcomeIgnored     = "ignored"
	OutcomeMalformed   = "malformed"
	OutcomeOrgNotFound = "org_not_found"
	OutcomeFailed      = "failed"
)

// Metrics exposes application-level instruments.
type Metrics struct {
	billingEvents        metric.Int64Counter
	billingEventDuration metric.Float64Histogram
	transitions          metric.Int64Counter
	creditReplenishments metric.Int64Counter
	notificationsFailed  metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "radbridge"
	}
	meter := provider.Meter(name)

	billingEvents, err := meter.Int64Counter("radbridge_billing_events_total")
	if err != nil {
		return nil, err
	}
	billingEventDuration, err := meter.Float64Histogram("radbridge_billing_event_duration_seconds",
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	transitions, err := meter.Int64Counter("radbridge_organization_transitions_total")
	if err != nil {
		return nil, err
	}
	creditReplenishments, err := meter.Int64Counter("radbridge_credit_replenishments_total")
	if err != nil {
		return nil, err
	}
	notificationsFailed, err := meter.Int64Counter("radbridge_notifications_failed_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		billingEvents:        billingEvents,
		billingEventDuration: billingEventDuration,
		transitions:          transitions,
		creditReplenishments: creditReplenishments,
		notificationsFailed:  notificationsFailed,
	}, nil
}

// RecordBillingEvent counts one webhook event by type and outcome.
func (m *Metrics) RecordBillingEvent(ctx context.Context, eventType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.billingEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.billingEventDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
}

// RecordTransition counts an organization status change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from_status", strings.TrimSpace(from)),
		attribute.String("to_status", strings.TrimSpace(to)),
	)
	m.transitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCreditReplenishment counts credit resets by tier.
func (m *Metrics) RecordCreditReplenishment(ctx context.Context, tier string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("org_tier", strings.TrimSpace(tier)))
	m.creditReplenishments.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordNotificationFailure counts an undelivered admin notification.
func (m *Metrics) RecordNotificationFailure(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.notificationsFailed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"org_tier":    {},
	"event_type":  {},
	"outcome":     {},
	"from_status": {},
	"to_status":   {},
	"reason":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
// Organization and event identifiers are deliberately excluded.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
