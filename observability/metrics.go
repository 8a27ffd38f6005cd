package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rollgroups/config"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Metric names
const (
	PassesTotal          = "rollgroups_recompute_passes_total"
	PassDuration         = "rollgroups_recompute_pass_duration_seconds"
	GroupsProcessedTotal = "rollgroups_groups_processed_total"
	GroupDuration        = "rollgroups_group_duration_seconds"
	MembershipRowsTotal  = "rollgroups_membership_rows_written_total"
	EventsForwardedTotal = "rollgroups_events_forwarded_total"
)

// Attribute keys
const (
	LabelState     = "state"
	LabelOutcome   = "outcome"
	LabelErrorKind = "error_kind"
	LabelEventType = "event_type"
	LabelResult    = "result"
)

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// MetricsProvider manages OpenTelemetry metrics for the recompute service
type MetricsProvider struct {
	config        *config.Config
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	reader        sdkmetric.Reader
	initialized   bool
	mu            sync.RWMutex

	passesCounter          metric.Int64Counter
	passDurationHist       metric.Float64Histogram
	groupsCounter          metric.Int64Counter
	groupDurationHist      metric.Float64Histogram
	membershipRowsCounter  metric.Int64Counter
	eventsForwardedCounter metric.Int64Counter
}

// NewMetricsProvider creates a new metrics provider
func NewMetricsProvider(cfg *config.Config) *MetricsProvider {
	return &MetricsProvider{
		config: cfg,
	}
}

// Initialize sets up the OpenTelemetry metrics provider
func (mp *MetricsProvider) Initialize(ctx context.Context) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if mp.initialized {
		return nil
	}

	if !mp.config.OTelEnabled {
		log.Info("OpenTelemetry metrics disabled")
		mp.initialized = true
		return nil
	}

	if mp.reader == nil {
		reader, err := mp.newPeriodicReader(ctx)
		if err != nil {
			return err
		}
		if reader == nil {
			mp.initialized = true
			return nil
		}
		mp.reader = reader
	}

	// Schemaless so the merge never conflicts with the SDK default schema URL
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(mp.config.OTelServiceName),
			attribute.String("environment", mp.config.Environment),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	mp.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(mp.reader),
	)
	otel.SetMeterProvider(mp.meterProvider)
	mp.meter = mp.meterProvider.Meter("rollgroups")

	if err := mp.createInstruments(); err != nil {
		return fmt.Errorf("failed to create instruments: %w", err)
	}

	mp.initialized = true
	log.WithField("exporter", mp.config.OTelExporterType).Info("Metrics provider initialized")
	return nil
}

// newPeriodicReader returns nil when export is disabled
func (mp *MetricsProvider) newPeriodicReader(ctx context.Context) (sdkmetric.Reader, error) {
	var exporter sdkmetric.Exporter
	var err error

	switch mp.config.OTelExporterType {
	case "console":
		exporter, err = stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create console exporter: %w", err)
		}

	case "otlp":
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		exporter, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(mp.config.OTelOTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}

	case "none":
		log.Info("Metrics export disabled (exporter_type='none')")
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", mp.config.OTelExporterType)
	}

	return sdkmetric.NewPeriodicReader(
		exporter,
		sdkmetric.WithInterval(time.Duration(mp.config.OTelExportIntervalMillis)*time.Millisecond),
	), nil
}

func (mp *MetricsProvider) createInstruments() error {
	var err error

	mp.passesCounter, err = mp.meter.Int64Counter(
		PassesTotal,
		metric.WithDescription("Total number of recompute passes by terminal state"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create passes counter: %w", err)
	}

	mp.passDurationHist, err = mp.meter.Float64Histogram(
		PassDuration,
		metric.WithDescription("Duration of recompute passes in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
	if err != nil {
		return fmt.Errorf("failed to create pass duration histogram: %w", err)
	}

	mp.groupsCounter, err = mp.meter.Int64Counter(
		GroupsProcessedTotal,
		metric.WithDescription("Total number of groups evaluated, by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create groups counter: %w", err)
	}

	mp.groupDurationHist, err = mp.meter.Float64Histogram(
		GroupDuration,
		metric.WithDescription("Duration of one group's evaluation in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
	if err != nil {
		return fmt.Errorf("failed to create group duration histogram: %w", err)
	}

	mp.membershipRowsCounter, err = mp.meter.Int64Counter(
		MembershipRowsTotal,
		metric.WithDescription("Total number of membership rows written"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create membership rows counter: %w", err)
	}

	mp.eventsForwardedCounter, err = mp.meter.Int64Counter(
		EventsForwardedTotal,
		metric.WithDescription("Total number of events forwarded to the message broker"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create events forwarded counter: %w", err)
	}

	return nil
}

// Shutdown flushes and stops the meter provider
func (mp *MetricsProvider) Shutdown(ctx context.Context) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if mp.meterProvider != nil {
		return mp.meterProvider.Shutdown(ctx)
	}
	return nil
}

// RecordPass records a finished recompute pass
func (mp *MetricsProvider) RecordPass(state string, duration time.Duration) {
	if !mp.isEnabled() {
		return
	}

	attrs := metric.WithAttributes(attribute.String(LabelState, state))
	mp.passesCounter.Add(context.Background(), 1, attrs)
	mp.passDurationHist.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordGroup records one group's evaluation. kind is empty for successes.
func (mp *MetricsProvider) RecordGroup(kind string, rows int, duration time.Duration) {
	if !mp.isEnabled() {
		return
	}

	outcome := "completed"
	if kind != "" {
		outcome = "skipped"
	}
	attrs := metric.WithAttributes(
		attribute.String(LabelOutcome, outcome),
		attribute.String(LabelErrorKind, kind),
	)

	mp.groupsCounter.Add(context.Background(), 1, attrs)
	mp.groupDurationHist.Record(context.Background(), duration.Seconds(), attrs)
	if rows > 0 {
		mp.membershipRowsCounter.Add(context.Background(), int64(rows))
	}
}

// RecordEventForwarded records an attempt to forward an event to the broker
func (mp *MetricsProvider) RecordEventForwarded(eventType string, err error) {
	if !mp.isEnabled() {
		return
	}

	result := "ok"
	if err != nil {
		result = "error"
	}
	mp.eventsForwardedCounter.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String(LabelEventType, eventType),
			attribute.String(LabelResult, result),
		),
	)
}

// isEnabled reports whether instruments exist to record into
func (mp *MetricsProvider) isEnabled() bool {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.initialized && mp.meter != nil
}
