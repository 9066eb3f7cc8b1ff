package license

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName identifies this subsystem's meter
const MeterName = "license-manager"

// Metrics holds the license subsystem's OpenTelemetry instruments
type Metrics struct {
	ActivationAttempts metric.Int64Counter
	ActivationSuccess  metric.Int64Counter
	ActivationFailures metric.Int64Counter
	ActivationDuration metric.Float64Histogram

	ValidationAttempts metric.Int64Counter
	ValidationSuccess  metric.Int64Counter
	ValidationFailures metric.Int64Counter
	ValidationDuration metric.Float64Histogram

	FingerprintMismatches metric.Int64Counter
	TamperDetections      metric.Int64Counter
	RateLimitHits         metric.Int64Counter
}

// InitMetrics creates all license-specific instruments on the given meter
func InitMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.ActivationAttempts, err = meter.Int64Counter("license_activation_attempts_total",
		metric.WithDescription("Total license activation attempts")); err != nil {
		return nil, err
	}
	if m.ActivationSuccess, err = meter.Int64Counter("license_activation_success_total",
		metric.WithDescription("Successful license activations")); err != nil {
		return nil, err
	}
	if m.ActivationFailures, err = meter.Int64Counter("license_activation_failures_total",
		metric.WithDescription("Failed license activations by error code")); err != nil {
		return nil, err
	}
	if m.ActivationDuration, err = meter.Float64Histogram("license_activation_duration_seconds",
		metric.WithDescription("License activation duration")); err != nil {
		return nil, err
	}

	if m.ValidationAttempts, err = meter.Int64Counter("license_validation_attempts_total",
		metric.WithDescription("Total license validations")); err != nil {
		return nil, err
	}
	if m.ValidationSuccess, err = meter.Int64Counter("license_validation_success_total",
		metric.WithDescription("Validations that found a valid license")); err != nil {
		return nil, err
	}
	if m.ValidationFailures, err = meter.Int64Counter("license_validation_failures_total",
		metric.WithDescription("Validations that found no valid license, by status")); err != nil {
		return nil, err
	}
	if m.ValidationDuration, err = meter.Float64Histogram("license_validation_duration_seconds",
		metric.WithDescription("License validation duration")); err != nil {
		return nil, err
	}

	if m.FingerprintMismatches, err = meter.Int64Counter("license_fingerprint_mismatches_total",
		metric.WithDescription("Device fingerprint mismatches observed")); err != nil {
		return nil, err
	}
	if m.TamperDetections, err = meter.Int64Counter("license_tamper_detections_total",
		metric.WithDescription("Tampered license state detections")); err != nil {
		return nil, err
	}
	if m.RateLimitHits, err = meter.Int64Counter("license_rate_limit_hits_total",
		metric.WithDescription("Activation attempts rejected by the rate limiter")); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Manager) observeActivation(ctx context.Context, start time.Time, err error) {
	if m.metrics == nil {
		return
	}
	m.metrics.ActivationAttempts.Add(ctx, 1)
	m.metrics.ActivationDuration.Record(ctx, m.now().Sub(start).Seconds())
	if err == nil {
		m.metrics.ActivationSuccess.Add(ctx, 1)
		return
	}
	m.metrics.ActivationFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("error_code", ErrorCode(err))))
	if ErrorCode(err) == CodeRateLimited {
		m.metrics.RateLimitHits.Add(ctx, 1)
	}
}

func (m *Manager) observeValidation(ctx context.Context, start time.Time, result *ValidationResult, err error) {
	if m.metrics == nil {
		return
	}
	m.metrics.ValidationAttempts.Add(ctx, 1)
	m.metrics.ValidationDuration.Record(ctx, m.now().Sub(start).Seconds())

	if err == nil && result != nil && result.Status == StatusValid {
		m.metrics.ValidationSuccess.Add(ctx, 1)
		return
	}

	status := "error"
	if result != nil {
		status = string(result.Status)
		if result.Status == StatusTampered {
			m.metrics.TamperDetections.Add(ctx, 1)
		}
	}
	m.metrics.ValidationFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)))
}

func (m *Manager) recordFingerprintMismatch(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	m.metrics.FingerprintMismatches.Add(ctx, 1)
}
