package services

import (
	"context"
	"log/slog"
	"time"

	"keymint/internal/infrastructure"
	"keymint/internal/registry"
	"keymint/internal/store"
	"keymint/pkg/contracts/domain"
	"keymint/pkg/contracts/events"
)

// LicenseService exposes the registry operations the transport consumes:
// public key validation plus the administrative import, deactivation, and
// listing surface.
type LicenseService interface {
	Verify(ctx context.Context, rawKey string) (registry.Verdict, error)
	Deactivate(ctx context.Context, rawKey string, reason domain.DeactivationReason) (domain.License, error)
	Import(ctx context.Context, entries []registry.ImportEntry) (registry.ImportReport, error)
	List(ctx context.Context, filter store.LicenseFilter) ([]domain.License, error)
}

type licenseService struct {
	registry  *registry.Registry
	publisher EventPublisher
	metrics   *infrastructure.BusinessMetrics
	logger    *slog.Logger
}

// NewLicenseService wraps the registry for transport use.
func NewLicenseService(reg *registry.Registry, publisher EventPublisher, metrics *infrastructure.BusinessMetrics, logger *slog.Logger) LicenseService {
	if logger == nil {
		logger = slog.Default()
	}
	return &licenseService{
		registry:  reg,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.With(slog.String("service", "license")),
	}
}

// Verify reports the registry's view of one key. Unknown keys come back
// Found=false with a nil error; the error return is for storage failures.
func (s *licenseService) Verify(ctx context.Context, rawKey string) (registry.Verdict, error) {
	start := time.Now()
	verdict, err := s.registry.Validate(ctx, rawKey)
	if err != nil {
		return registry.Verdict{}, err
	}

	outcome := "unknown"
	switch {
	case verdict.Valid:
		outcome = "valid"
	case verdict.Found:
		outcome = "invalid"
	}
	infrastructure.RecordLicenseLookup(ctx, s.metrics, outcome)

	s.logger.DebugContext(ctx, "license verified",
		slog.String("license_key", domain.MaskKey(rawKey)),
		slog.String("outcome", outcome),
		slog.Duration("elapsed", time.Since(start)))
	return verdict, nil
}

// Deactivate retires a license by admin action. Unknown keys surface
// store.ErrNotFound for the transport to map to 404.
func (s *licenseService) Deactivate(ctx context.Context, rawKey string, reason domain.DeactivationReason) (domain.License, error) {
	if reason == "" {
		reason = domain.DeactivationReasonManual
	}
	license, err := s.registry.Deactivate(ctx, rawKey, reason)
	if err != nil {
		return domain.License{}, err
	}
	infrastructure.RecordDeactivation(ctx, s.metrics, string(reason))

	if s.publisher != nil {
		s.publisher.Publish(events.MessageTypeLicenseDeactivated, events.LicenseEvent{
			Key:         domain.MaskKey(license.Key),
			UserID:      license.UserID,
			ProductType: string(license.ProductType),
			Active:      false,
			Reason:      string(reason),
		})
	}
	return license, nil
}

// Import bulk-loads pre-generated keys.
func (s *licenseService) Import(ctx context.Context, entries []registry.ImportEntry) (registry.ImportReport, error) {
	return s.registry.ImportBatch(ctx, entries)
}

// List returns licenses matching the filter.
func (s *licenseService) List(ctx context.Context, filter store.LicenseFilter) ([]domain.License, error) {
	return s.registry.List(ctx, filter)
}
