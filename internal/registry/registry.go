// Package registry is the authority for issued licenses. Key generation
// proves nothing on its own; a key is only valid if the registry holds an
// active, unexpired record for it. Issuance is exactly-once per source
// payment so replayed confirmations can never mint a second entitlement.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"keymint/internal/keygen"
	"keymint/internal/store"
	"keymint/pkg/contracts/domain"
)

// keyAllocationAttempts bounds regenerate-on-collision during issuance. A
// collision needs two equal 64-bit digests, so more than one round is
// already remarkable.
const keyAllocationAttempts = 5

// Verdict is the outcome of a license validation lookup. Found=false means
// the key is unknown; Valid folds together active and unexpired.
type Verdict struct {
	Found   bool
	Valid   bool
	Message string
	License domain.License
}

// ImportStatus classifies what happened to one bulk-import entry.
type ImportStatus string

const (
	ImportStatusImported ImportStatus = "imported"
	ImportStatusSkipped  ImportStatus = "skipped"
	ImportStatusInvalid  ImportStatus = "invalid"
)

// ImportEntry is one row of an admin bulk import. UserID may be empty to
// import an unassigned key. A nil ExpiresAt on a non-lifetime product grants
// a fresh term from the import instant.
type ImportEntry struct {
	Key         string             `json:"key" validate:"required"`
	UserID      string             `json:"user_id"`
	ProductType domain.ProductType `json:"product_type" validate:"required"`
	ExpiresAt   *time.Time         `json:"expires_at"`
}

// ImportOutcome reports the per-key result of a bulk import.
type ImportOutcome struct {
	Key    string       `json:"key"`
	Status ImportStatus `json:"status"`
	Reason string       `json:"reason,omitempty"`
}

// ImportReport summarizes a bulk import.
type ImportReport struct {
	Imported int             `json:"imported"`
	Skipped  int             `json:"skipped"`
	Invalid  int             `json:"invalid"`
	Outcomes []ImportOutcome `json:"outcomes"`
}

// Registry issues, validates, and retires licenses against the store.
type Registry struct {
	store   store.Store
	keygen  *keygen.Generator
	catalog domain.Catalog
	logger  *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// New returns a registry over the given store and key generator.
func New(st store.Store, gen *keygen.Generator, catalog domain.Catalog, logger *slog.Logger) *Registry {
	return &Registry{
		store:   st,
		keygen:  gen,
		catalog: catalog,
		logger:  logger.With(slog.String("component", "registry")),
		now:     time.Now,
	}
}

// Issue grants a license for a confirmed payment. Issuance is idempotent on
// sourcePaymentID: a payment that already produced a license gets the same
// license back instead of a second one. Expiry is computed once from the
// product duration at issuance and never recomputed.
func (r *Registry) Issue(ctx context.Context, userID string, productType domain.ProductType, sourcePaymentID string) (domain.License, error) {
	if sourcePaymentID == "" {
		return domain.License{}, errors.New("source payment id must not be empty")
	}
	product, ok := r.catalog.ByType(productType)
	if !ok {
		return domain.License{}, fmt.Errorf("unknown product type %q", productType)
	}

	existing, err := r.store.ListLicenses(ctx, store.LicenseFilter{SourcePaymentID: sourcePaymentID})
	if err != nil {
		return domain.License{}, fmt.Errorf("failed to check for prior issuance: %w", err)
	}
	if len(existing) > 0 {
		r.logger.InfoContext(ctx, "license already issued for payment, returning existing",
			slog.String("payment_id", sourcePaymentID),
			slog.String("license_key", domain.MaskKey(existing[0].Key)))
		return existing[0], nil
	}

	now := r.now().UTC()
	license := domain.License{
		UserID:          userID,
		ProductType:     productType,
		SourcePaymentID: sourcePaymentID,
		IsActive:        true,
		CreatedAt:       now,
		ExpiresAt:       product.LicenseExpiry(now),
	}

	for attempt := 1; attempt <= keyAllocationAttempts; attempt++ {
		key, err := r.keygen.Generate(productType)
		if err != nil {
			return domain.License{}, fmt.Errorf("failed to generate license key: %w", err)
		}
		license.Key = key

		err = r.store.CreateLicense(ctx, license)
		if err == nil {
			r.logger.InfoContext(ctx, "license issued",
				slog.String("license_key", domain.MaskKey(key)),
				slog.String("user_id", userID),
				slog.String("product_type", string(productType)),
				slog.String("payment_id", sourcePaymentID))
			return license, nil
		}
		if errors.Is(err, store.ErrDuplicateID) {
			r.logger.WarnContext(ctx, "license key collision, regenerating",
				slog.String("license_key", domain.MaskKey(key)),
				slog.Int("attempt", attempt))
			continue
		}
		return domain.License{}, fmt.Errorf("failed to store license: %w", err)
	}
	return domain.License{}, fmt.Errorf("failed to allocate a unique license key after %d attempts", keyAllocationAttempts)
}

// Validate looks up a key and reports whether it currently grants access.
// The error return is for storage failures only; unknown keys come back
// Found=false with a nil error.
func (r *Registry) Validate(ctx context.Context, rawKey string) (Verdict, error) {
	license, err := r.store.GetLicense(ctx, rawKey)
	if errors.Is(err, store.ErrNotFound) {
		return Verdict{}, nil
	}
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to look up license: %w", err)
	}

	verdict := Verdict{Found: true, License: license}
	switch {
	case !license.IsActive:
		verdict.Message = "license deactivated"
	case license.ExpiredAt(r.now().UTC()):
		verdict.Message = "license expired"
	default:
		verdict.Valid = true
	}
	return verdict, nil
}

// Deactivate retires an active license. Deactivation is one-way and
// idempotent: an already inactive license keeps its original reason and
// timestamp. Unknown keys return store.ErrNotFound.
func (r *Registry) Deactivate(ctx context.Context, rawKey string, reason domain.DeactivationReason) (domain.License, error) {
	now := r.now().UTC()
	updated, err := r.store.UpdateLicense(ctx, rawKey, func(l *domain.License) error {
		if !l.IsActive {
			return store.ErrSkipUpdate
		}
		l.IsActive = false
		l.DeactivatedAt = &now
		l.DeactivationReason = reason
		return nil
	})
	if errors.Is(err, store.ErrSkipUpdate) {
		return updated, nil
	}
	if err != nil {
		return domain.License{}, err
	}

	r.logger.InfoContext(ctx, "license deactivated",
		slog.String("license_key", domain.MaskKey(rawKey)),
		slog.String("reason", string(reason)))
	return updated, nil
}

// Get returns one license by key.
func (r *Registry) Get(ctx context.Context, rawKey string) (domain.License, error) {
	return r.store.GetLicense(ctx, rawKey)
}

// List returns licenses matching the filter, oldest first.
func (r *Registry) List(ctx context.Context, filter store.LicenseFilter) ([]domain.License, error) {
	return r.store.ListLicenses(ctx, filter)
}

// ImportBatch loads externally produced keys into the registry. Keys that
// already exist are skipped so re-running an import is harmless; malformed
// entries are reported without stopping the batch. A storage failure aborts
// the run and returns the partial report alongside the error.
func (r *Registry) ImportBatch(ctx context.Context, entries []ImportEntry) (ImportReport, error) {
	report := ImportReport{Outcomes: make([]ImportOutcome, 0, len(entries))}
	now := r.now().UTC()

	for _, entry := range entries {
		key := domain.NormalizeKey(entry.Key)
		outcome := ImportOutcome{Key: key}

		product, known := r.catalog.ByType(entry.ProductType)
		switch {
		case key == "":
			outcome.Status = ImportStatusInvalid
			outcome.Reason = "empty key"
		case !known:
			outcome.Status = ImportStatusInvalid
			outcome.Reason = fmt.Sprintf("unknown product type %q", entry.ProductType)
		case !keygen.VerifyFormat(key, entry.ProductType):
			outcome.Status = ImportStatusInvalid
			outcome.Reason = "key prefix does not match product type"
		}
		if outcome.Status == ImportStatusInvalid {
			report.Invalid++
			report.Outcomes = append(report.Outcomes, outcome)
			continue
		}

		expiresAt := entry.ExpiresAt
		if expiresAt == nil {
			expiresAt = product.LicenseExpiry(now)
		}

		err := r.store.CreateLicense(ctx, domain.License{
			Key:             key,
			UserID:          entry.UserID,
			ProductType:     entry.ProductType,
			SourcePaymentID: "import",
			IsActive:        true,
			CreatedAt:       now,
			ExpiresAt:       expiresAt,
		})
		switch {
		case errors.Is(err, store.ErrDuplicateID):
			outcome.Status = ImportStatusSkipped
			outcome.Reason = "key already exists"
			report.Skipped++
		case err != nil:
			return report, fmt.Errorf("failed to import key %s: %w", domain.MaskKey(key), err)
		default:
			outcome.Status = ImportStatusImported
			report.Imported++
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}

	r.logger.InfoContext(ctx, "license import finished",
		slog.Int("imported", report.Imported),
		slog.Int("skipped", report.Skipped),
		slog.Int("invalid", report.Invalid))
	return report, nil
}

// ExpireDue deactivates every active license whose expiry has passed and
// returns how many it retired. Per-license update failures are logged and
// the pass continues; only the initial listing can fail the call.
func (r *Registry) ExpireDue(ctx context.Context) (int, error) {
	active, err := r.store.ListLicenses(ctx, store.LicenseFilter{ActiveOnly: true})
	if err != nil {
		return 0, fmt.Errorf("failed to list active licenses: %w", err)
	}

	now := r.now().UTC()
	expired := 0
	for _, license := range active {
		if !license.ExpiredAt(now) {
			continue
		}
		if _, err := r.Deactivate(ctx, license.Key, domain.DeactivationReasonExpired); err != nil {
			r.logger.WarnContext(ctx, "failed to expire license, will retry next sweep",
				slog.String("license_key", domain.MaskKey(license.Key)),
				slog.String("error", err.Error()))
			continue
		}
		expired++
	}
	return expired, nil
}
