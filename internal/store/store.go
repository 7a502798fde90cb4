// Package store persists license and activation records and enforces the
// activation rules: per-machine idempotency, the max-activations bound, and
// the one-way status transitions. All mutations of a license row happen in
// a single transaction so concurrent activations serialize around the
// activation-count check.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/postgres"
	_ "github.com/jinzhu/gorm/dialects/sqlite"

	apperrors "callpulse/internal/errors"
	"callpulse/internal/license"
)

// Store provides license persistence over a SQL database.
type Store struct {
	db     *gorm.DB
	secret string
	logger *slog.Logger
}

// Open connects to the database identified by driver/dsn, runs migrations,
// and returns a Store. The secret keys the license key hash.
func Open(driver, dsn, secret string, debug bool, logger *slog.Logger) (*Store, error) {
	db, err := gorm.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	db.LogMode(debug)

	if err := db.AutoMigrate(&license.License{}, &license.Activation{}).Error; err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate license schema: %w", err)
	}

	return New(db, secret, logger), nil
}

// New wraps an existing gorm connection. Used by tests that manage their
// own database lifecycle.
func New(db *gorm.DB, secret string, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		secret: secret,
		logger: logger.With(slog.String("component", "license_store")),
	}
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity for health checks.
func (s *Store) Ping() error {
	return s.db.DB().Ping()
}

// CreateParams carries the caller-supplied fields for license creation.
// Zero fields fall back to the tier defaults.
type CreateParams struct {
	Type             license.Type
	MaxAgents        int
	MaxCallsPerMonth int
	Features         license.FeatureList
	ExpiresAt        *time.Time
	MaxActivations   int
	CompanyName      string
	ContactEmail     string
	Metadata         license.Metadata
}

// CreateLicense generates a key, fills tier defaults, and persists the
// record. The returned license carries the plaintext key; this is the only
// time it is ever available.
func (s *Store) CreateLicense(ctx context.Context, params CreateParams) (*license.License, error) {
	t := params.Type
	if t == "" {
		t = license.TypeTrial
	}
	if !t.Valid() {
		return nil, fmt.Errorf("unknown license type %q", t)
	}

	key, err := license.GenerateKey(t)
	if err != nil {
		return nil, fmt.Errorf("generate license key: %w", err)
	}

	now := time.Now()
	lic := license.License{
		ID:               uuid.New().String(),
		Key:              key,
		KeyHash:          license.HashKey(s.secret, key),
		Status:           license.StatusPending,
		Type:             t,
		MaxAgents:        params.MaxAgents,
		MaxCallsPerMonth: params.MaxCallsPerMonth,
		Features:         params.Features,
		IssuedAt:         now,
		ExpiresAt:        params.ExpiresAt,
		MaxActivations:   params.MaxActivations,
		CompanyName:      params.CompanyName,
		ContactEmail:     params.ContactEmail,
		Metadata:         params.Metadata,
	}
	if lic.MaxAgents == 0 {
		lic.MaxAgents = license.DefaultMaxAgents(t)
	}
	if lic.MaxCallsPerMonth == 0 {
		lic.MaxCallsPerMonth = license.DefaultMaxCalls(t)
	}
	if lic.Features == nil {
		lic.Features = license.DefaultFeatures(t)
	}
	if lic.ExpiresAt == nil {
		lic.ExpiresAt = license.DefaultExpiry(t, now)
	}
	if lic.MaxActivations == 0 {
		lic.MaxActivations = license.DefaultMaxActivations
	}

	if err := s.db.Create(&lic).Error; err != nil {
		if isUniqueViolation(err) {
			// Key generation collided with an existing hash. Rare enough
			// that the caller simply retries.
			return nil, apperrors.ErrKeyCollision
		}
		return nil, fmt.Errorf("insert license: %w", err)
	}

	s.logger.InfoContext(ctx, "license created",
		slog.String("license_id", lic.ID),
		slog.String("type", string(lic.Type)),
		slog.String("key", license.MaskKey(key)),
		slog.Int("max_activations", lic.MaxActivations))

	return &lic, nil
}

// ActivateLicense binds a license to a machine fingerprint. Re-activation
// on an already bound machine is idempotent and refreshes the heartbeat
// without counting against max_activations.
func (s *Store) ActivateLicense(ctx context.Context, key, machineFingerprint, activationIP, userAgent string) (*license.License, error) {
	now := time.Now()

	tx := s.db.Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("begin activation transaction: %w", tx.Error)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	lic, err := s.findForUpdate(tx, key)
	if err != nil {
		return nil, err
	}

	switch lic.Status {
	case license.StatusRevoked:
		return nil, apperrors.ErrRevoked
	case license.StatusExpired:
		return nil, apperrors.ErrExpired
	}

	if lic.Expired(now) {
		// Read-triggered transition: the expiry is recorded even though
		// the activation itself fails.
		if err := tx.Model(lic).Update("status", license.StatusExpired).Error; err != nil {
			return nil, fmt.Errorf("flip license to expired: %w", err)
		}
		if err := tx.Commit().Error; err != nil {
			return nil, fmt.Errorf("commit expiry flip: %w", err)
		}
		committed = true
		s.logger.InfoContext(ctx, "license lazily flipped to expired on activation",
			slog.String("license_id", lic.ID))
		return nil, apperrors.ErrExpired
	}

	var existing license.Activation
	err = tx.Where("license_id = ? AND machine_fingerprint = ?", lic.ID, machineFingerprint).
		First(&existing).Error
	switch {
	case err == nil && existing.Status == license.ActivationActive:
		// Idempotent re-activation: refresh the binding, do not touch the
		// activation counter.
		if err := tx.Model(&existing).Update("last_heartbeat", now).Error; err != nil {
			return nil, fmt.Errorf("refresh existing activation: %w", err)
		}
		if err := tx.Commit().Error; err != nil {
			return nil, fmt.Errorf("commit re-activation: %w", err)
		}
		committed = true

		s.logger.InfoContext(ctx, "license re-activated on known machine",
			slog.String("license_id", lic.ID),
			slog.String("fingerprint", machineFingerprint))
		return lic, nil
	case err == nil:
		// Previously deactivated machine reclaiming a slot: goes through
		// the limit check like a new machine.
	case gorm.IsRecordNotFoundError(err):
		existing = license.Activation{}
	default:
		return nil, fmt.Errorf("look up existing activation: %w", err)
	}

	var activeCount int
	if err := tx.Model(&license.Activation{}).
		Where("license_id = ? AND status = ?", lic.ID, license.ActivationActive).
		Count(&activeCount).Error; err != nil {
		return nil, fmt.Errorf("count active activations: %w", err)
	}
	if activeCount >= lic.MaxActivations {
		return nil, apperrors.ErrActivationLimit
	}

	if existing.ID != "" {
		if err := tx.Model(&existing).Updates(map[string]interface{}{
			"status":         license.ActivationActive,
			"activation_ip":  activationIP,
			"user_agent":     userAgent,
			"activated_at":   now,
			"last_heartbeat": now,
		}).Error; err != nil {
			return nil, fmt.Errorf("reactivate machine: %w", err)
		}
	} else {
		activation := license.Activation{
			ID:                 uuid.New().String(),
			LicenseID:          lic.ID,
			MachineFingerprint: machineFingerprint,
			ActivationIP:       activationIP,
			UserAgent:          userAgent,
			ActivatedAt:        now,
			LastHeartbeat:      now,
			Status:             license.ActivationActive,
		}
		if err := tx.Create(&activation).Error; err != nil {
			return nil, fmt.Errorf("insert activation: %w", err)
		}
	}

	updates := map[string]interface{}{
		"status":           license.StatusActive,
		"activation_count": gorm.Expr("activation_count + 1"),
	}
	if lic.ActivatedAt == nil {
		// Set once, never overwritten (COALESCE semantics).
		updates["activated_at"] = now
	}
	if err := tx.Model(lic).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("update license on activation: %w", err)
	}

	var refreshed license.License
	if err := tx.Where("id = ?", lic.ID).First(&refreshed).Error; err != nil {
		return nil, fmt.Errorf("reload license: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, fmt.Errorf("commit activation: %w", err)
	}
	committed = true

	s.logger.InfoContext(ctx, "license activated on new machine",
		slog.String("license_id", lic.ID),
		slog.String("fingerprint", machineFingerprint),
		slog.Int("activation_count", refreshed.ActivationCount),
		slog.Int("active_machines", activeCount+1))

	return &refreshed, nil
}

// ValidateLicense checks that a license is active, unexpired, and activated
// on the given machine, refreshing the activation heartbeat on success.
func (s *Store) ValidateLicense(ctx context.Context, key, machineFingerprint string) (*license.License, error) {
	now := time.Now()

	var lic license.License
	err := s.db.Where("license_key_hash = ?", license.HashKey(s.secret, key)).First(&lic).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, apperrors.ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("look up license: %w", err)
	}

	// Date expiry wins over stored status so a stale status never extends
	// a dead license. Revoked stays revoked.
	if lic.Expired(now) {
		if lic.Status != license.StatusExpired && lic.Status != license.StatusRevoked {
			if err := s.db.Model(&lic).Update("status", license.StatusExpired).Error; err != nil {
				s.logger.WarnContext(ctx, "failed to flip expired license status",
					slog.String("license_id", lic.ID),
					slog.String("error", err.Error()))
			}
		}
		return nil, apperrors.ErrExpired
	}

	switch lic.Status {
	case license.StatusRevoked:
		return nil, apperrors.ErrRevoked
	case license.StatusActive:
	default:
		return nil, apperrors.ErrNotActive
	}

	var activation license.Activation
	err = s.db.Where("license_id = ? AND machine_fingerprint = ?", lic.ID, machineFingerprint).
		First(&activation).Error
	if gorm.IsRecordNotFoundError(err) || (err == nil && activation.Status != license.ActivationActive) {
		return nil, apperrors.ErrNotActivated
	}
	if err != nil {
		return nil, fmt.Errorf("look up activation: %w", err)
	}

	// Heartbeat refresh is fire-and-forget, last write wins.
	if err := s.db.Model(&activation).Update("last_heartbeat", now).Error; err != nil {
		s.logger.WarnContext(ctx, "failed to refresh activation heartbeat",
			slog.String("license_id", lic.ID),
			slog.String("error", err.Error()))
	}

	return &lic, nil
}

// RevokeLicense puts a license into the terminal revoked state and marks
// all its activations inactive. Idempotent.
func (s *Store) RevokeLicense(ctx context.Context, key string) error {
	tx := s.db.Begin()
	if tx.Error != nil {
		return fmt.Errorf("begin revocation transaction: %w", tx.Error)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	lic, err := s.findForUpdate(tx, key)
	if err != nil {
		return err
	}

	if lic.Status != license.StatusRevoked {
		if err := tx.Model(lic).Update("status", license.StatusRevoked).Error; err != nil {
			return fmt.Errorf("revoke license: %w", err)
		}
	}
	if err := tx.Model(&license.Activation{}).
		Where("license_id = ?", lic.ID).
		Update("status", license.ActivationInactive).Error; err != nil {
		return fmt.Errorf("deactivate activations: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("commit revocation: %w", err)
	}
	committed = true

	s.logger.InfoContext(ctx, "license revoked", slog.String("license_id", lic.ID))
	return nil
}

// DeactivateMachine releases one machine's activation slot. The lifetime
// activation counter is not decremented; only the active-row count that
// gates new activations shrinks.
func (s *Store) DeactivateMachine(ctx context.Context, key, machineFingerprint string) error {
	var lic license.License
	err := s.db.Where("license_key_hash = ?", license.HashKey(s.secret, key)).First(&lic).Error
	if gorm.IsRecordNotFoundError(err) {
		return apperrors.ErrInvalidKey
	}
	if err != nil {
		return fmt.Errorf("look up license: %w", err)
	}

	res := s.db.Model(&license.Activation{}).
		Where("license_id = ? AND machine_fingerprint = ?", lic.ID, machineFingerprint).
		Update("status", license.ActivationInactive)
	if res.Error != nil {
		return fmt.Errorf("deactivate machine: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrNotActivated
	}

	s.logger.InfoContext(ctx, "machine deactivated",
		slog.String("license_id", lic.ID),
		slog.String("fingerprint", machineFingerprint))
	return nil
}

// ExpireOverdue flips every pending or active license whose expiry date has
// passed. Optional reconciliation sweep; the read-triggered flip in
// activate/validate remains the load-bearing path.
func (s *Store) ExpireOverdue(ctx context.Context) (int, error) {
	res := s.db.Model(&license.License{}).
		Where("expires_at IS NOT NULL AND expires_at < ? AND status IN (?)",
			time.Now(), []string{license.StatusPending, license.StatusActive}).
		Update("status", license.StatusExpired)
	if res.Error != nil {
		return 0, fmt.Errorf("expire overdue licenses: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.InfoContext(ctx, "expired overdue licenses",
			slog.Int64("count", res.RowsAffected))
	}
	return int(res.RowsAffected), nil
}

// Activations lists the activation rows for a license key. Admin surface.
func (s *Store) Activations(ctx context.Context, key string) ([]license.Activation, error) {
	var lic license.License
	err := s.db.Where("license_key_hash = ?", license.HashKey(s.secret, key)).First(&lic).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, apperrors.ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("look up license: %w", err)
	}

	var activations []license.Activation
	if err := s.db.Where("license_id = ?", lic.ID).
		Order("activated_at").Find(&activations).Error; err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}
	return activations, nil
}

// findForUpdate loads a license by key inside tx, with a row lock on
// dialects that support it. SQLite serializes writing transactions on its
// own, which gives the same isolation for the activation-count check.
func (s *Store) findForUpdate(tx *gorm.DB, key string) (*license.License, error) {
	q := tx
	if tx.Dialect().GetName() == "postgres" {
		q = tx.Set("gorm:query_option", "FOR UPDATE")
	}

	var lic license.License
	err := q.Where("license_key_hash = ?", license.HashKey(s.secret, key)).First(&lic).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, apperrors.ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("look up license: %w", err)
	}
	return &lic, nil
}

// isUniqueViolation matches unique constraint errors across the sqlite3 and
// postgres drivers, which expose no common typed error through gorm v1.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "constraint failed")
}
