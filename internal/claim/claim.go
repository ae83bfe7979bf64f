// Package claim serializes moderator responses to a case: at most one
// moderator is the active responder at a time. Expiry is a liveness
// mechanism, not a hard lock — the platform remains the ordering authority
// for delivery.
package claim

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/store"
	"gorm.io/gorm"
)

// DefaultWindow is the claim inactivity window after which an abandoned
// claim lapses and the case returns to open.
const DefaultWindow = 30 * time.Minute

// Error classes surfaced by the coordinator. Both are expected contention,
// surfaced to moderators as informational notices rather than failures.
var (
	// ErrAlreadyClaimed reports that another moderator holds the claim.
	ErrAlreadyClaimed = errors.New("case already claimed")

	// ErrNotClaimant reports a release by a moderator who does not hold
	// the claim.
	ErrNotClaimant = errors.New("not the claim holder")
)

// Coordinator gates which moderator may respond to a case.
type Coordinator struct {
	db     *gorm.DB
	window time.Duration
}

// New creates a Coordinator. A non-positive window falls back to
// DefaultWindow.
func New(s *store.Store, window time.Duration) (*Coordinator, error) {
	if s == nil {
		return nil, fmt.Errorf("claim: store is required")
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Coordinator{db: s.DB(), window: window}, nil
}

// Claim makes moderatorID the active responder for a case. Stale claims on
// the case are expired first, so an abandoned claim never blocks pickup.
// Re-claiming by the current holder succeeds idempotently; a claim held by
// anyone else fails with ErrAlreadyClaimed.
func (c *Coordinator) Claim(caseID uint, moderatorID string) error {
	if moderatorID == "" {
		return fmt.Errorf("claim: moderator ID is required")
	}

	return c.db.Transaction(func(tx *gorm.DB) error {
		if err := expireCase(tx, caseID, c.window); err != nil {
			return err
		}

		var cs models.Case
		if err := tx.First(&cs, caseID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("claim: case %d: %w", caseID, store.ErrNotFound)
			}
			return fmt.Errorf("claim: load case %d: %w", caseID, err)
		}

		switch cs.Status {
		case models.StatusClosed:
			return fmt.Errorf("claim: case %d: %w", caseID, store.ErrCaseClosed)
		case models.StatusClaimed:
			if cs.ClaimedBy == moderatorID {
				return nil // idempotent re-claim
			}
			return fmt.Errorf("claim: case %d held by %s: %w", caseID, cs.ClaimedBy, ErrAlreadyClaimed)
		}

		now := time.Now()
		err := tx.Model(&models.Case{}).Where("id = ?", caseID).Updates(map[string]interface{}{
			"status":            models.StatusClaimed,
			"claimed_by":        moderatorID,
			"claimed_at":        now,
			"claim_activity_at": now,
			"last_activity_at":  now,
		}).Error
		if err != nil {
			return fmt.Errorf("claim: claim case %d: %w", caseID, err)
		}
		return nil
	})
}

// Release returns a claimed case to open. Only the holder may release;
// anyone else gets ErrNotClaimant.
func (c *Coordinator) Release(caseID uint, moderatorID string) error {
	return c.db.Transaction(func(tx *gorm.DB) error {
		var cs models.Case
		if err := tx.First(&cs, caseID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("claim: case %d: %w", caseID, store.ErrNotFound)
			}
			return fmt.Errorf("claim: load case %d: %w", caseID, err)
		}
		if cs.Status != models.StatusClaimed || cs.ClaimedBy != moderatorID {
			return fmt.Errorf("claim: release case %d by %s: %w", caseID, moderatorID, ErrNotClaimant)
		}

		err := tx.Model(&models.Case{}).Where("id = ?", caseID).Updates(map[string]interface{}{
			"status":            models.StatusOpen,
			"claimed_by":        "",
			"claimed_at":        nil,
			"claim_activity_at": nil,
			"last_activity_at":  time.Now(),
		}).Error
		if err != nil {
			return fmt.Errorf("claim: release case %d: %w", caseID, err)
		}
		return nil
	})
}

// Touch refreshes the claim activity timestamp after the holder appends a
// message, keeping the claim alive. A Touch by a non-holder is a no-op.
func (c *Coordinator) Touch(caseID uint, moderatorID string) error {
	err := c.db.Model(&models.Case{}).
		Where("id = ? AND status = ? AND claimed_by = ?", caseID, models.StatusClaimed, moderatorID).
		Update("claim_activity_at", time.Now()).Error
	if err != nil {
		return fmt.Errorf("claim: touch case %d: %w", caseID, err)
	}
	return nil
}

// ExpireStale reverts all claims idle past the window back to open and
// returns the affected cases so the daemon can notify the mod channel.
func (c *Coordinator) ExpireStale(now time.Time) ([]models.Case, error) {
	var expired []models.Case

	err := c.db.Transaction(func(tx *gorm.DB) error {
		cutoff := now.Add(-c.window)
		if err := tx.Where("status = ? AND claim_activity_at < ?", models.StatusClaimed, cutoff).
			Find(&expired).Error; err != nil {
			return fmt.Errorf("claim: find stale claims: %w", err)
		}
		if len(expired) == 0 {
			return nil
		}
		ids := make([]uint, len(expired))
		for i, cs := range expired {
			ids[i] = cs.ID
		}
		err := tx.Model(&models.Case{}).Where("id IN ?", ids).Updates(map[string]interface{}{
			"status":            models.StatusOpen,
			"claimed_by":        "",
			"claimed_at":        nil,
			"claim_activity_at": nil,
		}).Error
		if err != nil {
			return fmt.Errorf("claim: expire stale claims: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// expireCase lapses a stale claim on a single case inside an open
// transaction, mirroring the sweep but scoped to one claim attempt.
func expireCase(tx *gorm.DB, caseID uint, window time.Duration) error {
	cutoff := time.Now().Add(-window)
	err := tx.Model(&models.Case{}).
		Where("id = ? AND status = ? AND claim_activity_at < ?", caseID, models.StatusClaimed, cutoff).
		Updates(map[string]interface{}{
			"status":            models.StatusOpen,
			"claimed_by":        "",
			"claimed_at":        nil,
			"claim_activity_at": nil,
		}).Error
	if err != nil {
		return fmt.Errorf("claim: expire stale claim on case %d: %w", caseID, err)
	}
	return nil
}
