// Package vault maps real participant identities to per-case pseudonyms.
// It is the only component that may hold both sides of that mapping, and
// Reveal is the only path across the anonymity boundary — every call,
// granted or not, leaves exactly one audit record.
package vault

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/switchboard/internal/keylock"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/store"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// Vault owns IdentityMapping lifecycles and the reveal audit log.
type Vault struct {
	db       *gorm.DB
	store    *store.Store
	elevated map[string]bool

	maxActive int           // per-identity open suggestion case cap
	cooldown  time.Duration // min interval between new suggestion cases; <=0 disables

	identityLocks *keylock.KeyLock

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// Opts holds parameters for creating a Vault.
type Opts struct {
	DB        *gorm.DB
	Store     *store.Store
	Elevated  []string      // moderator IDs permitted to reveal identities
	MaxActive int           // defaults to 1
	Cooldown  time.Duration // 0 disables the creation throttle
}

// New creates a Vault.
func New(opts Opts) (*Vault, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("vault: db is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("vault: store is required")
	}
	maxActive := opts.MaxActive
	if maxActive <= 0 {
		maxActive = 1
	}
	elevated := make(map[string]bool, len(opts.Elevated))
	for _, id := range opts.Elevated {
		elevated[id] = true
	}
	return &Vault{
		db:            opts.DB,
		store:         opts.Store,
		elevated:      elevated,
		maxActive:     maxActive,
		cooldown:      opts.Cooldown,
		identityLocks: keylock.New(),
		limiters:      make(map[string]*rate.Limiter),
	}, nil
}

// CreateMapping allocates a fresh case and pseudonym for realIdentity and
// binds them one-to-one. Suggestion cases are subject to the per-identity
// active-case cap (ErrDuplicateActiveCase) and creation throttle
// (ErrRateLimited); mod notices are moderator-initiated and exempt from
// both. PriorCaseID links a reopened exchange. Creation is serialized per
// identity, not globally.
func (v *Vault) CreateMapping(realIdentity, kind string, priorCaseID *uint) (*models.Case, error) {
	if realIdentity == "" {
		return nil, fmt.Errorf("vault: create mapping: identity is required")
	}

	v.identityLocks.Lock(realIdentity)
	defer v.identityLocks.Unlock(realIdentity)

	if kind == models.KindSuggestion {
		ids, err := v.caseIDsFor(realIdentity)
		if err != nil {
			return nil, err
		}
		active, err := v.store.CountActive(ids, models.KindSuggestion)
		if err != nil {
			return nil, err
		}
		if active >= v.maxActive {
			return nil, fmt.Errorf("vault: create mapping: %w", ErrDuplicateActiveCase)
		}
		if !v.allowCreate(realIdentity) {
			return nil, fmt.Errorf("vault: create mapping: %w", ErrRateLimited)
		}
	}

	pseudonym, err := v.uniquePseudonym()
	if err != nil {
		return nil, err
	}

	// Case and mapping commit together: a case without a mapping would be
	// unreachable for outbound delivery forever.
	var c *models.Case
	err = v.db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		c, txErr = v.store.WithTx(tx).CreateCase(kind, pseudonym, priorCaseID)
		if txErr != nil {
			return txErr
		}
		mapping := models.IdentityMapping{
			CaseID:       c.ID,
			RealIdentity: realIdentity,
			Pseudonym:    pseudonym,
			CreatedAt:    time.Now(),
		}
		if err := tx.Create(&mapping).Error; err != nil {
			return fmt.Errorf("vault: create mapping for case %d: %w", c.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ResolvePseudonym returns the real identity behind a pseudonym. Only the
// notification dispatcher calls this, and only to address outbound
// delivery — the result must never be echoed into case content.
func (v *Vault) ResolvePseudonym(pseudonym string) (string, error) {
	var m models.IdentityMapping
	err := v.db.Where("pseudonym = ?", pseudonym).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("vault: resolve pseudonym: %w", ErrNotFound)
		}
		return "", fmt.Errorf("vault: resolve pseudonym: %w", err)
	}
	return m.RealIdentity, nil
}

// Reveal discloses the real identity behind a case to an elevated
// requester. Exactly one RevealAudit row is committed per call — success,
// permission failure, or missing mapping — before any identity leaves the
// vault. There is no silent lookup path.
func (v *Vault) Reveal(caseID uint, requester, justification string) (string, error) {
	var m models.IdentityMapping
	lookupErr := v.db.Where("case_id = ?", caseID).First(&m).Error
	if lookupErr != nil && !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("vault: reveal case %d: %w", caseID, lookupErr)
	}

	granted := v.elevated[requester] && lookupErr == nil

	// The audit row commits on its own, never inside the transaction that
	// carries the refusal: a denied or unknown-case attempt must still
	// leave its record.
	audit := models.RevealAudit{
		CaseID:        caseID,
		Requester:     requester,
		Justification: justification,
		Granted:       granted,
		CreatedAt:     time.Now(),
	}
	if err := v.db.Create(&audit).Error; err != nil {
		return "", fmt.Errorf("vault: write reveal audit: %w", err)
	}

	if !v.elevated[requester] {
		return "", fmt.Errorf("vault: reveal case %d by %s: %w", caseID, requester, ErrPermissionDenied)
	}
	if lookupErr != nil {
		return "", fmt.Errorf("vault: reveal case %d: %w", caseID, ErrNotFound)
	}
	return m.RealIdentity, nil
}

// IsElevated reports whether a moderator may reveal identities and read
// restricted case history.
func (v *Vault) IsElevated(moderatorID string) bool {
	return v.elevated[moderatorID]
}

// CaseIDsFor returns the case IDs bound to a real identity. The router
// uses this on the inbound path, where the platform has already disclosed
// the sender; it never flows into outbound content.
func (v *Vault) CaseIDsFor(realIdentity string) ([]uint, error) {
	return v.caseIDsFor(realIdentity)
}

// PurgeExpired destroys identity mappings for cases closed before the
// retention cutoff. Audit rows are never touched. Returns the number of
// mappings destroyed.
func (v *Vault) PurgeExpired(retention time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-retention)
	closedCases := v.db.Model(&models.Case{}).
		Select("id").
		Where("status = ? AND closed_at < ?", models.StatusClosed, cutoff)

	result := v.db.Where("case_id IN (?)", closedCases).Delete(&models.IdentityMapping{})
	if result.Error != nil {
		return 0, fmt.Errorf("vault: purge expired mappings: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// caseIDsFor loads the case IDs bound to an identity.
func (v *Vault) caseIDsFor(realIdentity string) ([]uint, error) {
	var ids []uint
	err := v.db.Model(&models.IdentityMapping{}).
		Where("real_identity = ?", realIdentity).
		Pluck("case_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("vault: case ids for identity: %w", err)
	}
	return ids, nil
}

// uniquePseudonym generates a pseudonym not yet present in the mapping
// table. Collisions are vanishingly rare; a few retries cover them.
func (v *Vault) uniquePseudonym() (string, error) {
	for i := 0; i < 5; i++ {
		p, err := newPseudonym()
		if err != nil {
			return "", err
		}
		var count int64
		if err := v.db.Model(&models.IdentityMapping{}).
			Where("pseudonym = ?", p).Count(&count).Error; err != nil {
			return "", fmt.Errorf("vault: pseudonym uniqueness check: %w", err)
		}
		if count == 0 {
			return p, nil
		}
	}
	return "", fmt.Errorf("vault: could not generate a unique pseudonym")
}

// allowCreate consults the per-identity creation limiter. A cooldown of
// zero disables throttling.
func (v *Vault) allowCreate(realIdentity string) bool {
	if v.cooldown <= 0 {
		return true
	}
	v.limiterMu.Lock()
	defer v.limiterMu.Unlock()
	lim, ok := v.limiters[realIdentity]
	if !ok {
		lim = rate.NewLimiter(rate.Every(v.cooldown), 1)
		v.limiters[realIdentity] = lim
	}
	return lim.Allow()
}
