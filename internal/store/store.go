// Package store owns Case and CaseMessage lifecycles. Every mutation runs
// in a transaction scoped to a single case; cases are never deleted, only
// transitioned to closed.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// allowedTransitions is the case state machine. Closed is terminal.
var allowedTransitions = map[string][]string{
	models.StatusOpen:     {models.StatusClaimed, models.StatusClosed},
	models.StatusClaimed:  {models.StatusAnswered, models.StatusOpen, models.StatusClosed},
	models.StatusAnswered: {models.StatusClaimed, models.StatusClosed},
}

// Store provides durable case and message operations on top of GORM.
type Store struct {
	db *gorm.DB
}

// New creates a Store.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for coordinators sharing the same
// transaction domain (claim sweeps, dashboard queries).
func (s *Store) DB() *gorm.DB {
	return s.db
}

// WithTx returns a Store bound to an open transaction, so a caller can
// commit a case mutation atomically with its own rows.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// CreateCase opens a new case for the given pseudonym. PriorCaseID links a
// reopened exchange to its closed predecessor.
func (s *Store) CreateCase(kind, pseudonym string, priorCaseID *uint) (*models.Case, error) {
	if kind != models.KindSuggestion && kind != models.KindModNotice {
		return nil, fmt.Errorf("store: create case: unknown kind %q", kind)
	}
	if pseudonym == "" {
		return nil, fmt.Errorf("store: create case: pseudonym is required")
	}

	now := time.Now()
	c := models.Case{
		Kind:           kind,
		Status:         models.StatusOpen,
		Pseudonym:      pseudonym,
		PriorCaseID:    priorCaseID,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := s.db.Create(&c).Error; err != nil {
		return nil, fmt.Errorf("store: create case: %w", err)
	}
	return &c, nil
}

// AppendOpts holds optional parameters for AppendMessage.
type AppendOpts struct {
	ModeratorID    string // required when role is moderator
	IdempotencyKey string // client-supplied dedupe key; empty disables dedupe
}

// AppendMessage adds one turn to a case's conversation. It fails with
// ErrCaseClosed on closed cases, assigns the next per-case sequence number,
// and bumps LastActivityAt. When an idempotency key is supplied and a
// message with that key already exists, the existing message is returned
// unchanged instead of appending a duplicate.
func (s *Store) AppendMessage(caseID uint, role, body string, opts AppendOpts) (*models.CaseMessage, error) {
	if role != models.RoleSubmitter && role != models.RoleModerator {
		return nil, fmt.Errorf("store: append: unknown role %q", role)
	}
	if role == models.RoleModerator && opts.ModeratorID == "" {
		return nil, fmt.Errorf("store: append: moderator ID is required for moderator messages")
	}

	var msg models.CaseMessage

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var c models.Case
		if err := tx.First(&c, caseID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("store: append to case %d: %w", caseID, ErrNotFound)
			}
			return fmt.Errorf("store: append: load case %d: %w", caseID, err)
		}
		if c.Status == models.StatusClosed {
			return fmt.Errorf("store: append to case %d: %w", caseID, ErrCaseClosed)
		}

		// Idempotent re-append: return the already-recorded message.
		if opts.IdempotencyKey != "" {
			var existing models.CaseMessage
			err := tx.Where("case_id = ? AND idempotency_key = ?", caseID, opts.IdempotencyKey).
				First(&existing).Error
			if err == nil {
				msg = existing
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("store: append: idempotency lookup: %w", err)
			}
		}

		var maxSeq int
		if err := tx.Model(&models.CaseMessage{}).
			Where("case_id = ?", caseID).
			Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
			return fmt.Errorf("store: append: next sequence: %w", err)
		}

		now := time.Now()
		msg = models.CaseMessage{
			CaseID:     caseID,
			Seq:        maxSeq + 1,
			SenderRole: role,
			Body:       body,
			SentAt:     now,
		}
		if role == models.RoleModerator {
			msg.ModeratorID = opts.ModeratorID
		}
		if opts.IdempotencyKey != "" {
			key := opts.IdempotencyKey
			msg.IdempotencyKey = &key
		}
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("store: append message: %w", err)
		}

		if err := tx.Model(&models.Case{}).Where("id = ?", caseID).
			Update("last_activity_at", now).Error; err != nil {
			return fmt.Errorf("store: append: touch case %d: %w", caseID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// Transition moves a case along one edge of the state machine. Unknown
// cases fail with ErrNotFound, disallowed edges with ErrInvalidTransition.
func (s *Store) Transition(caseID uint, newStatus, actor string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var c models.Case
		if err := tx.First(&c, caseID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("store: transition case %d: %w", caseID, ErrNotFound)
			}
			return fmt.Errorf("store: transition: load case %d: %w", caseID, err)
		}

		if !edgeAllowed(c.Status, newStatus) {
			return fmt.Errorf("store: transition case %d from %s to %s by %s: %w",
				caseID, c.Status, newStatus, actor, ErrInvalidTransition)
		}

		now := time.Now()
		updates := map[string]interface{}{
			"status":           newStatus,
			"last_activity_at": now,
		}
		if newStatus == models.StatusClosed {
			updates["closed_at"] = now
		}
		// ClaimedBy is meaningful only while status is claimed.
		if newStatus != models.StatusClaimed {
			updates["claimed_by"] = ""
			updates["claimed_at"] = nil
			updates["claim_activity_at"] = nil
		}
		if err := tx.Model(&models.Case{}).Where("id = ?", caseID).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("store: transition case %d: %w", caseID, err)
		}
		return nil
	})
}

// edgeAllowed reports whether from→to is a legal state machine edge.
func edgeAllowed(from, to string) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// GetCase fetches a case by ID.
func (s *Store) GetCase(caseID uint) (*models.Case, error) {
	var c models.Case
	if err := s.db.First(&c, caseID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("store: get case %d: %w", caseID, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get case %d: %w", caseID, err)
	}
	return &c, nil
}

// GetCaseByPseudonym fetches a case by its pseudonym handle.
func (s *Store) GetCaseByPseudonym(pseudonym string) (*models.Case, error) {
	var c models.Case
	if err := s.db.Where("pseudonym = ?", pseudonym).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("store: get case by pseudonym: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("store: get case by pseudonym: %w", err)
	}
	return &c, nil
}

// MarkDelivered flips a message's delivered flag after platform-level
// confirmation. It is the only post-append mutation a message ever sees.
func (s *Store) MarkDelivered(messageID uint) error {
	result := s.db.Model(&models.CaseMessage{}).Where("id = ?", messageID).
		Update("delivered", true)
	if result.Error != nil {
		return fmt.Errorf("store: mark delivered %d: %w", messageID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: mark delivered: message %d: %w", messageID, ErrNotFound)
	}
	return nil
}

// Reopen creates a fresh case continuing a closed exchange. The closed
// record is left untouched; the new case points back via PriorCaseID.
func (s *Store) Reopen(priorCaseID uint, kind, pseudonym string) (*models.Case, error) {
	prior, err := s.GetCase(priorCaseID)
	if err != nil {
		return nil, err
	}
	if prior.Status != models.StatusClosed {
		return nil, fmt.Errorf("store: reopen case %d: not closed: %w", priorCaseID, ErrInvalidTransition)
	}
	return s.CreateCase(kind, pseudonym, &priorCaseID)
}

// ListOpenCases returns non-closed cases, newest activity first. Kind may
// be empty to list all kinds.
func (s *Store) ListOpenCases(kind string) ([]models.Case, error) {
	q := s.db.Where("status != ?", models.StatusClosed)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	var cases []models.Case
	if err := q.Order("last_activity_at DESC").Find(&cases).Error; err != nil {
		return nil, fmt.Errorf("store: list open cases: %w", err)
	}
	return cases, nil
}

// History returns a case's messages ordered by sequence.
func (s *Store) History(caseID uint) ([]models.CaseMessage, error) {
	if _, err := s.GetCase(caseID); err != nil {
		return nil, err
	}
	var msgs []models.CaseMessage
	if err := s.db.Where("case_id = ?", caseID).
		Order("seq").Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("store: history for case %d: %w", caseID, err)
	}
	return msgs, nil
}

// CountActive returns how many of the given cases are open or claimed.
// The vault uses this to enforce the per-identity suggestion cap without
// ever placing identities in the case tables.
func (s *Store) CountActive(caseIDs []uint, kind string) (int, error) {
	if len(caseIDs) == 0 {
		return 0, nil
	}
	var count int64
	err := s.db.Model(&models.Case{}).
		Where("id IN ? AND kind = ? AND status IN ?", caseIDs, kind,
			[]string{models.StatusOpen, models.StatusClaimed}).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("store: count active: %w", err)
	}
	return int(count), nil
}

// LatestCase returns the newest case of the given kind among the IDs,
// regardless of status, or ErrNotFound. The router uses it to decide
// between continuing an exchange and reopening a closed one.
func (s *Store) LatestCase(caseIDs []uint, kind string) (*models.Case, error) {
	if len(caseIDs) == 0 {
		return nil, fmt.Errorf("store: latest case: %w", ErrNotFound)
	}
	q := s.db.Where("id IN ?", caseIDs)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	var c models.Case
	err := q.Order("created_at DESC").First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("store: latest case: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("store: latest case: %w", err)
	}
	return &c, nil
}

// LatestActiveCase returns the newest open/claimed/answered case among the
// given IDs, or ErrNotFound when none are active. The router uses it to
// route a submitter's follow-up message into their ongoing exchange.
func (s *Store) LatestActiveCase(caseIDs []uint, kind string) (*models.Case, error) {
	if len(caseIDs) == 0 {
		return nil, fmt.Errorf("store: latest active case: %w", ErrNotFound)
	}
	q := s.db.Where("id IN ? AND status != ?", caseIDs, models.StatusClosed)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	var c models.Case
	err := q.Order("created_at DESC").First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("store: latest active case: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("store: latest active case: %w", err)
	}
	return &c, nil
}
