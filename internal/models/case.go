package models

import "time"

// Case kinds.
const (
	KindSuggestion = "suggestion"
	KindModNotice  = "mod_notice"
)

// Case statuses. Closed is terminal; a closed case is never mutated again —
// follow-ups create a new Case with PriorCaseID set.
const (
	StatusOpen     = "open"
	StatusClaimed  = "claimed"
	StatusAnswered = "answered"
	StatusClosed   = "closed"
)

// Case is one suggestion or mod-notice exchange. The submitter side is
// addressed exclusively through Pseudonym; the real identity lives only in
// the vault's IdentityMapping table.
type Case struct {
	ID              uint       `gorm:"primaryKey;autoIncrement"`
	Kind            string     `gorm:"size:16;not null;index"`
	Status          string     `gorm:"size:16;not null;default:open;index"`
	Pseudonym       string     `gorm:"size:64;not null;uniqueIndex"`
	ClaimedBy       string     `gorm:"size:64"` // moderator ID, set only while claimed
	ClaimedAt       *time.Time // when the current claim was taken
	ClaimActivityAt *time.Time `gorm:"index"` // last append by the claimant; drives expiry
	PriorCaseID     *uint      `gorm:"index"` // set when this case reopens a closed one
	CreatedAt       time.Time
	LastActivityAt  time.Time `gorm:"index"`
	ClosedAt        *time.Time

	Messages []CaseMessage `gorm:"foreignKey:CaseID"`
}

// Sender roles for CaseMessage.
const (
	RoleSubmitter = "submitter"
	RoleModerator = "moderator"
)

// CaseMessage is one turn in a case's conversation. Seq is strictly
// increasing per case and messages are never mutated after append, except
// for the Delivered flag which flips once on platform confirmation.
type CaseMessage struct {
	ID             uint    `gorm:"primaryKey;autoIncrement"`
	CaseID         uint    `gorm:"not null;index:idx_case_seq,unique"`
	Seq            int     `gorm:"not null;index:idx_case_seq,unique"`
	SenderRole     string  `gorm:"size:16;not null"`
	ModeratorID    string  `gorm:"size:64"` // set only for moderator messages
	Body           string  `gorm:"type:text;not null"`
	IdempotencyKey *string `gorm:"size:128;index:idx_case_idem,unique"`
	Delivered      bool    `gorm:"default:false"`
	SentAt         time.Time

	Case Case `gorm:"foreignKey:CaseID"`
}
