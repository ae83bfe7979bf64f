package models

import "time"

// IdentityMapping binds a case to the submitter's real platform identity.
// It is owned by the vault package and never joined against Case queries —
// the router and dispatcher see pseudonyms and case IDs only.
type IdentityMapping struct {
	CaseID       uint      `gorm:"primaryKey"`
	RealIdentity string    `gorm:"size:128;not null;index"`
	Pseudonym    string    `gorm:"size:64;not null;uniqueIndex"`
	CreatedAt    time.Time
}

// RevealAudit records every attempt to cross the anonymity boundary,
// granted or not. Rows are append-only and never pruned.
type RevealAudit struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	CaseID        uint   `gorm:"not null;index"`
	Requester     string `gorm:"size:64;not null"`
	Justification string `gorm:"type:text"`
	Granted       bool
	CreatedAt     time.Time
}
