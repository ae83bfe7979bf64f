package dashboard

import (
	"errors"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// CaseRow holds case data for the list view.
type CaseRow struct {
	ID             uint       `json:"id"`
	Pseudonym      string     `json:"pseudonym"`
	Kind           string     `json:"kind"`
	Status         string     `json:"status"`
	ClaimedBy      string     `json:"claimedBy,omitempty"`
	Messages       int        `json:"messages"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	ClosedAt       *time.Time `json:"closedAt,omitempty"`
}

// QueueSummary holds aggregate counts for the queue header.
type QueueSummary struct {
	Open     int64 `json:"open"`
	Claimed  int64 `json:"claimed"`
	Answered int64 `json:"answered"`
	Closed   int64 `json:"closed"`
}

// MessageRow holds one message of a case log.
type MessageRow struct {
	Seq         int       `json:"seq"`
	SenderRole  string    `json:"senderRole"`
	ModeratorID string    `json:"moderatorId,omitempty"`
	Body        string    `json:"body"`
	Delivered   bool      `json:"delivered"`
	SentAt      time.Time `json:"sentAt"`
}

// CaseDetail holds one case plus its ordered message log.
type CaseDetail struct {
	CaseRow
	Log []MessageRow `json:"log"`
}

// Summary returns case counts by status.
func Summary(db *gorm.DB) (QueueSummary, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	if err := db.Model(&models.Case{}).
		Select("status, count(*) as count").
		Group("status").
		Find(&rows).Error; err != nil {
		return QueueSummary{}, err
	}

	var s QueueSummary
	for _, r := range rows {
		switch r.Status {
		case models.StatusOpen:
			s.Open = r.Count
		case models.StatusClaimed:
			s.Claimed = r.Count
		case models.StatusAnswered:
			s.Answered = r.Count
		case models.StatusClosed:
			s.Closed = r.Count
		}
	}
	return s, nil
}

// CaseList returns cases matching the optional kind and status filters,
// newest first.
func CaseList(db *gorm.DB, kind, status string) ([]CaseRow, error) {
	q := db.Model(&models.Case{})
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}

	var cases []models.Case
	if err := q.Order("created_at DESC").Find(&cases).Error; err != nil {
		return nil, err
	}

	rows := make([]CaseRow, len(cases))
	for i, c := range cases {
		rows[i] = toRow(c)
		var n int64
		if err := db.Model(&models.CaseMessage{}).Where("case_id = ?", c.ID).Count(&n).Error; err != nil {
			return nil, err
		}
		rows[i].Messages = int(n)
	}
	return rows, nil
}

// CaseByID returns one case with its full message log. Returns
// gorm.ErrRecordNotFound for an unknown ID.
func CaseByID(db *gorm.DB, id uint) (*CaseDetail, error) {
	var c models.Case
	if err := db.First(&c, id).Error; err != nil {
		return nil, err
	}

	var msgs []models.CaseMessage
	if err := db.Where("case_id = ?", id).Order("seq ASC").Find(&msgs).Error; err != nil {
		return nil, err
	}

	detail := &CaseDetail{CaseRow: toRow(c), Log: make([]MessageRow, len(msgs))}
	detail.Messages = len(msgs)
	for i, m := range msgs {
		detail.Log[i] = MessageRow{
			Seq:         m.Seq,
			SenderRole:  m.SenderRole,
			ModeratorID: m.ModeratorID,
			Body:        m.Body,
			Delivered:   m.Delivered,
			SentAt:      m.SentAt,
		}
	}
	return detail, nil
}

// IsNotFound reports whether err is a missing-record lookup failure.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func toRow(c models.Case) CaseRow {
	return CaseRow{
		ID:             c.ID,
		Pseudonym:      c.Pseudonym,
		Kind:           c.Kind,
		Status:         c.Status,
		ClaimedBy:      c.ClaimedBy,
		CreatedAt:      c.CreatedAt,
		LastActivityAt: c.LastActivityAt,
		ClosedAt:       c.ClosedAt,
	}
}
