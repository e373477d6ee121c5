package event

import (
	"errors"
	"fmt"
	"time"
)

// Type is the closed set of yearly occasions a user can register.
type Type string

const (
	TypeBirthday    Type = "birthday"
	TypeAnniversary Type = "anniversary"
)

func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeBirthday, TypeAnniversary:
		return Type(s), nil
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

type SendingStatus string

const (
	StatusPending   SendingStatus = "pending"
	StatusSending   SendingStatus = "sending"
	StatusCompleted SendingStatus = "completed"
	StatusFailed    SendingStatus = "failed"
)

var ErrNotFound = errors.New("event not found")

// Event is one yearly notification target, identified by (UserID, Type).
// NotifyUTC is the next absolute instant it should fire; LastSentYear is the
// last calendar year with a completed delivery (0 when never sent).
type Event struct {
	UserID          string    `json:"userId"`
	Type            Type      `json:"type"`
	Date            string    `json:"date"`            // YYYY-MM-DD; the year is historical
	NotifyLocalTime string    `json:"notifyLocalTime"` // HH:MM, 24h, user-local
	NotifyUTC       time.Time `json:"notifyUtc"`
	LastSentYear    int       `json:"lastSentYear"`

	SendingStatus       SendingStatus `json:"sendingStatus,omitempty"`
	SendingAttemptedAt  *time.Time    `json:"sendingAttemptedAt,omitempty"`
	SendingCompletedAt  *time.Time    `json:"sendingCompletedAt,omitempty"`
	MarkedFailedAt      *time.Time    `json:"markedFailedAt,omitempty"`
	FailureReason       *string       `json:"failureReason,omitempty"`
	WebhookResponseCode *int          `json:"webhookResponseCode,omitempty"`
	WebhookDeliveredAt  *time.Time    `json:"webhookDeliveredAt,omitempty"`
	Label               *string       `json:"label,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Status treats an absent sending status as pending.
func (e Event) Status() SendingStatus {
	if e.SendingStatus == "" {
		return StatusPending
	}
	return e.SendingStatus
}

// SentForYear reports whether a completed delivery is already recorded for
// the given year. Both clauses are required: a record left in failed with an
// advanced LastSentYear (webhook outage after a claim) must stay claimable.
func (e Event) SentForYear(year int) bool {
	return e.LastSentYear >= year && e.Status() == StatusCompleted
}

func (e Event) Validate() error {
	if e.UserID == "" {
		return errors.New("user id is required")
	}
	if _, err := ParseType(string(e.Type)); err != nil {
		return err
	}
	if _, err := time.Parse("2006-01-02", e.Date); err != nil {
		return fmt.Errorf("invalid date %q: %w", e.Date, err)
	}
	if _, err := time.Parse("15:04", e.NotifyLocalTime); err != nil {
		return fmt.Errorf("invalid notify time %q: %w", e.NotifyLocalTime, err)
	}
	return nil
}
