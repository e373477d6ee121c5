package queue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/geocoder89/greeter/internal/domain/event"
	"github.com/geocoder89/greeter/internal/domain/user"
)

var ErrMalformedMessage = errors.New("malformed greeter message")

// Message is the wire shape the scheduler enqueues and the sender consumes.
// It carries everything a sender needs so a delivery never depends on a
// second user lookup.
type Message struct {
	ID              string `json:"id"`
	FirstName       string `json:"firstName"`
	LastName        string `json:"lastName"`
	Timezone        string `json:"timezone"`
	PK              string `json:"pk"`
	SK              string `json:"sk"`
	EventType       string `json:"eventType"`
	EventDate       string `json:"eventDate"`
	NotifyLocalTime string `json:"notifyLocalTime"`
	LastSentYear    int    `json:"lastSentYear"`
	YearNow         int    `json:"yearNow"`
}

// NewMessage builds the message for one due event. yearNow is the scheduler
// sweep's captured year, not the current wall clock.
func NewMessage(u user.User, e event.Event, yearNow int) Message {
	return Message{
		ID:              u.ID,
		FirstName:       u.FirstName,
		LastName:        u.LastName,
		Timezone:        u.Timezone,
		PK:              "USER#" + u.ID,
		SK:              "EVENT#" + string(e.Type),
		EventType:       string(e.Type),
		EventDate:       e.Date,
		NotifyLocalTime: e.NotifyLocalTime,
		LastSentYear:    e.LastSentYear,
		YearNow:         yearNow,
	}
}

// GroupID keys FIFO ordering. Events of one type are ordered relative to
// each other; different types flow in parallel.
func (m Message) GroupID() string { return m.EventType }

// DedupID collapses re-enqueues of the same (event, year) inside the
// transport's deduplication window.
func (m Message) DedupID() string {
	return fmt.Sprintf("%s-%s-%d", m.ID, m.EventType, m.YearNow)
}

// IdempotencyKey is the receiver-side duplicate shield, same shape as the
// transport dedup key.
func (m Message) IdempotencyKey() string { return m.DedupID() }

func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedMessage)
	}
	if _, err := event.ParseType(m.EventType); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.EventDate == "" || m.NotifyLocalTime == "" || m.Timezone == "" {
		return fmt.Errorf("%w: missing schedule fields", ErrMalformedMessage)
	}
	if m.YearNow == 0 {
		return fmt.Errorf("%w: missing yearNow", ErrMalformedMessage)
	}
	return nil
}

func (m Message) Encode() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode greeter message: %w", err)
	}
	return string(b), nil
}

func DecodeMessage(body string) (Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
