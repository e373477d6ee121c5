package store

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/geocoder89/greeter/internal/domain/event"
	"github.com/geocoder89/greeter/internal/domain/user"
	"github.com/geocoder89/greeter/internal/firetime"
)

// Single-table layout: users and their events share a partition so one
// user's items co-locate. Event items additionally join the constant-key
// index that orders every event by its next fire instant.
const (
	skMetadata  = "METADATA"
	skEventPref = "EVENT#"
	gsiName     = "gsi1"
	gsiPK       = "EVENT"
)

func userPK(userID string) string { return "USER#" + userID }

func eventSK(t event.Type) string { return skEventPref + string(t) }

type userRecord struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	UserID    string `dynamodbav:"user_id"`
	FirstName string `dynamodbav:"first_name"`
	LastName  string `dynamodbav:"last_name,omitempty"`
	Timezone  string `dynamodbav:"timezone"`
	CreatedAt string `dynamodbav:"created_at,omitempty"`
	UpdatedAt string `dynamodbav:"updated_at,omitempty"`
}

// eventRecord is the flat persisted shape. Optional attributes are pointers
// with omitempty so undefined fields are genuinely absent, not null; the
// in-memory event.Event is the richer view.
type eventRecord struct {
	PK     string `dynamodbav:"PK"`
	SK     string `dynamodbav:"SK"`
	GSI1PK string `dynamodbav:"GSI1PK"`

	UserID          string `dynamodbav:"user_id"`
	EventType       string `dynamodbav:"event_type"`
	Date            string `dynamodbav:"date"`
	NotifyLocalTime string `dynamodbav:"notify_local_time"`
	NotifyUTC       string `dynamodbav:"notify_utc"`
	LastSentYear    int    `dynamodbav:"last_sent_year"`

	SendingStatus       string  `dynamodbav:"sending_status,omitempty"`
	SendingAttemptedAt  *string `dynamodbav:"sending_attempted_at,omitempty"`
	SendingCompletedAt  *string `dynamodbav:"sending_completed_at,omitempty"`
	MarkedFailedAt      *string `dynamodbav:"marked_failed_at,omitempty"`
	FailureReason       *string `dynamodbav:"failure_reason,omitempty"`
	WebhookResponseCode *int    `dynamodbav:"webhook_response_code,omitempty"`
	WebhookDeliveredAt  *string `dynamodbav:"webhook_delivered_at,omitempty"`
	Label               *string `dynamodbav:"label,omitempty"`

	CreatedAt string `dynamodbav:"created_at,omitempty"`
	UpdatedAt string `dynamodbav:"updated_at,omitempty"`
}

func userToRecord(u user.User) userRecord {
	r := userRecord{
		PK:        userPK(u.ID),
		SK:        skMetadata,
		UserID:    u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Timezone:  u.Timezone,
	}
	if !u.CreatedAt.IsZero() {
		r.CreatedAt = firetime.FormatUTC(u.CreatedAt)
	}
	if !u.UpdatedAt.IsZero() {
		r.UpdatedAt = firetime.FormatUTC(u.UpdatedAt)
	}
	return r
}

func recordToUser(r userRecord) (user.User, error) {
	u := user.User{
		ID:        r.UserID,
		FirstName: r.FirstName,
		LastName:  r.LastName,
		Timezone:  r.Timezone,
	}
	var err error
	if u.CreatedAt, err = optionalInstant(r.CreatedAt); err != nil {
		return user.User{}, fmt.Errorf("user %s: %w", r.UserID, err)
	}
	if u.UpdatedAt, err = optionalInstant(r.UpdatedAt); err != nil {
		return user.User{}, fmt.Errorf("user %s: %w", r.UserID, err)
	}
	return u, nil
}

func eventToRecord(e event.Event) eventRecord {
	r := eventRecord{
		PK:              userPK(e.UserID),
		SK:              eventSK(e.Type),
		GSI1PK:          gsiPK,
		UserID:          e.UserID,
		EventType:       string(e.Type),
		Date:            e.Date,
		NotifyLocalTime: e.NotifyLocalTime,
		NotifyUTC:       firetime.FormatUTC(e.NotifyUTC),
		LastSentYear:    e.LastSentYear,
		SendingStatus:   string(e.SendingStatus),
		FailureReason:   e.FailureReason,
		WebhookResponseCode: e.WebhookResponseCode,
		Label:               e.Label,
	}
	r.SendingAttemptedAt = optionalStamp(e.SendingAttemptedAt)
	r.SendingCompletedAt = optionalStamp(e.SendingCompletedAt)
	r.MarkedFailedAt = optionalStamp(e.MarkedFailedAt)
	r.WebhookDeliveredAt = optionalStamp(e.WebhookDeliveredAt)
	if !e.CreatedAt.IsZero() {
		r.CreatedAt = firetime.FormatUTC(e.CreatedAt)
	}
	if !e.UpdatedAt.IsZero() {
		r.UpdatedAt = firetime.FormatUTC(e.UpdatedAt)
	}
	return r
}

func recordToEvent(r eventRecord) (event.Event, error) {
	e := event.Event{
		UserID:              r.UserID,
		Type:                event.Type(r.EventType),
		Date:                r.Date,
		NotifyLocalTime:     r.NotifyLocalTime,
		LastSentYear:        r.LastSentYear,
		SendingStatus:       event.SendingStatus(r.SendingStatus),
		FailureReason:       r.FailureReason,
		WebhookResponseCode: r.WebhookResponseCode,
		Label:               r.Label,
	}

	notify, err := firetime.ParseUTC(r.NotifyUTC)
	if err != nil {
		return event.Event{}, fmt.Errorf("event %s/%s: %w", r.UserID, r.EventType, err)
	}
	e.NotifyUTC = notify

	for _, f := range []struct {
		src *string
		dst **time.Time
	}{
		{r.SendingAttemptedAt, &e.SendingAttemptedAt},
		{r.SendingCompletedAt, &e.SendingCompletedAt},
		{r.MarkedFailedAt, &e.MarkedFailedAt},
		{r.WebhookDeliveredAt, &e.WebhookDeliveredAt},
	} {
		if f.src == nil {
			continue
		}
		t, err := firetime.ParseUTC(*f.src)
		if err != nil {
			return event.Event{}, fmt.Errorf("event %s/%s: %w", r.UserID, r.EventType, err)
		}
		*f.dst = &t
	}

	if e.CreatedAt, err = optionalInstant(r.CreatedAt); err != nil {
		return event.Event{}, fmt.Errorf("event %s/%s: %w", r.UserID, r.EventType, err)
	}
	if e.UpdatedAt, err = optionalInstant(r.UpdatedAt); err != nil {
		return event.Event{}, fmt.Errorf("event %s/%s: %w", r.UserID, r.EventType, err)
	}
	return e, nil
}

func optionalStamp(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := firetime.FormatUTC(*t)
	return &s
}

func optionalInstant(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return firetime.ParseUTC(s)
}

func unmarshalEvents(items []map[string]types.AttributeValue) ([]event.Event, error) {
	out := make([]event.Event, 0, len(items))
	for _, item := range items {
		var r eventRecord
		if err := attributevalue.UnmarshalMap(item, &r); err != nil {
			return nil, fmt.Errorf("unmarshal event item: %w", err)
		}
		e, err := recordToEvent(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
