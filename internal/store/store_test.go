package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/jonboulle/clockwork"

	"github.com/geocoder89/greeter/internal/domain/event"
	"github.com/geocoder89/greeter/internal/domain/user"
)

type fakeDynamo struct {
	getItem        func(*dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error)
	putItem        func(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error)
	updateItem     func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error)
	deleteItem     func(*dynamodb.DeleteItemInput) (*dynamodb.DeleteItemOutput, error)
	query          func(*dynamodb.QueryInput) (*dynamodb.QueryOutput, error)
	scan           func(*dynamodb.ScanInput) (*dynamodb.ScanOutput, error)
	batchWriteItem func(*dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error)
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return f.getItem(in)
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	return f.putItem(in)
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	return f.updateItem(in)
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	return f.deleteItem(in)
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	return f.query(in)
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	return f.scan(in)
}

func (f *fakeDynamo) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	return f.batchWriteItem(in)
}

func newTestStore(t *testing.T, client DynamoClient) *Store {
	t.Helper()
	s, err := New(Config{
		Client: client,
		Table:  "greeter-users",
		Clock:  clockwork.NewFakeClockAt(time.Date(2026, 6, 15, 9, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return s
}

func sampleEvent() event.Event {
	return event.Event{
		UserID:          "u-1",
		Type:            event.TypeBirthday,
		Date:            "1990-06-15",
		NotifyLocalTime: "09:00",
		NotifyUTC:       time.Date(2026, 6, 15, 9, 0, 0, 0, time.UTC),
	}
}

func eventItem(t *testing.T, e event.Event) map[string]types.AttributeValue {
	t.Helper()
	item, err := attributevalue.MarshalMap(eventToRecord(e))
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return item
}

func TestGetUser_NotFound(t *testing.T) {
	s := newTestStore(t, &fakeDynamo{
		getItem: func(in *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{}, nil
		},
	})

	_, err := s.GetUser(context.Background(), "nobody")
	if !errors.Is(err, user.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetUser_Found(t *testing.T) {
	u := user.User{ID: "u-1", FirstName: "Ada", LastName: "Lovelace", Timezone: "UTC"}
	item, err := attributevalue.MarshalMap(userToRecord(u))
	if err != nil {
		t.Fatalf("marshal user: %v", err)
	}

	var gotKey map[string]types.AttributeValue
	s := newTestStore(t, &fakeDynamo{
		getItem: func(in *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
			gotKey = in.Key
			return &dynamodb.GetItemOutput{Item: item}, nil
		},
	})

	got, err := s.GetUser(context.Background(), "u-1")
	if err != nil {
		t.Fatalf("GetUser error: %v", err)
	}
	if got.FirstName != "Ada" || got.Timezone != "UTC" {
		t.Fatalf("unexpected user %+v", got)
	}
	if pk := stringAttr(gotKey, "PK"); pk != "USER#u-1" {
		t.Fatalf("expected key USER#u-1, got %q", pk)
	}
	if sk := stringAttr(gotKey, "SK"); sk != "METADATA" {
		t.Fatalf("expected key METADATA, got %q", sk)
	}
}

func TestPutUser_RejectsInvalidTimezone(t *testing.T) {
	s := newTestStore(t, &fakeDynamo{})

	_, err := s.PutUser(context.Background(), user.User{
		ID: "u-1", FirstName: "Ada", Timezone: "Not/AZone",
	})
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestClaimForYear_ConditionalWrite(t *testing.T) {
	var got *dynamodb.UpdateItemInput
	s := newTestStore(t, &fakeDynamo{
		updateItem: func(in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
			got = in
			return &dynamodb.UpdateItemOutput{}, nil
		},
	})

	err := s.ClaimForYear(context.Background(), ClaimParams{
		UserID:       "u-1",
		Type:         event.TypeBirthday,
		ExpectedYear: 2025,
		Year:         2026,
		NextNotify:   time.Date(2027, 6, 15, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("ClaimForYear error: %v", err)
	}

	cond := *got.ConditionExpression
	if !strings.Contains(cond, "last_sent_year = :expected") {
		t.Fatalf("condition must pin last_sent_year, got %q", cond)
	}
	if !strings.Contains(cond, "sending_status <> :sending") || !strings.Contains(cond, "sending_status <> :completed") {
		t.Fatalf("condition must exclude live statuses, got %q", cond)
	}
	if !strings.Contains(cond, "attribute_exists(PK)") {
		t.Fatalf("condition must require an existing item, got %q", cond)
	}

	update := *got.UpdateExpression
	for _, want := range []string{"sending_status = :sending", "last_sent_year = :year", "notify_utc = :next", "sending_attempted_at = :now"} {
		if !strings.Contains(update, want) {
			t.Fatalf("update expression missing %q: %q", want, update)
		}
	}

	next := got.ExpressionAttributeValues[":next"].(*types.AttributeValueMemberS).Value
	if next != "2027-06-15T09:00:00.000Z" {
		t.Fatalf("unexpected next notify %q", next)
	}
	year := got.ExpressionAttributeValues[":year"].(*types.AttributeValueMemberN).Value
	if year != "2026" {
		t.Fatalf("unexpected year %q", year)
	}
}

func TestClaimForYear_NeverSentAllowsAbsentYear(t *testing.T) {
	var cond string
	s := newTestStore(t, &fakeDynamo{
		updateItem: func(in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
			cond = *in.ConditionExpression
			return &dynamodb.UpdateItemOutput{}, nil
		},
	})

	err := s.ClaimForYear(context.Background(), ClaimParams{
		UserID: "u-1", Type: event.TypeBirthday,
		ExpectedYear: 0, Year: 2026,
		NextNotify: time.Date(2027, 6, 15, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("ClaimForYear error: %v", err)
	}
	if !strings.Contains(cond, "attribute_not_exists(last_sent_year)") {
		t.Fatalf("first claim must accept an absent last_sent_year, got %q", cond)
	}
}

func TestClaimForYear_LostRace(t *testing.T) {
	s := newTestStore(t, &fakeDynamo{
		updateItem: func(in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
			return nil, &types.ConditionalCheckFailedException{}
		},
	})

	err := s.ClaimForYear(context.Background(), ClaimParams{
		UserID: "u-1", Type: event.TypeBirthday,
		ExpectedYear: 0, Year: 2026,
		NextNotify: time.Date(2027, 6, 15, 9, 0, 0, 0, time.UTC),
	})
	if !errors.Is(err, ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost, got %v", err)
	}
}

func TestQueryDue_PageAndCursor(t *testing.T) {
	first := sampleEvent()
	second := sampleEvent()
	second.UserID = "u-2"

	lastKey := map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: "USER#u-2"},
		"SK":         &types.AttributeValueMemberS{Value: "EVENT#birthday"},
		"GSI1PK":     &types.AttributeValueMemberS{Value: "EVENT"},
		"notify_utc": &types.AttributeValueMemberS{Value: "2026-06-15T09:00:00.000Z"},
	}

	var inputs []*dynamodb.QueryInput
	s := newTestStore(t, &fakeDynamo{
		query: func(in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
			inputs = append(inputs, in)
			if len(inputs) == 1 {
				return &dynamodb.QueryOutput{
					Items:            []map[string]types.AttributeValue{eventItem(t, first), eventItem(t, second)},
					LastEvaluatedKey: lastKey,
				}, nil
			}
			return &dynamodb.QueryOutput{}, nil
		},
	})

	now := time.Date(2026, 6, 15, 9, 0, 0, 0, time.UTC)
	page, cursor, err := s.QueryDue(context.Background(), now, 2026, "", 0)
	if err != nil {
		t.Fatalf("QueryDue error: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 events, got %d", len(page))
	}
	if cursor == "" {
		t.Fatalf("expected a resume cursor")
	}

	in := inputs[0]
	if *in.Limit != 100 {
		t.Fatalf("expected clamped page size 100, got %d", *in.Limit)
	}
	if !strings.Contains(*in.FilterExpression, "last_sent_year < :year") {
		t.Fatalf("filter must exclude already-sent years, got %q", *in.FilterExpression)
	}
	if !strings.Contains(*in.KeyConditionExpression, "notify_utc <= :now") {
		t.Fatalf("key condition must bound by now, got %q", *in.KeyConditionExpression)
	}
	if v := in.ExpressionAttributeValues[":now"].(*types.AttributeValueMemberS).Value; v != "2026-06-15T09:00:00.000Z" {
		t.Fatalf("unexpected :now %q", v)
	}

	// Resuming with the returned cursor starts exactly where the page ended.
	_, next, err := s.QueryDue(context.Background(), now, 2026, cursor, 50)
	if err != nil {
		t.Fatalf("QueryDue resume error: %v", err)
	}
	if next != "" {
		t.Fatalf("expected exhausted cursor, got %q", next)
	}
	resume := inputs[1]
	if got := stringAttr(resume.ExclusiveStartKey, "notify_utc"); got != "2026-06-15T09:00:00.000Z" {
		t.Fatalf("cursor did not round-trip, got %q", got)
	}
	if got := stringAttr(resume.ExclusiveStartKey, "PK"); got != "USER#u-2" {
		t.Fatalf("cursor did not round-trip PK, got %q", got)
	}
	if *resume.Limit != 50 {
		t.Fatalf("expected caller page size 50, got %d", *resume.Limit)
	}
}

func TestQueryDue_MalformedCursor(t *testing.T) {
	s := newTestStore(t, &fakeDynamo{})

	_, _, err := s.QueryDue(context.Background(), time.Now(), 2026, "not-a-cursor!", 10)
	if err == nil {
		t.Fatalf("expected error for malformed cursor")
	}
}

func TestMarkCompleted_ClearsFailureFields(t *testing.T) {
	var got *dynamodb.UpdateItemInput
	s := newTestStore(t, &fakeDynamo{
		updateItem: func(in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
			got = in
			return &dynamodb.UpdateItemOutput{}, nil
		},
	})

	if err := s.MarkCompleted(context.Background(), "u-1", event.TypeBirthday, 200); err != nil {
		t.Fatalf("MarkCompleted error: %v", err)
	}

	update := *got.UpdateExpression
	if !strings.Contains(update, "REMOVE failure_reason, marked_failed_at") {
		t.Fatalf("completion must remove failure leftovers, got %q", update)
	}
	if code := got.ExpressionAttributeValues[":code"].(*types.AttributeValueMemberN).Value; code != "200" {
		t.Fatalf("unexpected response code %q", code)
	}
}

func TestMarkCompleted_MissingEventIsNoop(t *testing.T) {
	s := newTestStore(t, &fakeDynamo{
		updateItem: func(in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
			return nil, &types.ConditionalCheckFailedException{}
		},
	})

	if err := s.MarkCompleted(context.Background(), "gone", event.TypeBirthday, 200); err != nil {
		t.Fatalf("expected noop for missing event, got %v", err)
	}
}

func TestMarkFailed_SetsReason(t *testing.T) {
	var got *dynamodb.UpdateItemInput
	s := newTestStore(t, &fakeDynamo{
		updateItem: func(in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
			got = in
			return &dynamodb.UpdateItemOutput{}, nil
		},
	})

	if err := s.MarkFailed(context.Background(), "u-1", event.TypeBirthday, "Webhook returned status 503"); err != nil {
		t.Fatalf("MarkFailed error: %v", err)
	}

	if reason := got.ExpressionAttributeValues[":reason"].(*types.AttributeValueMemberS).Value; reason != "Webhook returned status 503" {
		t.Fatalf("unexpected reason %q", reason)
	}
	if status := got.ExpressionAttributeValues[":failed"].(*types.AttributeValueMemberS).Value; status != "failed" {
		t.Fatalf("unexpected status %q", status)
	}
}

func TestQueryBySendingStatus_PaginatesScan(t *testing.T) {
	e := sampleEvent()
	e.SendingStatus = event.StatusSending

	calls := 0
	s := newTestStore(t, &fakeDynamo{
		scan: func(in *dynamodb.ScanInput) (*dynamodb.ScanOutput, error) {
			calls++
			if calls == 1 {
				return &dynamodb.ScanOutput{
					Items: []map[string]types.AttributeValue{eventItem(t, e)},
					LastEvaluatedKey: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: "USER#u-1"},
						"SK": &types.AttributeValueMemberS{Value: "EVENT#birthday"},
					},
				}, nil
			}
			return &dynamodb.ScanOutput{
				Items: []map[string]types.AttributeValue{eventItem(t, e)},
			}, nil
		},
	})

	got, err := s.QueryBySendingStatus(context.Background(), event.StatusSending)
	if err != nil {
		t.Fatalf("QueryBySendingStatus error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events across pages, got %d", len(got))
	}
	if calls != 2 {
		t.Fatalf("expected 2 scan pages, got %d", calls)
	}
}

func TestBatchPutEvents_RetriesUnprocessed(t *testing.T) {
	e := sampleEvent()
	item := eventItem(t, e)

	calls := 0
	client := &fakeDynamo{
		batchWriteItem: func(in *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error) {
			calls++
			if calls == 1 {
				return &dynamodb.BatchWriteItemOutput{
					UnprocessedItems: map[string][]types.WriteRequest{
						"greeter-users": {{PutRequest: &types.PutRequest{Item: item}}},
					},
				}, nil
			}
			return &dynamodb.BatchWriteItemOutput{}, nil
		},
	}
	s, err := New(Config{Client: client, Table: "greeter-users"})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	if err := s.BatchPutEvents(context.Background(), []event.Event{e}); err != nil {
		t.Fatalf("BatchPutEvents error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected retry of unprocessed items, got %d calls", calls)
	}
}

func TestEventRecordOmitsUndefinedFields(t *testing.T) {
	item := eventItem(t, sampleEvent())

	for _, absent := range []string{"sending_status", "failure_reason", "webhook_response_code", "sending_attempted_at", "label"} {
		if _, ok := item[absent]; ok {
			t.Fatalf("pending event must omit %s", absent)
		}
	}
	if v := stringAttr(item, "notify_utc"); v != "2026-06-15T09:00:00.000Z" {
		t.Fatalf("unexpected notify_utc %q", v)
	}
	if v := stringAttr(item, "GSI1PK"); v != "EVENT" {
		t.Fatalf("event items must join the index, got %q", v)
	}
}

func TestEventRecordRoundTrip(t *testing.T) {
	reason := "Webhook returned status 503"
	code := 503
	attempted := time.Date(2026, 6, 15, 9, 1, 2, 0, time.UTC)

	e := sampleEvent()
	e.LastSentYear = 2026
	e.SendingStatus = event.StatusFailed
	e.FailureReason = &reason
	e.WebhookResponseCode = &code
	e.SendingAttemptedAt = &attempted

	back, err := recordToEvent(eventToRecord(e))
	if err != nil {
		t.Fatalf("recordToEvent error: %v", err)
	}
	if back.LastSentYear != 2026 || back.SendingStatus != event.StatusFailed {
		t.Fatalf("unexpected round trip %+v", back)
	}
	if back.FailureReason == nil || *back.FailureReason != reason {
		t.Fatalf("failure reason lost")
	}
	if back.SendingAttemptedAt == nil || !back.SendingAttemptedAt.Equal(attempted) {
		t.Fatalf("attempted timestamp lost")
	}
	if !back.NotifyUTC.Equal(e.NotifyUTC) {
		t.Fatalf("notify instant lost")
	}
}
