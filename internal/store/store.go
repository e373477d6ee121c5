// Package store is the typed gateway to the single-table event store. All
// cross-worker coordination happens through conditional writes here; the
// only state-dependent mutation is ClaimForYear.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/jonboulle/clockwork"

	"github.com/geocoder89/greeter/internal/domain/event"
	"github.com/geocoder89/greeter/internal/domain/user"
	"github.com/geocoder89/greeter/internal/firetime"
	"github.com/geocoder89/greeter/internal/observability"
)

// ErrClaimLost reports a ClaimForYear conditional write rejected by the
// store: another worker already claimed or completed the event for the year.
var ErrClaimLost = errors.New("event already claimed for this year")

const (
	maxPageSize    = 100
	batchChunkSize = 25
	batchRetries   = 3
)

// DynamoClient is the slice of the DynamoDB API the gateway uses.
type DynamoClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

type Config struct {
	Client  DynamoClient
	Table   string
	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *observability.Prom
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return errors.New("store: client is required")
	}
	if c.Table == "" {
		return errors.New("store: table name is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

type Store struct {
	client  DynamoClient
	table   string
	clock   clockwork.Clock
	log     *slog.Logger
	metrics *observability.Prom
}

func New(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Store{
		client:  cfg.Client,
		table:   cfg.Table,
		clock:   cfg.Clock,
		log:     cfg.Logger.With("component", "store"),
		metrics: cfg.Metrics,
	}, nil
}

func (s *Store) observe(op string, fn func() error) error {
	if s.metrics != nil {
		return s.metrics.ObserveStore(op, fn)
	}
	return fn()
}

func (s *Store) GetUser(ctx context.Context, userID string) (user.User, error) {
	in := &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       itemKey(userPK(userID), skMetadata),
	}

	var out *dynamodb.GetItemOutput
	err := s.observe("get_user", func() error {
		var err error
		out, err = s.client.GetItem(ctx, in)
		return err
	})
	if err != nil {
		return user.User{}, fmt.Errorf("get user %s: %w", userID, err)
	}
	if len(out.Item) == 0 {
		return user.User{}, user.ErrNotFound
	}

	var r userRecord
	if err := attributevalue.UnmarshalMap(out.Item, &r); err != nil {
		return user.User{}, fmt.Errorf("unmarshal user %s: %w", userID, err)
	}
	return recordToUser(r)
}

func (s *Store) PutUser(ctx context.Context, u user.User) (user.User, error) {
	if err := u.Validate(); err != nil {
		return user.User{}, err
	}

	now := s.clock.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now

	item, err := attributevalue.MarshalMap(userToRecord(u))
	if err != nil {
		return user.User{}, fmt.Errorf("marshal user %s: %w", u.ID, err)
	}

	err = s.observe("put_user", func() error {
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.table),
			Item:      item,
		})
		return err
	})
	if err != nil {
		return user.User{}, fmt.Errorf("put user %s: %w", u.ID, err)
	}
	return u, nil
}

func (s *Store) GetEvent(ctx context.Context, userID string, t event.Type) (event.Event, error) {
	in := &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       itemKey(userPK(userID), eventSK(t)),
	}

	var out *dynamodb.GetItemOutput
	err := s.observe("get_event", func() error {
		var err error
		out, err = s.client.GetItem(ctx, in)
		return err
	})
	if err != nil {
		return event.Event{}, fmt.Errorf("get event %s/%s: %w", userID, t, err)
	}
	if len(out.Item) == 0 {
		return event.Event{}, event.ErrNotFound
	}

	var r eventRecord
	if err := attributevalue.UnmarshalMap(out.Item, &r); err != nil {
		return event.Event{}, fmt.Errorf("unmarshal event %s/%s: %w", userID, t, err)
	}
	return recordToEvent(r)
}

func (s *Store) PutEvent(ctx context.Context, e event.Event) (event.Event, error) {
	if err := e.Validate(); err != nil {
		return event.Event{}, err
	}
	if e.NotifyUTC.IsZero() {
		return event.Event{}, errors.New("event notify instant is required")
	}

	now := s.clock.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	item, err := attributevalue.MarshalMap(eventToRecord(e))
	if err != nil {
		return event.Event{}, fmt.Errorf("marshal event %s/%s: %w", e.UserID, e.Type, err)
	}

	err = s.observe("put_event", func() error {
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.table),
			Item:      item,
		})
		return err
	})
	if err != nil {
		return event.Event{}, fmt.Errorf("put event %s/%s: %w", e.UserID, e.Type, err)
	}
	return e, nil
}

func (s *Store) DeleteEvent(ctx context.Context, userID string, t event.Type) error {
	err := s.observe("delete_event", func() error {
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.table),
			Key:       itemKey(userPK(userID), eventSK(t)),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("delete event %s/%s: %w", userID, t, err)
	}
	return nil
}

// EventKey identifies one event record for batch deletes.
type EventKey struct {
	UserID string
	Type   event.Type
}

func (s *Store) BatchPutEvents(ctx context.Context, events []event.Event) error {
	now := s.clock.Now().UTC()

	reqs := make([]types.WriteRequest, 0, len(events))
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return err
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		e.UpdatedAt = now

		item, err := attributevalue.MarshalMap(eventToRecord(e))
		if err != nil {
			return fmt.Errorf("marshal event %s/%s: %w", e.UserID, e.Type, err)
		}
		reqs = append(reqs, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
	}
	return s.batchWrite(ctx, "batch_put_events", reqs)
}

func (s *Store) BatchDeleteEvents(ctx context.Context, keys []EventKey) error {
	reqs := make([]types.WriteRequest, 0, len(keys))
	for _, k := range keys {
		reqs = append(reqs, types.WriteRequest{
			DeleteRequest: &types.DeleteRequest{Key: itemKey(userPK(k.UserID), eventSK(k.Type))},
		})
	}
	return s.batchWrite(ctx, "batch_delete_events", reqs)
}

func (s *Store) batchWrite(ctx context.Context, op string, reqs []types.WriteRequest) error {
	for start := 0; start < len(reqs); start += batchChunkSize {
		end := min(start+batchChunkSize, len(reqs))
		pending := reqs[start:end]

		for attempt := 0; len(pending) > 0; attempt++ {
			if attempt >= batchRetries {
				return fmt.Errorf("%s: %d items unprocessed after %d attempts", op, len(pending), attempt)
			}

			var out *dynamodb.BatchWriteItemOutput
			err := s.observe(op, func() error {
				var err error
				out, err = s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
					RequestItems: map[string][]types.WriteRequest{s.table: pending},
				})
				return err
			})
			if err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}

			pending = out.UnprocessedItems[s.table]
			if len(pending) > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-s.clock.After(time.Duration(attempt+1) * 100 * time.Millisecond):
				}
			}
		}
	}
	return nil
}

// QueryDue returns one page of events whose fire instant is at or before
// now and that have no completed delivery recorded for the current year.
// The returned cursor resumes the scan; empty means the scan is complete.
// A page can legitimately come back empty while the cursor is non-empty:
// the year filter applies after the index page is cut.
func (s *Store) QueryDue(ctx context.Context, now time.Time, year int, cursor string, limit int32) ([]event.Event, string, error) {
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	startKey, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(gsiName),
		KeyConditionExpression: aws.String("GSI1PK = :pk AND notify_utc <= :now"),
		FilterExpression:       aws.String("attribute_not_exists(last_sent_year) OR last_sent_year < :year"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: gsiPK},
			":now":  &types.AttributeValueMemberS{Value: firetime.FormatUTC(now)},
			":year": &types.AttributeValueMemberN{Value: strconv.Itoa(year)},
		},
		Limit:             aws.Int32(limit),
		ExclusiveStartKey: startKey,
	}

	var out *dynamodb.QueryOutput
	err = s.observe("query_due", func() error {
		var err error
		out, err = s.client.Query(ctx, in)
		return err
	})
	if err != nil {
		return nil, "", fmt.Errorf("query due events: %w", err)
	}

	events, err := unmarshalEvents(out.Items)
	if err != nil {
		return nil, "", err
	}

	next, err := encodeCursor(out.LastEvaluatedKey)
	if err != nil {
		return nil, "", err
	}
	return events, next, nil
}

// QueryByNotifyRange returns every event with a fire instant inside
// [from, to], walking all index pages.
func (s *Store) QueryByNotifyRange(ctx context.Context, from, to time.Time) ([]event.Event, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(gsiName),
		KeyConditionExpression: aws.String("GSI1PK = :pk AND notify_utc BETWEEN :from AND :to"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: gsiPK},
			":from": &types.AttributeValueMemberS{Value: firetime.FormatUTC(from)},
			":to":   &types.AttributeValueMemberS{Value: firetime.FormatUTC(to)},
		},
	}

	var all []event.Event
	for {
		var out *dynamodb.QueryOutput
		err := s.observe("query_notify_range", func() error {
			var err error
			out, err = s.client.Query(ctx, in)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("query notify range: %w", err)
		}

		events, err := unmarshalEvents(out.Items)
		if err != nil {
			return nil, err
		}
		all = append(all, events...)

		if len(out.LastEvaluatedKey) == 0 {
			return all, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// QueryBySendingStatus returns every event record currently in the given
// sending status. There is no index over status; this is a filtered scan
// used only by the low-frequency health monitor.
func (s *Store) QueryBySendingStatus(ctx context.Context, status event.SendingStatus) ([]event.Event, error) {
	in := &dynamodb.ScanInput{
		TableName:        aws.String(s.table),
		FilterExpression: aws.String("begins_with(SK, :pref) AND sending_status = :status"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pref":   &types.AttributeValueMemberS{Value: skEventPref},
			":status": &types.AttributeValueMemberS{Value: string(status)},
		},
	}

	var all []event.Event
	for {
		var out *dynamodb.ScanOutput
		err := s.observe("query_sending_status", func() error {
			var err error
			out, err = s.client.Scan(ctx, in)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("scan sending status: %w", err)
		}

		events, err := unmarshalEvents(out.Items)
		if err != nil {
			return nil, err
		}
		all = append(all, events...)

		if len(out.LastEvaluatedKey) == 0 {
			return all, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// ClaimParams carries one claim attempt. ExpectedYear is the last_sent_year
// the caller read; the claim succeeds only while it still holds.
type ClaimParams struct {
	UserID       string
	Type         event.Type
	ExpectedYear int
	Year         int
	NextNotify   time.Time
}

// ClaimForYear atomically moves an event into sending for the given year,
// advancing last_sent_year and notify_utc in the same write. The condition
// rejects the claim when another worker got there first (year moved on, or
// a live sending/completed status is present) and ErrClaimLost is returned.
func (s *Store) ClaimForYear(ctx context.Context, p ClaimParams) error {
	now := firetime.FormatUTC(s.clock.Now())

	cond := "attribute_exists(PK) AND (attribute_not_exists(sending_status) OR (sending_status <> :sending AND sending_status <> :completed))"
	if p.ExpectedYear == 0 {
		cond += " AND (attribute_not_exists(last_sent_year) OR last_sent_year = :expected)"
	} else {
		cond += " AND last_sent_year = :expected"
	}

	in := &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 itemKey(userPK(p.UserID), eventSK(p.Type)),
		ConditionExpression: aws.String(cond),
		UpdateExpression: aws.String(
			"SET sending_status = :sending, sending_attempted_at = :now, last_sent_year = :year, notify_utc = :next, updated_at = :now",
		),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sending":   &types.AttributeValueMemberS{Value: string(event.StatusSending)},
			":completed": &types.AttributeValueMemberS{Value: string(event.StatusCompleted)},
			":expected":  &types.AttributeValueMemberN{Value: strconv.Itoa(p.ExpectedYear)},
			":year":      &types.AttributeValueMemberN{Value: strconv.Itoa(p.Year)},
			":next":      &types.AttributeValueMemberS{Value: firetime.FormatUTC(p.NextNotify)},
			":now":       &types.AttributeValueMemberS{Value: now},
		},
	}

	err := s.observe("claim_for_year", func() error {
		_, err := s.client.UpdateItem(ctx, in)
		return err
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("claim %s/%s year %d: %w", p.UserID, p.Type, p.Year, ErrClaimLost)
		}
		return fmt.Errorf("claim %s/%s year %d: %w", p.UserID, p.Type, p.Year, err)
	}
	return nil
}

// MarkCompleted records a successful delivery. The write is terminal and
// idempotent; failure leftovers are removed so the record's optional fields
// describe only the completed state.
func (s *Store) MarkCompleted(ctx context.Context, userID string, t event.Type, responseCode int) error {
	now := firetime.FormatUTC(s.clock.Now())

	in := &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 itemKey(userPK(userID), eventSK(t)),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		UpdateExpression: aws.String(
			"SET sending_status = :completed, sending_completed_at = :now, webhook_response_code = :code, webhook_delivered_at = :now, updated_at = :now" +
				" REMOVE failure_reason, marked_failed_at",
		),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":completed": &types.AttributeValueMemberS{Value: string(event.StatusCompleted)},
			":code":      &types.AttributeValueMemberN{Value: strconv.Itoa(responseCode)},
			":now":       &types.AttributeValueMemberS{Value: now},
		},
	}

	err := s.observe("mark_completed", func() error {
		_, err := s.client.UpdateItem(ctx, in)
		return err
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			s.log.Warn("mark completed on missing event", "user_id", userID, "event_type", t)
			return nil
		}
		return fmt.Errorf("mark completed %s/%s: %w", userID, t, err)
	}
	return nil
}

// MarkFailed records a failed or abandoned delivery attempt so a later
// claim can retry it.
func (s *Store) MarkFailed(ctx context.Context, userID string, t event.Type, reason string) error {
	now := firetime.FormatUTC(s.clock.Now())

	in := &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 itemKey(userPK(userID), eventSK(t)),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		UpdateExpression: aws.String(
			"SET sending_status = :failed, marked_failed_at = :now, failure_reason = :reason, updated_at = :now",
		),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed": &types.AttributeValueMemberS{Value: string(event.StatusFailed)},
			":reason": &types.AttributeValueMemberS{Value: reason},
			":now":    &types.AttributeValueMemberS{Value: now},
		},
	}

	err := s.observe("mark_failed", func() error {
		_, err := s.client.UpdateItem(ctx, in)
		return err
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			s.log.Warn("mark failed on missing event", "user_id", userID, "event_type", t)
			return nil
		}
		return fmt.Errorf("mark failed %s/%s: %w", userID, t, err)
	}
	return nil
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}
