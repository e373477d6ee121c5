package store

import (
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// pageCursor carries a due-events query's resume position between sweeps'
// page fetches. It round-trips the index LastEvaluatedKey, which spans the
// index keys and the table keys.
type pageCursor struct {
	PK        string `json:"pk"`
	SK        string `json:"sk"`
	GSI1PK    string `json:"gsi1pk"`
	NotifyUTC string `json:"notifyUtc"`
}

func encodeCursor(key map[string]types.AttributeValue) (string, error) {
	if len(key) == 0 {
		return "", nil
	}

	c := pageCursor{
		PK:        stringAttr(key, "PK"),
		SK:        stringAttr(key, "SK"),
		GSI1PK:    stringAttr(key, "GSI1PK"),
		NotifyUTC: stringAttr(key, "notify_utc"),
	}
	if c.PK == "" || c.SK == "" {
		return "", errors.New("incomplete page key")
	}

	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func decodeCursor(cursor string) (map[string]types.AttributeValue, error) {
	if cursor == "" {
		return nil, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, errors.New("malformed page cursor")
	}

	var c pageCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, errors.New("malformed page cursor")
	}
	if c.PK == "" || c.SK == "" || c.GSI1PK == "" || c.NotifyUTC == "" {
		return nil, errors.New("invalid page cursor payload")
	}

	return map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: c.PK},
		"SK":         &types.AttributeValueMemberS{Value: c.SK},
		"GSI1PK":     &types.AttributeValueMemberS{Value: c.GSI1PK},
		"notify_utc": &types.AttributeValueMemberS{Value: c.NotifyUTC},
	}, nil
}

func stringAttr(m map[string]types.AttributeValue, name string) string {
	if v, ok := m[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}
