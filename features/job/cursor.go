package job

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"replydesk/backend/internal/apierr"
)

type Order string

const (
	OrderRunAtAsc        Order = "RUN_AT_ASC"
	OrderCreatedAtDesc   Order = "CREATED_AT_DESC"
	OrderCompletedAtDesc Order = "COMPLETED_AT_DESC"
)

func ParseOrder(raw string) (Order, error) {
	switch Order(raw) {
	case OrderRunAtAsc, OrderCreatedAtDesc, OrderCompletedAtDesc:
		return Order(raw), nil
	case "":
		return OrderCreatedAtDesc, nil
	}
	return "", apierr.BadRequest("Unknown order.")
}

// Cursor encodes the last-seen sort key and id for stable forward pagination.
// The wire form is opaque base64(JSON).
type Cursor struct {
	V     int    `json:"v"`
	Order Order  `json:"order"`
	Key   string `json:"key"` // RFC3339Nano sort-key value
	ID    string `json:"id"`
}

func EncodeCursor(order Order, key time.Time, id string) string {
	c := Cursor{V: 1, Order: order, Key: key.UTC().Format(time.RFC3339Nano), ID: id}
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func DecodeCursor(raw string, want Order) (*Cursor, error) {
	text, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, apierr.BadCursor("Invalid cursor.")
	}
	var c Cursor
	if err := json.Unmarshal(text, &c); err != nil {
		return nil, apierr.BadCursor("Invalid cursor.")
	}
	if c.V != 1 || c.ID == "" {
		return nil, apierr.BadCursor("Invalid cursor.")
	}
	if _, err := time.Parse(time.RFC3339Nano, c.Key); err != nil {
		return nil, apierr.BadCursor("Invalid cursor.")
	}
	if c.Order != want {
		return nil, apierr.BadCursor("Cursor does not match requested order.")
	}
	return &c, nil
}

func (c *Cursor) KeyTime() time.Time {
	t, _ := time.Parse(time.RFC3339Nano, c.Key)
	return t
}
