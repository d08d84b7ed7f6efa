package database

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/npezzotti/caresync-rtc/internal/types"
)

var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor marks the last message of a page. Messages are ordered by
// (CreatedAt, Id), so the pair is unique and stable.
type Cursor struct {
	CreatedAt time.Time
	Id        string
}

func CursorFor(msg types.Message) *Cursor {
	return &Cursor{CreatedAt: msg.CreatedAt, Id: msg.Id}
}

func (c *Cursor) after(msg types.Message) bool {
	if msg.CreatedAt.Equal(c.CreatedAt) {
		return msg.Id > c.Id
	}
	return msg.CreatedAt.After(c.CreatedAt)
}

func (c *Cursor) Encode() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + ":" + c.Id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(s string) (*Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}

	nanos, id, ok := strings.Cut(string(raw), ":")
	if !ok || !types.ValidId(id) {
		return nil, ErrInvalidCursor
	}

	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}

	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), Id: id}, nil
}
