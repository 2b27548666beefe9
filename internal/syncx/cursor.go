package syncx

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Cursor is an opaque position in the change feed: base64("<ms>|<uuid>").
// Ordering by (Ms, UID) makes pagination deterministic even when several
// records share a timestamp.
type Cursor struct {
	Ms  int64     // Unix milliseconds
	UID uuid.UUID // tiebreaker within the same millisecond
}

// EncodeCursor serializes a cursor; the zero cursor encodes as "".
func EncodeCursor(c Cursor) string {
	if c.Ms == 0 && c.UID == uuid.Nil {
		return ""
	}
	raw := fmt.Sprintf("%d|%s", c.Ms, c.UID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses an encoded cursor. Malformed input yields the zero
// cursor and false; callers treat that as "start from the beginning".
func DecodeCursor(s string) (Cursor, bool) {
	if s == "" {
		return Cursor{}, false
	}

	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, false
	}

	msPart, uidPart, ok := strings.Cut(string(b), "|")
	if !ok {
		return Cursor{}, false
	}

	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return Cursor{}, false
	}

	id, err := uuid.Parse(uidPart)
	if err != nil {
		return Cursor{}, false
	}

	return Cursor{Ms: ms, UID: id}, true
}

// RFC3339 renders Unix milliseconds as an RFC3339 timestamp
func RFC3339(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

// NowMs returns the current Unix milliseconds timestamp (UTC)
func NowMs() int64 {
	return time.Now().UTC().UnixMilli()
}
