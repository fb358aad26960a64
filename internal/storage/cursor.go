package storage

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Page tokens are opaque to clients: base64("v1:<order nanos>:<row id>").
// The version prefix lets the encoding evolve without breaking stored tokens.

const (
	pageTokenPrefix = "v1:"

	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// ErrInvalidPageToken is returned for tokens that do not decode or carry an
// unknown version prefix.
var ErrInvalidPageToken = errors.New("storage: invalid page token")

// Cursor is the decoded position of a page boundary: the ordering timestamp
// (accepted_at or decided_at, unix nanos) and row id of the last row served.
// Carrying both keeps keyset pagination correct even when insertion order
// and timestamp order disagree, which can happen under concurrent writers.
// The zero Cursor means "from the beginning".
type Cursor struct {
	At  int64
	Seq int64
}

// EncodePageToken encodes a page boundary as an opaque cursor.
func EncodePageToken(c Cursor) string {
	return base64.StdEncoding.EncodeToString([]byte(
		pageTokenPrefix + strconv.FormatInt(c.At, 10) + ":" + strconv.FormatInt(c.Seq, 10)))
}

// DecodePageToken recovers the page boundary from a cursor.
func DecodePageToken(token string) (Cursor, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %q", ErrInvalidPageToken, token)
	}
	s := string(raw)
	if !strings.HasPrefix(s, pageTokenPrefix) {
		return Cursor{}, fmt.Errorf("%w: %q", ErrInvalidPageToken, token)
	}
	parts := strings.Split(strings.TrimPrefix(s, pageTokenPrefix), ":")
	if len(parts) != 2 {
		return Cursor{}, fmt.Errorf("%w: %q", ErrInvalidPageToken, token)
	}
	at, errAt := strconv.ParseInt(parts[0], 10, 64)
	seq, errSeq := strconv.ParseInt(parts[1], 10, 64)
	if errAt != nil || errSeq != nil || at < 0 || seq < 0 {
		return Cursor{}, fmt.Errorf("%w: %q", ErrInvalidPageToken, token)
	}
	return Cursor{At: at, Seq: seq}, nil
}
