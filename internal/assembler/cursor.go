package assembler

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/selector"
	apperrors "github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/errors"
	"github.com/cespare/xxhash/v2"
)

const (
	cursorVersion  = 1
	maxCursorBytes = 4096
)

// Cursor is the decoded pagination token. Clients treat it as opaque.
type Cursor struct {
	Version  int               `json:"v"`
	Nonce    int64             `json:"n"`
	Session  uint64            `json:"s"`
	Page     int               `json:"p"`
	Position selector.Position `json:"pos"`
	// Seen packs 32-bit hashes of the post ids emitted earlier in the
	// traversal, oldest first.
	Seen []byte `json:"seen,omitempty"`

	seen map[uint32]struct{}
}

func sessionFingerprint(viewerID, sessionID string) uint64 {
	d := xxhash.New()
	d.WriteString(viewerID)
	d.Write([]byte{0})
	d.WriteString(sessionID)
	return d.Sum64()
}

func seenHash(postID string) uint32 {
	return uint32(xxhash.Sum64String(postID))
}

func invalidCursor(format string, args ...any) error {
	return apperrors.Newf(apperrors.ErrInvalidCursor, 0, format, args...)
}

// EncodeCursor renders c as an opaque URL-safe string.
func EncodeCursor(c Cursor) (string, error) {
	c.Version = cursorVersion
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encoding cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeCursor parses raw. Any malformed input is an InvalidCursor error.
func DecodeCursor(raw string) (Cursor, error) {
	var c Cursor
	if len(raw) > maxCursorBytes {
		return c, invalidCursor("cursor too long")
	}
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return c, invalidCursor("cursor is not valid base64")
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, invalidCursor("cursor payload is malformed")
	}
	switch {
	case c.Version != cursorVersion:
		return c, invalidCursor("unsupported cursor version %d", c.Version)
	case c.Page < 1:
		return c, invalidCursor("cursor page index out of range")
	case c.Position.TrendingOffset < 0:
		return c, invalidCursor("cursor trending offset out of range")
	case len(c.Seen)%4 != 0:
		return c, invalidCursor("cursor seen set is malformed")
	}
	c.index()
	return c, nil
}

// check binds c to the request it is used with.
func (c Cursor) check(viewerID, sessionID string, nonce int64) error {
	if c.Session != sessionFingerprint(viewerID, sessionID) {
		return invalidCursor("cursor belongs to another session")
	}
	if c.Nonce != nonce {
		return invalidCursor("cursor was issued for refresh nonce %d", c.Nonce)
	}
	return nil
}

func (c *Cursor) index() {
	c.seen = make(map[uint32]struct{}, len(c.Seen)/4)
	for i := 0; i+4 <= len(c.Seen); i += 4 {
		c.seen[binary.BigEndian.Uint32(c.Seen[i:])] = struct{}{}
	}
}

// HasSeen reports whether postID was emitted earlier in the traversal.
// Hash collisions make this advisory.
func (c Cursor) HasSeen(postID string) bool {
	_, ok := c.seen[seenHash(postID)]
	return ok
}

// advance returns the cursor for the page after c. The seen set keeps the
// most recent limit entries.
func (c Cursor) advance(pos selector.Position, emitted []string, limit int) Cursor {
	seen := make([]byte, 0, len(c.Seen)+4*len(emitted))
	seen = append(seen, c.Seen...)
	for _, id := range emitted {
		seen = binary.BigEndian.AppendUint32(seen, seenHash(id))
	}
	if limit > 0 && len(seen) > 4*limit {
		seen = seen[len(seen)-4*limit:]
	}
	next := Cursor{
		Version:  cursorVersion,
		Nonce:    c.Nonce,
		Session:  c.Session,
		Page:     c.Page + 1,
		Position: pos,
		Seen:     seen,
	}
	next.index()
	return next
}
