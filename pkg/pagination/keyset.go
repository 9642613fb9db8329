// Package pagination implements the page tokens shared by the list
// endpoints. A token names the last row of the previous page by its sort
// timestamp and primary key, so rows that share a timestamp are neither
// skipped nor repeated across pages.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ErrInvalidToken marks page tokens this package did not issue.
var ErrInvalidToken = errors.New("invalid page token")

// Encode returns the token for a row sorted at t with primary key id.
func Encode(t time.Time, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(t.Format(time.RFC3339Nano) + "|" + id))
}

// Decode parses a token produced by Encode.
func Decode(token string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return time.Time{}, "", ErrInvalidToken
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return t, id, nil
}

// Newest orders q by column then id, newest first, and when token is set
// restricts it to rows after the token's position.
func Newest(q *gorm.DB, column, token string) (*gorm.DB, error) {
	q = q.Order(column + " DESC").Order("id DESC")
	if token == "" {
		return q, nil
	}
	t, id, err := Decode(token)
	if err != nil {
		return nil, err
	}
	return q.Where("("+column+" < ? OR ("+column+" = ? AND id < ?))", t, t, id), nil
}
