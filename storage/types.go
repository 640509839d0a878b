package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"widgetchat/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

type whereKind int

const (
	whereKey whereKind = iota + 1
	whereID
	whereEchoID
	wherePredicate
)

// Where selects messages either by one of their keys or by an arbitrary
// predicate. Build it with ByKey, ByID, ByEchoID or ByPredicate; the zero value
// matches nothing and is rejected.
type Where struct {
	kind   whereKind
	key    string
	id     int64
	echoID string
	match  func(models.Message) bool
}

// ByKey matches the message whose store key equals key. Keys come from
// Message.Key, models.IDKey or models.EchoKey.
func ByKey(key string) Where {
	return Where{kind: whereKey, key: key}
}

// ByID matches the confirmed message with the given server ID.
func ByID(id int64) Where {
	return Where{kind: whereID, id: id}
}

// ByEchoID matches the message carrying the given echo ID.
func ByEchoID(echoID string) Where {
	return Where{kind: whereEchoID, echoID: echoID}
}

// ByPredicate matches every message for which fn returns true.
func ByPredicate(fn func(models.Message) bool) Where {
	return Where{kind: wherePredicate, match: fn}
}

func (w Where) validate() error {
	switch w.kind {
	case whereKey:
		if w.key == "" {
			return errors.New("where key is required")
		}
	case whereID:
		if w.id <= 0 {
			return errors.New("where id must be > 0")
		}
	case whereEchoID:
		if w.echoID == "" {
			return errors.New("where echo_id is required")
		}
	case wherePredicate:
		if w.match == nil {
			return errors.New("where predicate is required")
		}
	default:
		return errors.New("where clause is required")
	}
	return nil
}

// clause returns the SQL condition for key lookups. Predicates have no SQL
// form and are filtered in Go.
func (w Where) clause() (string, []any, bool) {
	switch w.kind {
	case whereKey:
		return "message_key = ?", []any{w.key}, true
	case whereID:
		return "id = ?", []any{w.id}, true
	case whereEchoID:
		return "echo_id = ?", []any{w.echoID}, true
	default:
		return "", nil, false
	}
}

func (w Where) String() string {
	switch w.kind {
	case whereKey:
		return fmt.Sprintf("key=%q", w.key)
	case whereID:
		return fmt.Sprintf("id=%d", w.id)
	case whereEchoID:
		return fmt.Sprintf("echo_id=%q", w.echoID)
	case wherePredicate:
		return "predicate"
	default:
		return "none"
	}
}

func validateStatus(status models.MessageStatus) error {
	switch status {
	case models.StatusSending, models.StatusSent, models.StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid message status %q", status)
	}
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullInt64(value int64) sql.NullInt64 {
	if value <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: value, Valid: true}
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nowUnix() int64 {
	return time.Now().Unix()
}
