package repository

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicateName is returned when a unique name is already taken
	ErrDuplicateName = errors.New("name already exists")

	// ErrNotEditable is returned when a campaign is edited outside draft/cancelled
	ErrNotEditable = errors.New("campaign is not editable in its current status")
)

type scanner interface {
	Scan(dest ...any) error
}

// utc normalises times before they reach sqlite. Timestamps are compared as
// text, so every stored value must share one offset.
func utc(t time.Time) time.Time {
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
