package utils

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a new sortable backup id.
func NewID() string {
	return ulid.Make().String()
}

// get time a backup id was created
func GetTimeFromID(id string) (time.Time, error) {
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("unable to ulid parse %q: %w", id, err)
	}
	return ulid.Time(parsed.Time()), nil
}
