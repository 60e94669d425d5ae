package queue

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrStore wraps every database failure; callers answer 500.
	ErrStore = errors.New("queue store error")

	ErrNotFound = errors.New("not found")

	// ErrRetryRejected covers "no such entry", "not yours" and "not retryable"
	// alike so callers cannot tell them apart.
	ErrRetryRejected = errors.New("retry rejected")

	ErrAlreadyProcessing = errors.New("entry already processing")
	ErrActiveEntryExists = errors.New("job already has an active queue entry")

	// ErrClaimLost means the entry was reclaimed by another worker after a
	// claim timeout; the stale worker must not write its result.
	ErrClaimLost = errors.New("claim lost")
)

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}

// isDuplicate matches unique violations whether or not the driver supports
// gorm's error translation.
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Duplicate entry") ||
		strings.Contains(msg, "duplicate key value")
}
