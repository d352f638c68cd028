package storage

import (
	"errors"
	"fmt"

	"meshbridge/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

func validateQueueStatus(status string) error {
	switch status {
	case models.StatusPending, models.StatusSent, models.StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid queue status %q", status)
	}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
