package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"meshbridge/codec"
	"meshbridge/models"
)

// SaveQueued inserts or updates one outbound queue entry. Arrival order is fixed by
// the first insert and never changes on update.
func (s *Store) SaveQueued(entry models.QueuedMessage) error {
	if entry.Message.ID == "" {
		return errors.New("message_id is required")
	}
	if err := validateQueueStatus(entry.Status); err != nil {
		return err
	}
	if entry.EnqueuedAt == 0 {
		entry.EnqueuedAt = nowUnixMilli()
	}
	if entry.Origin == "" {
		entry.Origin = "local"
	}

	envelope, err := codec.EncodeMessage(entry.Message)
	if err != nil {
		return fmt.Errorf("encode queued message %q: %w", entry.Message.ID, err)
	}

	_, err = s.db.Exec(
		`INSERT INTO outbound_queue (
			message_id, envelope, status, attempts, last_attempt, enqueued_at, origin
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			envelope = excluded.envelope,
			status = excluded.status,
			attempts = excluded.attempts,
			last_attempt = excluded.last_attempt`,
		entry.Message.ID,
		envelope,
		entry.Status,
		entry.Attempts,
		nullInt64(entry.LastAttempt),
		entry.EnqueuedAt,
		entry.Origin,
	)
	if err != nil {
		return fmt.Errorf("save queued message %q: %w", entry.Message.ID, err)
	}
	return nil
}

// LoadQueue returns every persisted queue entry in arrival order.
func (s *Store) LoadQueue() ([]models.QueuedMessage, error) {
	rows, err := s.db.Query(
		`SELECT envelope, status, attempts, last_attempt, enqueued_at, origin
		FROM outbound_queue
		ORDER BY position ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("load outbound queue: %w", err)
	}
	defer rows.Close()

	entries := make([]models.QueuedMessage, 0)
	for rows.Next() {
		entry, err := scanQueued(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbound queue rows: %w", err)
	}
	return entries, nil
}

// GetQueued returns one queue entry by message ID.
func (s *Store) GetQueued(messageID string) (*models.QueuedMessage, error) {
	row := s.db.QueryRow(
		`SELECT envelope, status, attempts, last_attempt, enqueued_at, origin
		FROM outbound_queue WHERE message_id = ?`,
		messageID,
	)
	entry, err := scanQueued(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// DeleteQueued removes the given message IDs from the outbound queue in one transaction.
func (s *Store) DeleteQueued(messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin queue delete: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	const chunk = 500
	for start := 0; start < len(messageIDs); start += chunk {
		end := start + chunk
		if end > len(messageIDs) {
			end = len(messageIDs)
		}
		batch := messageIDs[start:end]
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")
		args := make([]any, 0, len(batch))
		for _, id := range batch {
			args = append(args, id)
		}
		if _, err := tx.Exec(`DELETE FROM outbound_queue WHERE message_id IN (`+placeholders+`)`, args...); err != nil {
			return fmt.Errorf("delete queued messages: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit queue delete: %w", err)
	}
	return nil
}

func scanQueued(row scanner) (*models.QueuedMessage, error) {
	var (
		envelope    []byte
		entry       models.QueuedMessage
		lastAttempt sql.NullInt64
	)
	if err := row.Scan(&envelope, &entry.Status, &entry.Attempts, &lastAttempt, &entry.EnqueuedAt, &entry.Origin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan queued message: %w", err)
	}

	msg, err := codec.DecodeMessage(envelope)
	if err != nil {
		return nil, fmt.Errorf("decode queued envelope: %w", err)
	}
	entry.Message = msg
	entry.LastAttempt = int64Ptr(lastAttempt)
	return &entry, nil
}
