package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/testbed/testbed/internal/models"
)

// BarrierRecord is the persisted view of a barrier.
type BarrierRecord struct {
	Name      string
	Quorum    int
	Total     int
	Reached   int
	Status    models.BarrierStatus
	Message   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SaveBarrier inserts or replaces a barrier row.
func (s *Store) SaveBarrier(ctx context.Context, b BarrierRecord) error {
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(b.Name) == "" {
		return errors.New("barrier name is required")
	}
	now := formatTime(time.Now())
	_, err := s.DB.ExecContext(ctx, `INSERT INTO barriers (name, quorum, total, reached, status, message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET quorum = excluded.quorum, total = excluded.total, reached = excluded.reached,
			status = excluded.status, message = excluded.message, updated_at = excluded.updated_at`,
		b.Name, b.Quorum, b.Total, b.Reached, string(b.Status), nullIfEmpty(b.Message), now, now)
	if err != nil {
		return fmt.Errorf("save barrier %s: %w", b.Name, err)
	}
	return nil
}

// DeleteBarrier removes a barrier row. Missing rows are not an error.
func (s *Store) DeleteBarrier(ctx context.Context, name string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM barriers WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete barrier %s: %w", name, err)
	}
	return nil
}

// GetBarrier loads one barrier. It returns ErrNotFound when no row exists.
func (s *Store) GetBarrier(ctx context.Context, name string) (BarrierRecord, error) {
	if err := s.ready(); err != nil {
		return BarrierRecord{}, err
	}
	var b BarrierRecord
	var status string
	var msg sql.NullString
	var createdAt, updatedAt string
	err := s.DB.QueryRowContext(ctx, `SELECT name, quorum, total, reached, status, message, created_at, updated_at
		FROM barriers WHERE name = ?`, name).Scan(&b.Name, &b.Quorum, &b.Total, &b.Reached, &status, &msg, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return BarrierRecord{}, fmt.Errorf("barrier %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return BarrierRecord{}, fmt.Errorf("get barrier %s: %w", name, err)
	}
	b.Status = models.BarrierStatus(status)
	b.Message = msg.String
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return BarrierRecord{}, fmt.Errorf("parse barrier created_at: %w", err)
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return BarrierRecord{}, fmt.Errorf("parse barrier updated_at: %w", err)
	}
	return b, nil
}
