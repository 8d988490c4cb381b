package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event is one row of the testbed event log.
type Event struct {
	ID        int64
	Timestamp time.Time
	Kind      string
	PeerID    *uint32
	Barrier   *string
	Message   string
	JSON      string
}

// RecordEvent inserts an event row.
func (s *Store) RecordEvent(ctx context.Context, kind string, peerID *uint32, barrier *string, msg string, jsonPayload string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if kind == "" {
		return errors.New("event kind is required")
	}
	var peer sql.NullInt64
	if peerID != nil {
		peer = sql.NullInt64{Valid: true, Int64: int64(*peerID)}
	}
	var name sql.NullString
	if barrier != nil && *barrier != "" {
		name = sql.NullString{Valid: true, String: *barrier}
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO events (ts, kind, peer_id, barrier, msg, json) VALUES (?, ?, ?, ?, ?, ?)`,
		formatTime(time.Now()), kind, peer, name, nullIfEmpty(msg), nullIfEmpty(jsonPayload))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns events with id greater than afterID in ascending order.
func (s *Store) ListEvents(ctx context.Context, afterID int64, limit int) ([]Event, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	return s.queryEvents(ctx, `SELECT id, ts, kind, peer_id, barrier, msg, json
		FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
}

// ListEventsByPeer returns the events of one peer with id greater than afterID.
func (s *Store) ListEventsByPeer(ctx context.Context, peerID uint32, afterID int64, limit int) ([]Event, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	return s.queryEvents(ctx, `SELECT id, ts, kind, peer_id, barrier, msg, json
		FROM events WHERE peer_id = ? AND id > ? ORDER BY id ASC LIMIT ?`, peerID, afterID, limit)
}

// ListEventsByBarrier returns the events of one barrier with id greater than afterID.
func (s *Store) ListEventsByBarrier(ctx context.Context, barrier string, afterID int64, limit int) ([]Event, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	barrier = strings.TrimSpace(barrier)
	if barrier == "" {
		return nil, errors.New("barrier name is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	return s.queryEvents(ctx, `SELECT id, ts, kind, peer_id, barrier, msg, json
		FROM events WHERE barrier = ? AND id > ? ORDER BY id ASC LIMIT ?`, barrier, afterID, limit)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func scanEventRow(scanner interface{ Scan(dest ...any) error }) (Event, error) {
	var ev Event
	var ts string
	var peerID sql.NullInt64
	var barrier sql.NullString
	var msg sql.NullString
	var jsonPayload sql.NullString
	if err := scanner.Scan(&ev.ID, &ts, &ev.Kind, &peerID, &barrier, &msg, &jsonPayload); err != nil {
		return Event{}, err
	}
	if ts != "" {
		parsed, err := parseTime(ts)
		if err != nil {
			return Event{}, fmt.Errorf("parse event ts: %w", err)
		}
		ev.Timestamp = parsed
	}
	if peerID.Valid {
		value := uint32(peerID.Int64)
		ev.PeerID = &value
	}
	if barrier.Valid {
		value := barrier.String
		ev.Barrier = &value
	}
	ev.Message = msg.String
	ev.JSON = jsonPayload.String
	return ev, nil
}
