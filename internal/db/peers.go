package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/testbed/testbed/internal/models"
)

const timeLayout = time.RFC3339Nano

// PeerRecord is the persisted view of a peer.
type PeerRecord struct {
	ID        uint32
	HostID    uint32
	State     models.PeerState
	Identity  string
	Config    models.PeerConfig
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SaveHost inserts or replaces a host row.
func (s *Store) SaveHost(ctx context.Context, host models.HostSpec) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO hosts (id, hostname, username, port, controller_addr, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET hostname = excluded.hostname, username = excluded.username,
			port = excluded.port, controller_addr = excluded.controller_addr`,
		host.ID, nullIfEmpty(host.Hostname), nullIfEmpty(host.Username), host.Port, nullIfEmpty(host.ControllerAddr),
		formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save host %d: %w", host.ID, err)
	}
	return nil
}

// ListHosts returns all hosts ordered by id.
func (s *Store) ListHosts(ctx context.Context) ([]models.HostSpec, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, hostname, username, port, controller_addr FROM hosts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()
	var out []models.HostSpec
	for rows.Next() {
		var h models.HostSpec
		var hostname, username, addr sql.NullString
		if err := rows.Scan(&h.ID, &hostname, &username, &h.Port, &addr); err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		h.Hostname = hostname.String
		h.Username = username.String
		h.ControllerAddr = addr.String
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hosts: %w", err)
	}
	return out, nil
}

// CreatePeer inserts a new peer row.
func (s *Store) CreatePeer(ctx context.Context, peer PeerRecord) error {
	if err := s.ready(); err != nil {
		return err
	}
	if peer.State == "" {
		return errors.New("peer state is required")
	}
	cfg, err := marshalConfig(peer.Config)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	createdAt := peer.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO peers (id, host_id, state, identity, config_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		peer.ID, peer.HostID, string(peer.State), nullIfEmpty(peer.Identity), cfg,
		formatTime(createdAt), formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("insert peer %d: %w", peer.ID, err)
	}
	return nil
}

// UpdatePeerState sets the state of an existing peer.
func (s *Store) UpdatePeerState(ctx context.Context, id uint32, state models.PeerState) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE peers SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update peer %d state: %w", id, err)
	}
	return requireAffected(res, "peer", id)
}

// UpdatePeerConfig replaces the stored configuration of a peer.
func (s *Store) UpdatePeerConfig(ctx context.Context, id uint32, config models.PeerConfig) error {
	if err := s.ready(); err != nil {
		return err
	}
	cfg, err := marshalConfig(config)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE peers SET config_json = ?, updated_at = ? WHERE id = ?`,
		cfg, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update peer %d config: %w", id, err)
	}
	return requireAffected(res, "peer", id)
}

// GetPeer loads one peer. It returns ErrNotFound when no row exists.
func (s *Store) GetPeer(ctx context.Context, id uint32) (PeerRecord, error) {
	if err := s.ready(); err != nil {
		return PeerRecord{}, err
	}
	row := s.DB.QueryRowContext(ctx, `SELECT id, host_id, state, identity, config_json, created_at, updated_at
		FROM peers WHERE id = ?`, id)
	rec, err := scanPeerRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PeerRecord{}, fmt.Errorf("peer %d: %w", id, ErrNotFound)
	}
	return rec, err
}

// ListPeers returns all peers ordered by id.
func (s *Store) ListPeers(ctx context.Context) ([]PeerRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, host_id, state, identity, config_json, created_at, updated_at
		FROM peers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()
	var out []PeerRecord
	for rows.Next() {
		rec, err := scanPeerRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peers: %w", err)
	}
	return out, nil
}

// SaveLink records an overlay connection. Saving an existing link is a no-op.
func (s *Store) SaveLink(ctx context.Context, link models.Link) error {
	if err := s.ready(); err != nil {
		return err
	}
	link = link.Normalize()
	_, err := s.DB.ExecContext(ctx, `INSERT OR IGNORE INTO links (peer_a, peer_b, created_at) VALUES (?, ?, ?)`,
		link.A, link.B, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save link %d-%d: %w", link.A, link.B, err)
	}
	return nil
}

// DeleteLinks removes every link that has peerID as an endpoint.
func (s *Store) DeleteLinks(ctx context.Context, peerID uint32) error {
	if err := s.ready(); err != nil {
		return err
	}
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM links WHERE peer_a = ? OR peer_b = ?`, peerID, peerID); err != nil {
		return fmt.Errorf("delete links of peer %d: %w", peerID, err)
	}
	return nil
}

// ListLinks returns all overlay links ordered by endpoints.
func (s *Store) ListLinks(ctx context.Context) ([]models.Link, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT peer_a, peer_b FROM links ORDER BY peer_a, peer_b`)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()
	var out []models.Link
	for rows.Next() {
		var l models.Link
		if err := rows.Scan(&l.A, &l.B); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate links: %w", err)
	}
	return out, nil
}

func scanPeerRow(scanner interface{ Scan(dest ...any) error }) (PeerRecord, error) {
	var rec PeerRecord
	var state string
	var identity, cfg sql.NullString
	var createdAt, updatedAt string
	if err := scanner.Scan(&rec.ID, &rec.HostID, &state, &identity, &cfg, &createdAt, &updatedAt); err != nil {
		return PeerRecord{}, err
	}
	rec.State = models.PeerState(state)
	rec.Identity = identity.String
	if cfg.Valid && cfg.String != "" {
		if err := json.Unmarshal([]byte(cfg.String), &rec.Config); err != nil {
			return PeerRecord{}, fmt.Errorf("decode peer %d config: %w", rec.ID, err)
		}
	}
	var err error
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return PeerRecord{}, fmt.Errorf("parse peer created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return PeerRecord{}, fmt.Errorf("parse peer updated_at: %w", err)
	}
	return rec, nil
}

func marshalConfig(cfg models.PeerConfig) (interface{}, error) {
	if len(cfg) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode peer config: %w", err)
	}
	return string(data), nil
}

func requireAffected(res sql.Result, what string, id uint32) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return nil
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, value)
}

func formatTime(value time.Time) string {
	return value.UTC().Format(timeLayout)
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
