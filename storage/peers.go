package storage

import (
	"errors"
	"fmt"
	"strings"

	"meshbridge/models"
)

// UpsertPeer inserts or refreshes a registry peer.
func (s *Store) UpsertPeer(peer models.MeshPeer) error {
	peer.ID = strings.TrimSpace(peer.ID)
	if peer.ID == "" {
		return errors.New("peer_id is required")
	}
	if peer.LastSeen == 0 {
		peer.LastSeen = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO peers (
			peer_id, name, address, signal_strength, last_seen, is_relay, missed_cycles
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			name = excluded.name,
			address = excluded.address,
			signal_strength = excluded.signal_strength,
			last_seen = excluded.last_seen,
			is_relay = excluded.is_relay,
			missed_cycles = excluded.missed_cycles`,
		peer.ID,
		peer.Name,
		peer.Address,
		peer.SignalStrength,
		peer.LastSeen,
		boolToInt(peer.IsRelay),
		peer.MissedCycles,
	)
	if err != nil {
		return fmt.Errorf("upsert peer %q: %w", peer.ID, err)
	}
	return nil
}

// ListPeers returns all persisted peers ordered by most recently seen.
func (s *Store) ListPeers() ([]models.MeshPeer, error) {
	rows, err := s.db.Query(
		`SELECT peer_id, name, address, signal_strength, last_seen, is_relay, missed_cycles
		FROM peers
		ORDER BY last_seen DESC, peer_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]models.MeshPeer, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, *peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peers rows: %w", err)
	}
	return peers, nil
}

// DeletePeer removes a peer. Missing rows return ErrNotFound.
func (s *Store) DeletePeer(peerID string) error {
	res, err := s.db.Exec(`DELETE FROM peers WHERE peer_id = ?`, peerID)
	if err != nil {
		return fmt.Errorf("delete peer %q: %w", peerID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for delete peer %q: %w", peerID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPeer(row scanner) (*models.MeshPeer, error) {
	var (
		peer    models.MeshPeer
		isRelay int
	)
	if err := row.Scan(
		&peer.ID,
		&peer.Name,
		&peer.Address,
		&peer.SignalStrength,
		&peer.LastSeen,
		&isRelay,
		&peer.MissedCycles,
	); err != nil {
		return nil, fmt.Errorf("scan peer: %w", err)
	}
	peer.IsRelay = isRelay == 1
	return &peer, nil
}
