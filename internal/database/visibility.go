package database

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

// Hidden lists name the local users and channels a given peer must not see.

func (s *Store) queryIDs(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) HiddenUserIDs(ctx context.Context, serverID uuid.UUID) ([]uuid.UUID, error) {
	return s.queryIDs(ctx, "SELECT user_id FROM server_hidden_users WHERE server_id = ? ORDER BY user_id", serverID.String())
}

func (s *Store) HiddenChannelIDs(ctx context.Context, serverID uuid.UUID) ([]uuid.UUID, error) {
	return s.queryIDs(ctx, "SELECT channel_id FROM server_hidden_channels WHERE server_id = ? ORDER BY channel_id", serverID.String())
}

// SetHiddenUsers replaces the peer's hidden user list.
func (s *Store) SetHiddenUsers(ctx context.Context, serverID uuid.UUID, userIDs []uuid.UUID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM server_hidden_users WHERE server_id = ?", serverID.String()); err != nil {
			return err
		}
		for _, userID := range userIDs {
			if _, err := tx.ExecContext(ctx, s.insertIgnore()+" INTO server_hidden_users (server_id, user_id) VALUES (?, ?)",
				serverID.String(), userID.String()); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetHiddenChannels replaces the peer's hidden channel list.
func (s *Store) SetHiddenChannels(ctx context.Context, serverID uuid.UUID, channelIDs []uuid.UUID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM server_hidden_channels WHERE server_id = ?", serverID.String()); err != nil {
			return err
		}
		for _, channelID := range channelIDs {
			if _, err := tx.ExecContext(ctx, s.insertIgnore()+" INTO server_hidden_channels (server_id, channel_id) VALUES (?, ?)",
				serverID.String(), channelID.String()); err != nil {
				return err
			}
		}
		return nil
	})
}
