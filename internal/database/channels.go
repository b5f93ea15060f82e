package database

import (
	"context"
	"database/sql"
	"errors"

	"fedchat-backend/internal/apperr"
	"fedchat-backend/internal/models"

	"github.com/google/uuid"
)

const channelColumns = "id, name, origin_server"

func scanChannel(s scanner) (*models.Channel, error) {
	var channel models.Channel
	if err := s.Scan(&channel.ID, &channel.Name, &channel.OriginServer); err != nil {
		return nil, err
	}
	return &channel, nil
}

func (s *Store) queryChannel(ctx context.Context, query string, args ...any) (*models.Channel, error) {
	channel, err := scanChannel(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return channel, err
}

func (s *Store) queryChannels(ctx context.Context, query string, args ...any) ([]models.Channel, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	channels := []models.Channel{}
	for rows.Next() {
		channel, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *channel)
	}
	return channels, rows.Err()
}

func (s *Store) CreateChannel(ctx context.Context, name, originServer string) (*models.Channel, error) {
	channel := models.Channel{ID: uuid.New(), Name: name, OriginServer: originServer}

	_, err := s.db.ExecContext(ctx, "INSERT INTO channels (id, name, origin_server) VALUES (?, ?, ?)",
		channel.ID.String(), channel.Name, channel.OriginServer)
	if isUniqueViolation(err) {
		return nil, apperr.BadRequest("channel %q of %q already exists", name, originServer)
	}
	if err != nil {
		return nil, err
	}
	return &channel, nil
}

// GetOrCreateChannel returns the channel with the given name and origin, creating
// it when missing. The bool reports whether this call created it.
func (s *Store) GetOrCreateChannel(ctx context.Context, name, originServer string) (*models.Channel, bool, error) {
	result, err := s.db.ExecContext(ctx, s.insertIgnore()+" INTO channels (id, name, origin_server) VALUES (?, ?, ?)",
		uuid.NewString(), name, originServer)
	if err != nil {
		return nil, false, err
	}
	created, err := rowsChanged(result)
	if err != nil {
		return nil, false, err
	}

	channel, err := s.GetChannel(ctx, name, originServer)
	if err != nil {
		return nil, false, err
	}
	if channel == nil {
		return nil, false, errors.New("channel vanished after insert")
	}
	return channel, created, nil
}

func (s *Store) GetChannelByID(ctx context.Context, id uuid.UUID) (*models.Channel, error) {
	return s.queryChannel(ctx, "SELECT "+channelColumns+" FROM channels WHERE id = ?", id.String())
}

func (s *Store) GetChannel(ctx context.Context, name, originServer string) (*models.Channel, error) {
	return s.queryChannel(ctx, "SELECT "+channelColumns+" FROM channels WHERE name = ? AND origin_server = ?", name, originServer)
}

func (s *Store) ListChannels(ctx context.Context) ([]models.Channel, error) {
	return s.queryChannels(ctx, "SELECT "+channelColumns+" FROM channels ORDER BY origin_server, name")
}

func (s *Store) ListChannelsByOrigin(ctx context.Context, originServer string) ([]models.Channel, error) {
	return s.queryChannels(ctx, "SELECT "+channelColumns+" FROM channels WHERE origin_server = ? ORDER BY name", originServer)
}

// ListChannelsForUser returns the channels the user is a member of.
func (s *Store) ListChannelsForUser(ctx context.Context, userID uuid.UUID) ([]models.Channel, error) {
	return s.queryChannels(ctx, `SELECT c.id, c.name, c.origin_server FROM channels c
		JOIN channel_members m ON m.channel_id = c.id
		WHERE m.user_id = ? ORDER BY c.origin_server, c.name`, userID.String())
}

// UpdateChannel renames a channel. It returns nil when no channel has the id.
func (s *Store) UpdateChannel(ctx context.Context, id uuid.UUID, name string) (*models.Channel, error) {
	_, err := s.db.ExecContext(ctx, "UPDATE channels SET name = ? WHERE id = ?", name, id.String())
	if isUniqueViolation(err) {
		return nil, apperr.BadRequest("channel %q already exists", name)
	}
	if err != nil {
		return nil, err
	}
	return s.GetChannelByID(ctx, id)
}

// DeleteChannel removes the channel with its members, visibility rows and messages.
func (s *Store) DeleteChannel(ctx context.Context, id uuid.UUID) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM channel_members WHERE channel_id = ?", id.String()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM server_hidden_channels WHERE channel_id = ?", id.String()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE channel_id = ?", id.String()); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, "DELETE FROM channels WHERE id = ?", id.String())
		if err != nil {
			return err
		}
		deleted, err = rowsChanged(result)
		return err
	})
	return deleted, err
}

// AddChannelMember is idempotent. The bool reports whether a row was added.
func (s *Store) AddChannelMember(ctx context.Context, channelID, userID uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.insertIgnore()+" INTO channel_members (channel_id, user_id) VALUES (?, ?)",
		channelID.String(), userID.String())
	if err != nil {
		return false, err
	}
	return rowsChanged(result)
}

func (s *Store) RemoveChannelMember(ctx context.Context, channelID, userID uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM channel_members WHERE channel_id = ? AND user_id = ?",
		channelID.String(), userID.String())
	if err != nil {
		return false, err
	}
	return rowsChanged(result)
}

func (s *Store) IsChannelMember(ctx context.Context, channelID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM channel_members WHERE channel_id = ? AND user_id = ?)",
		channelID.String(), userID.String()).Scan(&exists)
	return exists, err
}

func (s *Store) ListChannelMembers(ctx context.Context, channelID uuid.UUID) ([]models.User, error) {
	return s.queryUsers(ctx, `SELECT u.id, u.username, u.token, u.server_id, u.is_local, u.display_name, u.password_hash
		FROM users u JOIN channel_members m ON m.user_id = u.id
		WHERE m.channel_id = ? ORDER BY u.server_id, u.username`, channelID.String())
}

// ListChannelMemberServers returns each peer that has at least one member in the channel, once.
func (s *Store) ListChannelMemberServers(ctx context.Context, channelID uuid.UUID) ([]models.Server, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT s.id, s.name, s.base_url, s.token
		FROM servers s
		JOIN users u ON u.server_id = s.id
		JOIN channel_members m ON m.user_id = u.id
		WHERE m.channel_id = ? AND u.server_id <> ''
		ORDER BY s.name`, channelID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	servers := []models.Server{}
	for rows.Next() {
		server, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, *server)
	}
	return servers, rows.Err()
}
