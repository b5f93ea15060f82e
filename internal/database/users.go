package database

import (
	"context"
	"database/sql"
	"errors"

	"fedchat-backend/internal/apperr"
	"fedchat-backend/internal/models"

	"github.com/google/uuid"
)

const userColumns = "id, username, token, server_id, is_local, display_name, password_hash"

// local users are stored with an empty server_id so UNIQUE (username, server_id) covers them
func serverIDColumn(serverID *uuid.UUID) string {
	if serverID == nil {
		return ""
	}
	return serverID.String()
}

func scanUser(s scanner) (*models.User, error) {
	var user models.User
	var serverID string
	var displayName, passwordHash sql.NullString

	if err := s.Scan(&user.ID, &user.Username, &user.Token, &serverID, &user.IsLocal, &displayName, &passwordHash); err != nil {
		return nil, err
	}

	if serverID != "" {
		id, err := uuid.Parse(serverID)
		if err != nil {
			return nil, err
		}
		user.ServerID = &id
	}
	if displayName.Valid {
		user.DisplayName = &displayName.String
	}
	if passwordHash.Valid {
		user.PasswordHash = &passwordHash.String
	}
	return &user, nil
}

func (s *Store) queryUser(ctx context.Context, query string, args ...any) (*models.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return user, err
}

func (s *Store) queryUsers(ctx context.Context, query string, args ...any) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

// CreateUser adds a local user when serverID is nil, otherwise a reference to a
// user of that peer. A taken (username, server) pair is a BadRequest.
func (s *Store) CreateUser(ctx context.Context, username string, serverID *uuid.UUID, passwordHash *string) (*models.User, error) {
	user := models.User{
		ID:           uuid.New(),
		Username:     username,
		Token:        uuid.NewString(),
		ServerID:     serverID,
		IsLocal:      serverID == nil,
		PasswordHash: passwordHash,
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, username, token, server_id, is_local, display_name, password_hash)
		VALUES (?, ?, ?, ?, ?, NULL, ?)`,
		user.ID.String(), user.Username, user.Token, serverIDColumn(serverID), user.IsLocal, passwordHash)
	if isUniqueViolation(err) {
		return nil, apperr.BadRequest("user %q already exists", username)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetOrCreateUser returns the user with the given name on the given server,
// creating it when missing. Concurrent callers converge on the same row.
func (s *Store) GetOrCreateUser(ctx context.Context, username string, serverID *uuid.UUID) (*models.User, bool, error) {
	result, err := s.db.ExecContext(ctx, s.insertIgnore()+` INTO users (id, username, token, server_id, is_local, display_name, password_hash)
		VALUES (?, ?, ?, ?, ?, NULL, NULL)`,
		uuid.NewString(), username, uuid.NewString(), serverIDColumn(serverID), serverID == nil)
	if err != nil {
		return nil, false, err
	}
	created, err := rowsChanged(result)
	if err != nil {
		return nil, false, err
	}

	user, err := s.GetUserByName(ctx, username, serverID)
	if err != nil {
		return nil, false, err
	}
	if user == nil {
		return nil, false, errors.New("user vanished after insert")
	}
	return user, created, nil
}

func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return s.queryUser(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id.String())
}

func (s *Store) GetUserByToken(ctx context.Context, token string) (*models.User, error) {
	return s.queryUser(ctx, "SELECT "+userColumns+" FROM users WHERE token = ?", token)
}

// GetUserByName looks up a local user when serverID is nil.
func (s *Store) GetUserByName(ctx context.Context, username string, serverID *uuid.UUID) (*models.User, error) {
	return s.queryUser(ctx, "SELECT "+userColumns+" FROM users WHERE username = ? AND server_id = ?", username, serverIDColumn(serverID))
}

func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	return s.queryUsers(ctx, "SELECT "+userColumns+" FROM users ORDER BY server_id, username")
}

func (s *Store) ListLocalUsers(ctx context.Context) ([]models.User, error) {
	return s.queryUsers(ctx, "SELECT "+userColumns+" FROM users WHERE server_id = '' ORDER BY username")
}

// ListRemoteUsers returns the references to users of one peer.
func (s *Store) ListRemoteUsers(ctx context.Context, serverID uuid.UUID) ([]models.User, error) {
	return s.queryUsers(ctx, "SELECT "+userColumns+" FROM users WHERE server_id = ? ORDER BY username", serverID.String())
}

// UpdateUser renames the user and sets its display name. It returns nil when no user has the id.
func (s *Store) UpdateUser(ctx context.Context, id uuid.UUID, username string, displayName *string) (*models.User, error) {
	_, err := s.db.ExecContext(ctx, "UPDATE users SET username = ?, display_name = ? WHERE id = ?", username, displayName, id.String())
	if isUniqueViolation(err) {
		return nil, apperr.BadRequest("user %q already exists", username)
	}
	if err != nil {
		return nil, err
	}
	return s.GetUserByID(ctx, id)
}

func (s *Store) SetDisplayName(ctx context.Context, id uuid.UUID, displayName *string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE users SET display_name = ? WHERE id = ?", displayName, id.String())
	return err
}

func (s *Store) SetPasswordHash(ctx context.Context, id uuid.UUID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE users SET password_hash = ? WHERE id = ?", passwordHash, id.String())
	return err
}

// DeleteUser removes the user with its memberships, visibility rows and messages.
func (s *Store) DeleteUser(ctx context.Context, id uuid.UUID) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM channel_members WHERE user_id = ?", id.String()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM server_hidden_users WHERE user_id = ?", id.String()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE author_user_id = ? OR recipient_user_id = ?", id.String(), id.String()); err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id.String())
		if err != nil {
			return err
		}
		deleted, err = rowsChanged(result)
		return err
	})
	return deleted, err
}
