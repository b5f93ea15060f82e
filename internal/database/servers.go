package database

import (
	"context"
	"database/sql"
	"errors"

	"fedchat-backend/internal/apperr"
	"fedchat-backend/internal/models"

	"github.com/google/uuid"
)

const serverColumns = "id, name, base_url, token"

func scanServer(s scanner) (*models.Server, error) {
	var server models.Server
	if err := s.Scan(&server.ID, &server.Name, &server.BaseURL, &server.Token); err != nil {
		return nil, err
	}
	return &server, nil
}

func (s *Store) queryServer(ctx context.Context, query string, args ...any) (*models.Server, error) {
	server, err := scanServer(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return server, err
}

func (s *Store) CreateServer(ctx context.Context, name, baseURL, token string) (*models.Server, error) {
	server := models.Server{
		ID:      uuid.New(),
		Name:    name,
		BaseURL: baseURL,
		Token:   token,
	}

	_, err := s.db.ExecContext(ctx, "INSERT INTO servers (id, name, base_url, token) VALUES (?, ?, ?, ?)",
		server.ID.String(), server.Name, server.BaseURL, server.Token)
	if isUniqueViolation(err) {
		return nil, apperr.BadRequest("server %q already exists", name)
	}
	if err != nil {
		return nil, err
	}
	return &server, nil
}

// EnsureServer creates the named server or brings its base_url and token up to date.
func (s *Store) EnsureServer(ctx context.Context, name, baseURL, token string) (*models.Server, error) {
	existing, err := s.GetServerByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return s.CreateServer(ctx, name, baseURL, token)
	}
	if existing.BaseURL == baseURL && existing.Token == token {
		return existing, nil
	}
	return s.UpdateServer(ctx, existing.ID, name, baseURL, token)
}

func (s *Store) GetServerByID(ctx context.Context, id uuid.UUID) (*models.Server, error) {
	return s.queryServer(ctx, "SELECT "+serverColumns+" FROM servers WHERE id = ?", id.String())
}

func (s *Store) GetServerByName(ctx context.Context, name string) (*models.Server, error) {
	return s.queryServer(ctx, "SELECT "+serverColumns+" FROM servers WHERE name = ?", name)
}

// GetPeerByToken finds the peer registered with token. The row named localName
// is this server's own and never matches.
func (s *Store) GetPeerByToken(ctx context.Context, token, localName string) (*models.Server, error) {
	return s.queryServer(ctx, "SELECT "+serverColumns+" FROM servers WHERE token = ? AND name <> ? ORDER BY name LIMIT 1", token, localName)
}

func (s *Store) ListServers(ctx context.Context) ([]models.Server, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+serverColumns+" FROM servers ORDER BY name")
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

// UpdateServer returns nil when no server has the id.
func (s *Store) UpdateServer(ctx context.Context, id uuid.UUID, name, baseURL, token string) (*models.Server, error) {
	result, err := s.db.ExecContext(ctx, "UPDATE servers SET name = ?, base_url = ?, token = ? WHERE id = ?",
		name, baseURL, token, id.String())
	if isUniqueViolation(err) {
		return nil, apperr.BadRequest("server %q already exists", name)
	}
	if err != nil {
		return nil, err
	}
	if _, err := result.RowsAffected(); err != nil {
		return nil, err
	}
	return s.GetServerByID(ctx, id)
}

// DeleteServer removes the server together with its visibility rows.
func (s *Store) DeleteServer(ctx context.Context, id uuid.UUID) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM server_hidden_users WHERE server_id = ?", id.String()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM server_hidden_channels WHERE server_id = ?", id.String()); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, "DELETE FROM servers WHERE id = ?", id.String())
		if err != nil {
			return err
		}
		deleted, err = rowsChanged(result)
		return err
	})
	return deleted, err
}
