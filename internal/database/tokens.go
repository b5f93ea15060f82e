package database

import (
	"context"
	"time"

	"fedchat-backend/internal/models"

	"github.com/google/uuid"
)

func (s *Store) CreateFederationToken(ctx context.Context, label string) (*models.FederationToken, error) {
	token := models.FederationToken{
		ID:        uuid.New(),
		Token:     uuid.NewString(),
		Label:     label,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}

	_, err := s.db.ExecContext(ctx, "INSERT INTO federation_tokens (id, token, label, created_at) VALUES (?, ?, ?, ?)",
		token.ID.String(), token.Token, token.Label, token.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// ListFederationTokens returns the newest tokens first.
func (s *Store) ListFederationTokens(ctx context.Context) ([]models.FederationToken, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, token, label, created_at FROM federation_tokens ORDER BY created_at DESC, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tokens := []models.FederationToken{}
	for rows.Next() {
		var token models.FederationToken
		if err := rows.Scan(&token.ID, &token.Token, &token.Label, &token.CreatedAt); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

func (s *Store) DeleteFederationToken(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM federation_tokens WHERE id = ?", id.String())
	if err != nil {
		return false, err
	}
	return rowsChanged(result)
}

func (s *Store) IsValidFederationToken(ctx context.Context, token string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM federation_tokens WHERE token = ?)", token).Scan(&exists)
	return exists, err
}
