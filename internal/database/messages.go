package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"fedchat-backend/internal/apperr"
	"fedchat-backend/internal/models"

	"github.com/google/uuid"
)

// SentAtLayout is RFC3339 with fixed-width milliseconds so stored timestamps sort as text.
const SentAtLayout = "2006-01-02T15:04:05.000Z07:00"

const messageColumns = "id, kind, body, author_user_id, recipient_user_id, channel_id, sent_at"

func nullID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func scanMessage(s scanner) (*models.Message, error) {
	var message models.Message
	var kind string
	var recipient, channel sql.NullString

	if err := s.Scan(&message.ID, &kind, &message.Body, &message.AuthorUserID, &recipient, &channel, &message.SentAt); err != nil {
		return nil, err
	}
	message.Kind = models.MessageKind(kind)

	if recipient.Valid {
		id, err := uuid.Parse(recipient.String)
		if err != nil {
			return nil, err
		}
		message.RecipientUserID = &id
	}
	if channel.Valid {
		id, err := uuid.Parse(channel.String)
		if err != nil {
			return nil, err
		}
		message.ChannelID = &id
	}
	return &message, nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *message)
	}
	return messages, rows.Err()
}

// CreateMessage stores a message authored on this server under a fresh id.
func (s *Store) CreateMessage(ctx context.Context, kind models.MessageKind, body string, authorID uuid.UUID, recipientID, channelID *uuid.UUID) (*models.Message, error) {
	message := models.Message{
		ID:              uuid.New(),
		Kind:            kind,
		Body:            body,
		AuthorUserID:    authorID,
		RecipientUserID: recipientID,
		ChannelID:       channelID,
		SentAt:          time.Now().UTC().Format(SentAtLayout),
	}

	_, err := s.db.ExecContext(ctx, "INSERT INTO messages ("+messageColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		message.ID.String(), string(message.Kind), message.Body, message.AuthorUserID.String(),
		nullID(recipientID), nullID(channelID), message.SentAt)
	if err != nil {
		return nil, err
	}
	return &message, nil
}

// CreateMessageWithID stores a message under the id its origin assigned. It
// reports false without error when a message with that id already exists.
func (s *Store) CreateMessageWithID(ctx context.Context, message models.Message) (bool, error) {
	if message.ID == uuid.Nil {
		return false, apperr.BadRequest("message id must not be empty")
	}

	result, err := s.db.ExecContext(ctx, s.insertIgnore()+" INTO messages ("+messageColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		message.ID.String(), string(message.Kind), message.Body, message.AuthorUserID.String(),
		nullID(message.RecipientUserID), nullID(message.ChannelID), message.SentAt)
	if err != nil {
		return false, err
	}
	return rowsChanged(result)
}

func (s *Store) GetMessage(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	message, err := scanMessage(s.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return message, err
}

// ListMessagesForUser returns the user's direct messages and the messages of
// channels the user belongs to, oldest first.
func (s *Store) ListMessagesForUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.Message, error) {
	return s.queryMessages(ctx, `SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE author_user_id = ? OR recipient_user_id = ?
			   OR channel_id IN (SELECT channel_id FROM channel_members WHERE user_id = ?)
			ORDER BY sent_at DESC, id DESC
			LIMIT ?
		) recent ORDER BY sent_at, id`,
		userID.String(), userID.String(), userID.String(), limit)
}

func (s *Store) ListChannelMessages(ctx context.Context, channelID uuid.UUID, limit int) ([]models.Message, error) {
	return s.queryMessages(ctx, `SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages WHERE channel_id = ?
			ORDER BY sent_at DESC, id DESC
			LIMIT ?
		) recent ORDER BY sent_at, id`,
		channelID.String(), limit)
}

// ListDirectMessages returns the conversation between two users.
func (s *Store) ListDirectMessages(ctx context.Context, userID, otherID uuid.UUID, limit int) ([]models.Message, error) {
	return s.queryMessages(ctx, `SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE kind = 'dm' AND ((author_user_id = ? AND recipient_user_id = ?) OR (author_user_id = ? AND recipient_user_id = ?))
			ORDER BY sent_at DESC, id DESC
			LIMIT ?
		) recent ORDER BY sent_at, id`,
		userID.String(), otherID.String(), otherID.String(), userID.String(), limit)
}
