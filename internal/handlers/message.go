package handlers

import (
	"context"
	"net/http"

	"fedchat-backend/internal/apperr"
	"fedchat-backend/internal/federation"
	"fedchat-backend/internal/hub"
	"fedchat-backend/internal/models"
	"fedchat-backend/internal/validator"

	"github.com/google/uuid"
)

const messageListLimit = 50

type sendMessageResponse struct {
	MessageID string `json:"message_id"`
}

// splitTarget splits "name@server", defaulting to this server for a bare name.
func (h *Handler) splitTarget(address string) (string, string) {
	username, server := models.SplitAddress(address)
	if server == "" {
		server = h.cfg.ServerName
	}
	return username, server
}

func (h *Handler) federatedAuthor(user models.User) federation.FederatedUser {
	return federation.FederatedUser{Username: user.Username, Server: h.cfg.ServerName, DisplayName: user.DisplayName}
}

type sendDirectMessageRequest struct {
	Recipient string `json:"recipient" validate:"required"`
	Body      string `json:"body" validate:"required"`
}

// SendDirectMessage stores a DM and, for a recipient on a peer, delivers it
// there. A failed delivery fails the request.
func (h *Handler) SendDirectMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userFromContext(ctx)

	var req sendDirectMessageRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	recipientName, serverName := h.splitTarget(req.Recipient)
	if err := validator.Username(recipientName); err != nil {
		h.fail(w, r, apperr.BadRequest("invalid recipient: %v", err))
		return
	}

	var recipient *models.User
	var peer *models.Server
	var err error
	if serverName == h.cfg.ServerName {
		recipient, _, err = h.store.GetOrCreateUser(ctx, recipientName, nil)
	} else {
		peer, err = h.store.GetServerByName(ctx, serverName)
		if err == nil && peer == nil {
			err = apperr.BadRequest("unknown server %q", serverName)
		}
		if err == nil {
			recipient, _, err = h.store.GetOrCreateUser(ctx, recipientName, &peer.ID)
		}
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	message, err := h.store.CreateMessage(ctx, models.MessageKindDM, req.Body, user.ID, &recipient.ID, nil)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.hub.Broadcast(ctx, hub.NewMessage(&recipient.ID, nil))

	if peer != nil {
		err = h.outbox.SendMessage(ctx, *peer, federation.FederatedMessage{
			MessageID: message.ID.String(),
			SentAt:    message.SentAt,
			Kind:      models.MessageKindDM,
			Body:      message.Body,
			Author:    h.federatedAuthor(user),
			Recipient: &federation.FederatedUser{Username: recipient.Username, Server: peer.Name},
		})
		if err != nil {
			h.fail(w, r, err)
			return
		}
	}

	h.writeJSON(w, r, sendMessageResponse{MessageID: message.ID.String()})
}

type sendChannelMessageRequest struct {
	Channel      string `json:"channel" validate:"required"`
	OriginServer string `json:"origin_server"`
	Body         string `json:"body" validate:"required"`
}

// SendChannelMessage stores a channel message and delivers it to every peer
// with members in the channel.
func (h *Handler) SendChannelMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userFromContext(ctx)

	var req sendChannelMessageRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.OriginServer == "" {
		req.OriginServer = h.cfg.ServerName
	}

	channel, err := h.store.GetChannel(ctx, req.Channel, req.OriginServer)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if channel == nil {
		h.fail(w, r, apperr.BadRequest("unknown channel %q", req.Channel))
		return
	}

	message, err := h.store.CreateMessage(ctx, models.MessageKindChannel, req.Body, user.ID, nil, &channel.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.hub.Broadcast(ctx, hub.NewMessage(nil, &channel.ID))

	err = h.outbox.SendToChannelMembers(ctx, *channel, federation.FederatedMessage{
		MessageID: message.ID.String(),
		SentAt:    message.SentAt,
		Kind:      models.MessageKindChannel,
		Body:      message.Body,
		Author:    h.federatedAuthor(user),
		Channel:   &federation.FederatedChannel{Name: channel.Name, OriginServer: channel.OriginServer},
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.writeJSON(w, r, sendMessageResponse{MessageID: message.ID.String()})
}

type inboxMessage struct {
	MessageID       string             `json:"message_id"`
	Kind            models.MessageKind `json:"kind"`
	Body            string             `json:"body"`
	AuthorUserID    string             `json:"author_user_id"`
	RecipientUserID *uuid.UUID         `json:"recipient_user_id"`
	ChannelID       *uuid.UUID         `json:"channel_id"`
	SentAt          string             `json:"sent_at"`
}

func (h *Handler) GetInbox(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userFromContext(ctx)

	messages, err := h.store.ListMessagesForUser(ctx, user.ID, messageListLimit)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	inbox := make([]inboxMessage, 0, len(messages))
	for _, message := range messages {
		inbox = append(inbox, inboxMessage{
			MessageID:       message.ID.String(),
			Kind:            message.Kind,
			Body:            message.Body,
			AuthorUserID:    message.AuthorUserID.String(),
			RecipientUserID: message.RecipientUserID,
			ChannelID:       message.ChannelID,
			SentAt:          message.SentAt,
		})
	}
	h.writeJSON(w, r, inbox)
}

type messageRecord struct {
	MessageID         string  `json:"message_id"`
	Body              string  `json:"body"`
	AuthorUserID      string  `json:"author_user_id"`
	AuthorUsername    string  `json:"author_username"`
	AuthorDisplayName *string `json:"author_display_name"`
	SentAt            string  `json:"sent_at"`
}

// withAuthors resolves each author once.
func (h *Handler) withAuthors(ctx context.Context, messages []models.Message) ([]messageRecord, error) {
	authors := make(map[uuid.UUID]*models.User)
	records := make([]messageRecord, 0, len(messages))
	for _, message := range messages {
		author, seen := authors[message.AuthorUserID]
		if !seen {
			var err error
			author, err = h.store.GetUserByID(ctx, message.AuthorUserID)
			if err != nil {
				return nil, err
			}
			authors[message.AuthorUserID] = author
		}

		record := messageRecord{
			MessageID:    message.ID.String(),
			Body:         message.Body,
			AuthorUserID: message.AuthorUserID.String(),
			SentAt:       message.SentAt,
		}
		if author != nil {
			record.AuthorUsername = author.Username
			record.AuthorDisplayName = author.DisplayName
		}
		records = append(records, record)
	}
	return records, nil
}

func (h *Handler) GetChannelMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	channelID, err := pathID(r, "channelID")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	messages, err := h.store.ListChannelMessages(ctx, channelID, messageListLimit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	records, err := h.withAuthors(ctx, messages)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, r, records)
}

func (h *Handler) GetDirectMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userFromContext(ctx)

	otherID, err := pathID(r, "userID")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	messages, err := h.store.ListDirectMessages(ctx, user.ID, otherID, messageListLimit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	records, err := h.withAuthors(ctx, messages)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, r, records)
}
