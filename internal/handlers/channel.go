package handlers

import (
	"net/http"

	"fedchat-backend/internal/apperr"

	"github.com/google/uuid"
)

func (h *Handler) GetChannelList(w http.ResponseWriter, r *http.Request) {
	channels, err := h.store.ListChannels(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, r, channels)
}

type createChannelRequest struct {
	Name string `json:"name" validate:"channelname"`
}

// CreateChannel creates a channel owned by this server.
func (h *Handler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	var req createChannelRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	channel, err := h.store.CreateChannel(r.Context(), req.Name, h.cfg.ServerName)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.sugar.Infof("Created channel %s", channel.Name)
	h.writeJSON(w, r, channel)
}

type addChannelMemberRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

func (h *Handler) AddChannelMember(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	channelID, err := pathID(r, "channelID")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var req addChannelMemberRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.fail(w, r, apperr.BadRequest("invalid user_id"))
		return
	}

	channel, err := h.store.GetChannelByID(ctx, channelID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if channel == nil {
		h.fail(w, r, apperr.BadRequest("unknown channel"))
		return
	}

	user, err := h.store.GetUserByID(ctx, userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if user == nil {
		h.fail(w, r, apperr.BadRequest("unknown user"))
		return
	}

	if _, err := h.store.AddChannelMember(ctx, channel.ID, user.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, r, user)
}

func (h *Handler) RemoveChannelMember(w http.ResponseWriter, r *http.Request) {
	channelID, err := pathID(r, "channelID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	userID, err := pathID(r, "userID")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if _, err := h.store.RemoveChannelMember(r.Context(), channelID, userID); err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, r)
}
