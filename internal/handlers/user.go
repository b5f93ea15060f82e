package handlers

import (
	"context"
	"net/http"
	"strings"

	"fedchat-backend/internal/models"

	"github.com/google/uuid"
)

type userEntry struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Token       string     `json:"token,omitempty"`
	ServerID    *uuid.UUID `json:"server_id"`
	IsLocal     bool       `json:"is_local"`
	ServerName  string     `json:"server_name"`
	IsOnline    bool       `json:"is_online"`
	DisplayName *string    `json:"display_name"`
}

// userEntries joins users with their server name and presence. Tokens are only
// included when withTokens is set.
func (h *Handler) userEntries(ctx context.Context, withTokens bool) ([]userEntry, error) {
	users, err := h.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	servers, err := h.store.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	serverNames := make(map[uuid.UUID]string, len(servers))
	for _, server := range servers {
		serverNames[server.ID] = server.Name
	}

	entries := make([]userEntry, 0, len(users))
	for _, user := range users {
		entry := userEntry{
			ID:          user.ID.String(),
			Username:    user.Username,
			ServerID:    user.ServerID,
			IsLocal:     user.IsLocal,
			DisplayName: user.DisplayName,
		}
		if withTokens {
			entry.Token = user.Token
		}
		if user.IsLocal {
			entry.ServerName = h.cfg.ServerName
			entry.IsOnline = h.presence.IsOnline(user.ID)
		} else {
			entry.ServerName = serverNames[*user.ServerID]
			entry.IsOnline = h.presence.IsRemoteUserOnline(models.Address(user.Username, entry.ServerName))
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (h *Handler) GetUserList(w http.ResponseWriter, r *http.Request) {
	entries, err := h.userEntries(r.Context(), false)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, r, entries)
}

type updateProfileRequest struct {
	DisplayName string `json:"display_name" validate:"max=64"`
}

// UpdateProfile sets the display name of the current user. An empty name clears it.
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userFromContext(ctx)

	var req updateProfileRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	var displayName *string
	if name := strings.TrimSpace(req.DisplayName); name != "" {
		displayName = &name
	}

	updated, err := h.store.UpdateUser(ctx, user.ID, user.Username, displayName)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, r, updated)
}
