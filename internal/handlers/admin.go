package handlers

import (
	"net/http"
	"strings"

	"fedchat-backend/internal/apperr"
	"fedchat-backend/internal/federation"
	"fedchat-backend/internal/hub"
	"fedchat-backend/internal/models"
	"fedchat-backend/internal/validator"

	"github.com/google/uuid"
)

// users

func (h *Handler) AdminListUsers(w http.ResponseWriter, r *http.Request) {
	entries, err := h.userEntries(r.Context(), true)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, r, entries)
}

type adminUserRequest struct {
	Username    string  `json:"username" validate:"username"`
	DisplayName *string `json:"display_name"`
	Password    string  `json:"password"`
}

// optionalHash hashes a non-empty password. An empty password means none.
func optionalHash(password string) (*string, error) {
	if password == "" {
		return nil, nil
	}
	if err := validator.Password(password); err != nil {
		return nil, apperr.BadRequest("%v", err)
	}
	hash, err := hashPassword(password)
	if err != nil {
		return nil, err
	}
	return &hash, nil
}

func (h *Handler) AdminCreateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req adminUserRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	hash, err := optionalHash(req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	user, err := h.store.CreateUser(ctx, req.Username, nil, hash)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if req.DisplayName != nil {
		if err := h.store.SetDisplayName(ctx, user.ID, req.DisplayName); err != nil {
			h.fail(w, r, err)
			return
		}
		user.DisplayName = req.DisplayName
	}
	h.sugar.Infof("Created user %s", user.Username)
	h.writeJSON(w, r, user)
}

func (h *Handler) AdminUpdateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, err := pathID(r, "userID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req adminUserRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	hash, err := optionalHash(req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	user, err := h.store.UpdateUser(ctx, userID, req.Username, req.DisplayName)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if user == nil {
		h.fail(w, r, apperr.BadRequest("unknown user"))
		return
	}
	if hash != nil {
		if err := h.store.SetPasswordHash(ctx, user.ID, *hash); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	h.writeJSON(w, r, user)
}

func (h *Handler) AdminDeleteUser(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	deleted, err := h.store.DeleteUser(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !deleted {
		h.fail(w, r, apperr.BadRequest("unknown user"))
		return
	}
	h.ok(w, r)
}

// AdminSyncUsers pulls the user directories of all peers. Partial failures are
// logged and the users that could be synced are returned.
func (h *Handler) AdminSyncUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.syncer.SyncUsers(r.Context())
	if err != nil {
		h.sugar.Warnf("User sync was incomplete: %v", err)
	}
	h.writeJSON(w, r, users)
}

// servers

func (h *Handler) AdminListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := h.store.ListServers(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, r, servers)
}

type serverRequest struct {
	Name    string `json:"name" validate:"servername"`
	BaseURL string `json:"base_url" validate:"required,url"`
	Token   string `json:"token"`
}

func (req *serverRequest) tokenOrNew() string {
	if token := strings.TrimSpace(req.Token); token != "" {
		return token
	}
	return uuid.NewString()
}

// AdminRegisterServer adds a peer. A token is generated when none is given.
func (h *Handler) AdminRegisterServer(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.Name == h.cfg.ServerName {
		h.fail(w, r, apperr.BadRequest("%q is this server", req.Name))
		return
	}

	server, err := h.store.CreateServer(r.Context(), req.Name, strings.TrimRight(req.BaseURL, "/"), req.tokenOrNew())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.sugar.Infof("Registered server %s at %s", server.Name, server.BaseURL)
	h.writeJSON(w, r, server)
}

func (h *Handler) AdminUpdateServer(w http.ResponseWriter, r *http.Request) {
	serverID, err := pathID(r, "serverID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req serverRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	server, err := h.store.UpdateServer(r.Context(), serverID, req.Name, strings.TrimRight(req.BaseURL, "/"), req.tokenOrNew())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if server == nil {
		h.fail(w, r, apperr.BadRequest("unknown server"))
		return
	}
	h.writeJSON(w, r, server)
}

func (h *Handler) AdminDeleteServer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	serverID, err := pathID(r, "serverID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	server, err := h.store.GetServerByID(ctx, serverID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if server == nil {
		h.fail(w, r, apperr.BadRequest("unknown server"))
		return
	}
	if server.Name == h.cfg.ServerName {
		h.fail(w, r, apperr.BadRequest("this server can't be deleted"))
		return
	}

	if _, err := h.store.DeleteServer(ctx, serverID); err != nil {
		h.fail(w, r, err)
		return
	}
	if h.presence.ClearRemoteServer(server.Name) {
		h.hub.Broadcast(ctx, hub.PresenceChanged())
	}
	h.sugar.Infof("Deleted server %s", server.Name)
	h.ok(w, r)
}

type visibility struct {
	HiddenUserIDs    []uuid.UUID `json:"hidden_user_ids"`
	HiddenChannelIDs []uuid.UUID `json:"hidden_channel_ids"`
}

func (h *Handler) AdminGetVisibility(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	serverID, err := pathID(r, "serverID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	users, err := h.store.HiddenUserIDs(ctx, serverID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	channels, err := h.store.HiddenChannelIDs(ctx, serverID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, r, visibility{HiddenUserIDs: users, HiddenChannelIDs: channels})
}

// AdminSetVisibility replaces both hidden lists of a peer.
func (h *Handler) AdminSetVisibility(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	serverID, err := pathID(r, "serverID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req visibility
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	server, err := h.store.GetServerByID(ctx, serverID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if server == nil {
		h.fail(w, r, apperr.BadRequest("unknown server"))
		return
	}

	if err := h.store.SetHiddenUsers(ctx, serverID, req.HiddenUserIDs); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.store.SetHiddenChannels(ctx, serverID, req.HiddenChannelIDs); err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, r)
}

// channels

func (h *Handler) AdminListChannels(w http.ResponseWriter, r *http.Request) {
	h.GetChannelList(w, r)
}

func (h *Handler) AdminCreateChannel(w http.ResponseWriter, r *http.Request) {
	h.CreateChannel(w, r)
}

func (h *Handler) AdminSyncChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.syncer.SyncChannels(r.Context())
	if err != nil {
		h.sugar.Warnf("Channel sync was incomplete: %v", err)
	}
	h.writeJSON(w, r, channels)
}

func (h *Handler) AdminUpdateChannel(w http.ResponseWriter, r *http.Request) {
	channelID, err := pathID(r, "channelID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req createChannelRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	channel, err := h.store.UpdateChannel(r.Context(), channelID, req.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if channel == nil {
		h.fail(w, r, apperr.BadRequest("unknown channel"))
		return
	}
	h.writeJSON(w, r, channel)
}

func (h *Handler) AdminDeleteChannel(w http.ResponseWriter, r *http.Request) {
	channelID, err := pathID(r, "channelID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	deleted, err := h.store.DeleteChannel(r.Context(), channelID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !deleted {
		h.fail(w, r, apperr.BadRequest("unknown channel"))
		return
	}
	h.ok(w, r)
}

type adminAddMemberRequest struct {
	Username string `json:"username" validate:"required"`
}

// AdminAddChannelMember adds "name[@server]" to a channel, creating the user
// reference when needed. A remote member's server is told about the membership
// and a failed delivery fails the request.
func (h *Handler) AdminAddChannelMember(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	channelID, err := pathID(r, "channelID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req adminAddMemberRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
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

	username, serverName := h.splitTarget(req.Username)
	if err := validator.Username(username); err != nil {
		h.fail(w, r, apperr.BadRequest("invalid username: %v", err))
		return
	}

	var peer *models.Server
	var serverID *uuid.UUID
	if serverName != h.cfg.ServerName {
		peer, err = h.store.GetServerByName(ctx, serverName)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if peer == nil {
			h.fail(w, r, apperr.BadRequest("unknown server %q", serverName))
			return
		}
		serverID = &peer.ID
	}

	user, _, err := h.store.GetOrCreateUser(ctx, username, serverID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if _, err := h.store.AddChannelMember(ctx, channel.ID, user.ID); err != nil {
		h.fail(w, r, err)
		return
	}

	if peer != nil {
		err = h.outbox.SendChannelMembership(ctx, *peer, federation.FederatedChannelMembership{
			Channel: federation.FederatedChannel{Name: channel.Name, OriginServer: channel.OriginServer},
			Member:  federation.FederatedUser{Username: user.Username, Server: peer.Name},
		})
		if err != nil {
			h.fail(w, r, err)
			return
		}
	}
	h.writeJSON(w, r, user)
}

// server info and federation tokens

type serverInfo struct {
	ServerName  string `json:"server_name"`
	ServerToken string `json:"server_token"`
}

func (h *Handler) AdminServerInfo(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, serverInfo{ServerName: h.cfg.ServerName, ServerToken: h.cfg.ServerToken})
}

func (h *Handler) AdminListFederationTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.store.ListFederationTokens(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, r, tokens)
}

type federationTokenRequest struct {
	Label string `json:"label"`
}

func (h *Handler) AdminCreateFederationToken(w http.ResponseWriter, r *http.Request) {
	var req federationTokenRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	label := strings.TrimSpace(req.Label)
	if label == "" {
		h.fail(w, r, apperr.BadRequest("label must not be empty"))
		return
	}

	token, err := h.store.CreateFederationToken(r.Context(), label)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.sugar.Infof("Created federation token %q", label)
	h.writeJSON(w, r, token)
}

func (h *Handler) AdminDeleteFederationToken(w http.ResponseWriter, r *http.Request) {
	tokenID, err := pathID(r, "tokenID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	deleted, err := h.store.DeleteFederationToken(r.Context(), tokenID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !deleted {
		h.fail(w, r, apperr.BadRequest("unknown federation token"))
		return
	}
	h.ok(w, r)
}
