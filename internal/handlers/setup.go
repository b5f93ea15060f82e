// Package handlers serves the local user API, the admin API and the push
// streams, and mounts the federation inbox.
package handlers

import (
	"net/http"
	"time"

	"fedchat-backend/internal/calls"
	"fedchat-backend/internal/config"
	"fedchat-backend/internal/database"
	"fedchat-backend/internal/federation"
	"fedchat-backend/internal/hub"
	"fedchat-backend/internal/presence"
	"fedchat-backend/internal/sessions"
	"fedchat-backend/internal/snowflake"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type Deps struct {
	Config    *config.Config
	Store     *database.Store
	Sessions  *sessions.Registry
	Presence  *presence.Store
	Roster    *calls.Roster
	Hub       *hub.Hub
	Outbox    *federation.Outbox
	Inbox     *federation.Inbox
	Syncer    *federation.Syncer
	Snowflake *snowflake.Node
	Logger    *zap.SugaredLogger
}

type Handler struct {
	cfg       *config.Config
	store     *database.Store
	sessions  *sessions.Registry
	presence  *presence.Store
	roster    *calls.Roster
	hub       *hub.Hub
	outbox    *federation.Outbox
	inbox     *federation.Inbox
	syncer    *federation.Syncer
	snowflake *snowflake.Node
	sugar     *zap.SugaredLogger
}

func New(d Deps) *Handler {
	return &Handler{
		cfg:       d.Config,
		store:     d.Store,
		sessions:  d.Sessions,
		presence:  d.Presence,
		roster:    d.Roster,
		hub:       d.Hub,
		outbox:    d.Outbox,
		inbox:     d.Inbox,
		syncer:    d.Syncer,
		snowflake: d.Snowflake,
		sugar:     d.Logger,
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if h.cfg.PrintHTTPRequests {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(h.RequestLogger)

	r.Get("/health", Health)

	// push streams stay open, so they are outside the timeout
	r.Group(func(r chi.Router) {
		r.Use(h.UserVerifier)
		r.Get("/api/events", h.HandleEvents)
		r.Get("/api/ws", h.HandleWebSocket)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Mount("/federation", h.inbox.Routes())

		r.Route("/api", func(api chi.Router) {
			api.Post("/login", h.Login)

			api.Group(func(r chi.Router) {
				r.Use(h.UserVerifier)

				r.Route("/messages", func(r chi.Router) {
					r.Post("/dm", h.SendDirectMessage)
					r.Post("/channel", h.SendChannelMessage)
					r.Get("/inbox", h.GetInbox)
					r.Get("/channel/{channelID}", h.GetChannelMessages)
					r.Get("/dm/{userID}", h.GetDirectMessages)
				})

				r.Get("/users", h.GetUserList)

				r.Route("/channels", func(r chi.Router) {
					r.Get("/", h.GetChannelList)
					r.Post("/", h.CreateChannel)
					r.Get("/active-calls", h.GetActiveCalls)
					r.Post("/{channelID}/members", h.AddChannelMember)
					r.Delete("/{channelID}/members/{userID}", h.RemoveChannelMember)
					r.Post("/{channelID}/call/join", h.JoinCall)
					r.Post("/{channelID}/call/leave", h.LeaveCall)
					r.Get("/{channelID}/call/participants", h.GetCallParticipants)
				})

				r.Post("/call/signal", h.SendSignal)

				r.Put("/profile", h.UpdateProfile)
				r.Put("/profile/password", h.ChangePassword)
			})
		})

		r.Route("/admin", func(admin chi.Router) {
			admin.Post("/login", h.AdminLogin)

			admin.Group(func(r chi.Router) {
				r.Use(h.AdminVerifier)

				r.Get("/users", h.AdminListUsers)
				r.Post("/users", h.AdminCreateUser)
				r.Post("/users/sync-federated", h.AdminSyncUsers)
				r.Put("/users/{userID}", h.AdminUpdateUser)
				r.Delete("/users/{userID}", h.AdminDeleteUser)

				r.Get("/servers", h.AdminListServers)
				r.Post("/servers", h.AdminRegisterServer)
				r.Put("/servers/{serverID}", h.AdminUpdateServer)
				r.Delete("/servers/{serverID}", h.AdminDeleteServer)
				r.Get("/servers/{serverID}/visibility", h.AdminGetVisibility)
				r.Put("/servers/{serverID}/visibility", h.AdminSetVisibility)

				r.Get("/channels", h.AdminListChannels)
				r.Post("/channels", h.AdminCreateChannel)
				r.Post("/channels/sync-federated", h.AdminSyncChannels)
				r.Put("/channels/{channelID}", h.AdminUpdateChannel)
				r.Delete("/channels/{channelID}", h.AdminDeleteChannel)
				r.Post("/channels/{channelID}/members", h.AdminAddChannelMember)

				r.Get("/server-info", h.AdminServerInfo)

				r.Get("/federation-tokens", h.AdminListFederationTokens)
				r.Post("/federation-tokens", h.AdminCreateFederationToken)
				r.Delete("/federation-tokens/{tokenID}", h.AdminDeleteFederationToken)
			})
		})
	})

	return r
}
