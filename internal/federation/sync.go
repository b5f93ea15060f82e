package federation

import (
	"context"
	"sync"
	"time"

	"fedchat-backend/internal/apperr"
	"fedchat-backend/internal/hub"
	"fedchat-backend/internal/models"
	"fedchat-backend/internal/presence"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxConcurrentPolls = 8

type SyncerDeps struct {
	Store     Store
	Outbox    *Outbox
	Presence  *presence.Store
	Hub       *hub.Hub
	LocalName string
	Interval  time.Duration
	Timeout   time.Duration
	Logger    *zap.SugaredLogger
}

// Syncer periodically pulls presence, channels and display names from every peer.
type Syncer struct {
	store     Store
	outbox    *Outbox
	presence  *presence.Store
	hub       *hub.Hub
	localName string
	interval  time.Duration
	timeout   time.Duration
	sugar     *zap.SugaredLogger
}

func NewSyncer(d SyncerDeps) *Syncer {
	return &Syncer{
		store:     d.Store,
		outbox:    d.Outbox,
		presence:  d.Presence,
		hub:       d.Hub,
		localName: d.LocalName,
		interval:  d.Interval,
		timeout:   d.Timeout,
		sugar:     d.Logger,
	}
}

// Run syncs every interval until ctx is done.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncOnce(ctx)
		}
	}
}

// SyncOnce runs one pass. A failing peer is logged and skipped.
func (s *Syncer) SyncOnce(ctx context.Context) {
	peers, err := s.outbox.Peers(ctx)
	if err != nil {
		s.sugar.Errorf("Couldn't list peers: %v", err)
		return
	}
	if len(peers) == 0 {
		return
	}

	if s.syncPresence(ctx, peers) {
		s.hub.Broadcast(ctx, hub.PresenceChanged())
	}

	for _, peer := range peers {
		if _, err := s.SyncChannelsFrom(ctx, peer); err != nil {
			s.sugar.Warnf("Channel sync with %s failed: %v", peer.Name, err)
		}
		if err := s.syncDisplayNames(ctx, peer); err != nil {
			s.sugar.Warnf("Display name sync with %s failed: %v", peer.Name, err)
		}
	}
}

// syncPresence polls every peer concurrently and reports whether any peer's
// online set changed.
func (s *Syncer) syncPresence(ctx context.Context, peers []models.Server) bool {
	var mutex sync.Mutex
	results := make(map[string][]string, len(peers))

	var g errgroup.Group
	g.SetLimit(maxConcurrentPolls)
	for _, peer := range peers {
		g.Go(func() error {
			pollCtx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()

			online, err := s.outbox.FetchPresence(pollCtx, peer)
			if err != nil {
				s.sugar.Debugf("Presence poll of %s failed: %v", peer.Name, err)
				return nil
			}

			mutex.Lock()
			results[peer.Name] = online
			mutex.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	changed := false
	for name, online := range results {
		if s.presence.ReplaceRemoteServer(name, online) {
			changed = true
		}
	}
	return changed
}

// SyncChannelsFrom creates local shadows for the peer's channels and returns
// the ones it created.
func (s *Syncer) SyncChannelsFrom(ctx context.Context, peer models.Server) ([]models.Channel, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	channels, err := s.outbox.FetchChannels(fetchCtx, peer)
	if err != nil {
		return nil, err
	}

	created := []models.Channel{}
	for _, fc := range channels {
		if fc.Name == "" || fc.OriginServer != peer.Name {
			continue
		}
		channel, isNew, err := s.store.GetOrCreateChannel(ctx, fc.Name, fc.OriginServer)
		if err != nil {
			return created, apperr.Internal(err)
		}
		if isNew {
			s.sugar.Infof("Auto-synced channel %s from %s", channel.Name, channel.OriginServer)
			created = append(created, *channel)
		}
	}
	return created, nil
}

// syncDisplayNames refreshes display names of users of the peer we already know.
func (s *Syncer) syncDisplayNames(ctx context.Context, peer models.Server) error {
	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	users, err := s.outbox.FetchUsers(fetchCtx, peer)
	if err != nil {
		return err
	}

	known, err := s.store.ListRemoteUsers(ctx, peer.ID)
	if err != nil {
		return apperr.Internal(err)
	}
	byName := make(map[string]models.User, len(known))
	for _, user := range known {
		byName[user.Username] = user
	}

	for _, fu := range users {
		user, exists := byName[fu.Username]
		if !exists || equalStrings(user.DisplayName, fu.DisplayName) {
			continue
		}
		if err := s.store.SetDisplayName(ctx, user.ID, fu.DisplayName); err != nil {
			return apperr.Internal(err)
		}
		s.sugar.Debugf("Updated display name of %s", fu.Address())
	}
	return nil
}

// SyncUsers imports the user directory of every peer and returns the newly
// created references. A local user with the same name shadows a remote one.
func (s *Syncer) SyncUsers(ctx context.Context) ([]models.User, error) {
	peers, err := s.outbox.Peers(ctx)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	var result *multierror.Error
	created := []models.User{}
	for _, peer := range peers {
		users, err := s.outbox.FetchUsers(ctx, peer)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}

		for _, fu := range users {
			if fu.Username == "" || fu.Server != peer.Name {
				continue
			}
			local, err := s.store.GetUserByName(ctx, fu.Username, nil)
			if err != nil {
				return created, apperr.Internal(err)
			}
			if local != nil {
				continue
			}

			user, isNew, err := s.store.GetOrCreateUser(ctx, fu.Username, &peer.ID)
			if err != nil {
				return created, apperr.Internal(err)
			}
			if fu.DisplayName != nil && !equalStrings(user.DisplayName, fu.DisplayName) {
				if err := s.store.SetDisplayName(ctx, user.ID, fu.DisplayName); err != nil {
					return created, apperr.Internal(err)
				}
				user.DisplayName = fu.DisplayName
			}
			if isNew {
				created = append(created, *user)
			}
		}
	}
	return created, result.ErrorOrNil()
}

// SyncChannels runs SyncChannelsFrom against every peer.
func (s *Syncer) SyncChannels(ctx context.Context) ([]models.Channel, error) {
	peers, err := s.outbox.Peers(ctx)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	var result *multierror.Error
	created := []models.Channel{}
	for _, peer := range peers {
		channels, err := s.SyncChannelsFrom(ctx, peer)
		created = append(created, channels...)
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return created, result.ErrorOrNil()
}
