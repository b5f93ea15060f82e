// Package presence tracks which users are online. Local users are counted per
// open push connection; users of peer servers are tracked as "username@server"
// keys that the sync loop replaces wholesale for each peer.
package presence

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type Store struct {
	localMutex sync.Mutex
	local      map[uuid.UUID]int

	remoteMutex sync.RWMutex
	remote      map[string]struct{}
}

func New() *Store {
	return &Store{
		local:  make(map[uuid.UUID]int),
		remote: make(map[string]struct{}),
	}
}

func (s *Store) MarkOnline(userID uuid.UUID) {
	s.localMutex.Lock()
	defer s.localMutex.Unlock()

	s.local[userID]++
}

// MarkOffline drops one connection of the user. Extra calls are ignored.
func (s *Store) MarkOffline(userID uuid.UUID) {
	s.localMutex.Lock()
	defer s.localMutex.Unlock()

	count, ok := s.local[userID]
	if !ok {
		return
	}
	if count <= 1 {
		delete(s.local, userID)
		return
	}
	s.local[userID] = count - 1
}

func (s *Store) IsOnline(userID uuid.UUID) bool {
	s.localMutex.Lock()
	defer s.localMutex.Unlock()

	return s.local[userID] > 0
}

func (s *Store) OnlineUserIDs() []uuid.UUID {
	s.localMutex.Lock()
	defer s.localMutex.Unlock()

	ids := make([]uuid.UUID, 0, len(s.local))
	for id := range s.local {
		ids = append(ids, id)
	}
	return ids
}

// ClearRemoteServer removes every remote entry of the given server and reports
// whether anything was removed.
func (s *Store) ClearRemoteServer(serverName string) bool {
	s.remoteMutex.Lock()
	defer s.remoteMutex.Unlock()

	return s.clearRemoteLocked(serverName)
}

func (s *Store) clearRemoteLocked(serverName string) bool {
	suffix := "@" + serverName
	removed := false
	for key := range s.remote {
		if strings.HasSuffix(key, suffix) {
			delete(s.remote, key)
			removed = true
		}
	}
	return removed
}

// SetRemoteUsersOnline adds "username@server" keys.
func (s *Store) SetRemoteUsersOnline(keys []string) {
	s.remoteMutex.Lock()
	defer s.remoteMutex.Unlock()

	for _, key := range keys {
		s.remote[key] = struct{}{}
	}
}

func (s *Store) IsRemoteUserOnline(key string) bool {
	s.remoteMutex.RLock()
	defer s.remoteMutex.RUnlock()

	_, ok := s.remote[key]
	return ok
}

// ReplaceRemoteServer swaps the online set of one peer for the given bare
// usernames in a single critical section. It reports whether the set changed.
func (s *Store) ReplaceRemoteServer(serverName string, usernames []string) bool {
	next := make(map[string]struct{}, len(usernames))
	for _, username := range usernames {
		next[username+"@"+serverName] = struct{}{}
	}

	s.remoteMutex.Lock()
	defer s.remoteMutex.Unlock()

	suffix := "@" + serverName
	previous := 0
	changed := false
	for key := range s.remote {
		if !strings.HasSuffix(key, suffix) {
			continue
		}
		previous++
		if _, ok := next[key]; !ok {
			changed = true
		}
	}
	if previous != len(next) {
		changed = true
	}

	s.clearRemoteLocked(serverName)
	for key := range next {
		s.remote[key] = struct{}{}
	}
	return changed
}

// RemoteUsers lists the remote keys currently online, sorted.
func (s *Store) RemoteUsers() []string {
	s.remoteMutex.RLock()
	defer s.remoteMutex.RUnlock()

	keys := make([]string, 0, len(s.remote))
	for key := range s.remote {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Guard holds one connection count for a user until Release.
type Guard struct {
	store  *Store
	userID uuid.UUID
	once   sync.Once
}

func (s *Store) Acquire(userID uuid.UUID) *Guard {
	s.MarkOnline(userID)
	return &Guard{store: s, userID: userID}
}

// Release gives the count back. Only the first call has an effect.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.store.MarkOffline(g.userID)
	})
}
