// Package sessions keeps short-lived admin and user login sessions in memory.
// Expired sessions are rejected on lookup and otherwise left in place.
package sessions

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type AdminSession struct {
	Token     string
	ExpiresAt time.Time
}

type UserSession struct {
	Token     string
	UserID    uuid.UUID
	ExpiresAt time.Time
}

type Registry struct {
	adminMutex sync.Mutex
	admin      map[string]time.Time

	userMutex sync.Mutex
	users     map[string]UserSession

	now func() time.Time
}

func New() *Registry {
	return &Registry{
		admin: make(map[string]time.Time),
		users: make(map[string]UserSession),
		now:   time.Now,
	}
}

// Create mints an admin session valid for ttl.
func (r *Registry) Create(ttl time.Duration) AdminSession {
	session := AdminSession{
		Token:     uuid.NewString(),
		ExpiresAt: r.now().Add(ttl),
	}

	r.adminMutex.Lock()
	defer r.adminMutex.Unlock()
	r.admin[session.Token] = session.ExpiresAt

	return session
}

func (r *Registry) Validate(token string) bool {
	r.adminMutex.Lock()
	defer r.adminMutex.Unlock()

	expiresAt, ok := r.admin[token]
	return ok && r.now().Before(expiresAt)
}

func (r *Registry) CreateUserSession(userID uuid.UUID, ttl time.Duration) UserSession {
	session := UserSession{
		Token:     uuid.NewString(),
		UserID:    userID,
		ExpiresAt: r.now().Add(ttl),
	}

	r.userMutex.Lock()
	defer r.userMutex.Unlock()
	r.users[session.Token] = session

	return session
}

// ValidateUserSession returns the user a live session belongs to.
func (r *Registry) ValidateUserSession(token string) (uuid.UUID, bool) {
	r.userMutex.Lock()
	defer r.userMutex.Unlock()

	session, ok := r.users[token]
	if !ok || !r.now().Before(session.ExpiresAt) {
		return uuid.Nil, false
	}
	return session.UserID, true
}
