package models

import (
	"strings"

	"github.com/google/uuid"
)

type MessageKind string

const (
	MessageKindDM      MessageKind = "dm"
	MessageKindChannel MessageKind = "channel"
)

// Server is a federation peer, or this server's own row.
// Token is the credential the peer presents to us.
type Server struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	BaseURL string    `json:"base_url"`
	Token   string    `json:"token"`
}

// User is a local account, or a reference to a user of a peer when ServerID is set.
type User struct {
	ID           uuid.UUID  `json:"id"`
	Username     string     `json:"username"`
	Token        string     `json:"-"`
	ServerID     *uuid.UUID `json:"server_id"`
	IsLocal      bool       `json:"is_local"`
	DisplayName  *string    `json:"display_name"`
	PasswordHash *string    `json:"-"`
}

func (u *User) DisplayNameOrUsername() string {
	if u.DisplayName != nil && *u.DisplayName != "" {
		return *u.DisplayName
	}
	return u.Username
}

type Channel struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	OriginServer string    `json:"origin_server"`
}

type Message struct {
	ID              uuid.UUID   `json:"id"`
	Kind            MessageKind `json:"kind"`
	Body            string      `json:"body"`
	AuthorUserID    uuid.UUID   `json:"author_user_id"`
	RecipientUserID *uuid.UUID  `json:"recipient_user_id"`
	ChannelID       *uuid.UUID  `json:"channel_id"`
	SentAt          string      `json:"sent_at"`
}

// FederationToken is a supplemental credential accepted from any peer.
type FederationToken struct {
	ID        uuid.UUID `json:"id"`
	Token     string    `json:"token"`
	Label     string    `json:"label"`
	CreatedAt string    `json:"created_at"`
}

// SplitAddress splits "name@server" into its parts. A bare name returns an empty server.
func SplitAddress(address string) (username, server string) {
	username, server, _ = strings.Cut(address, "@")
	return username, server
}

// Address joins a username and server name into "name@server".
func Address(username, server string) string {
	return username + "@" + server
}
