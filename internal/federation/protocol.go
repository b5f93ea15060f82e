// Package federation implements the server-to-server protocol: authenticating
// peers, relaying messages and memberships, answering presence and directory
// queries, and the loop that keeps remote presence and channels in sync.
package federation

import (
	"fedchat-backend/internal/models"
)

// TokenHeader carries the credential on every federation request.
const TokenHeader = "X-Federation-Token"

const (
	CallEventJoin  = "join"
	CallEventLeave = "leave"
)

const (
	pathMessages           = "/federation/messages"
	pathChannelMemberships = "/federation/channel-memberships"
	pathPresence           = "/federation/presence"
	pathUsers              = "/federation/users"
	pathChannels           = "/federation/channels"
	pathWebRTCSignal       = "/federation/webrtc-signal"
	pathChannelCallEvent   = "/federation/channel-call-event"
)

type FederatedUser struct {
	Username    string  `json:"username" validate:"required"`
	Server      string  `json:"server" validate:"required"`
	DisplayName *string `json:"display_name,omitempty"`
}

func (u FederatedUser) Address() string {
	return models.Address(u.Username, u.Server)
}

type FederatedChannel struct {
	Name         string `json:"name" validate:"required"`
	OriginServer string `json:"origin_server" validate:"required"`
}

type FederatedMessage struct {
	MessageID string             `json:"message_id" validate:"required"`
	SentAt    string             `json:"sent_at" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	Kind      models.MessageKind `json:"kind" validate:"required,oneof=dm channel"`
	Body      string             `json:"body"`
	Author    FederatedUser      `json:"author"`
	Recipient *FederatedUser     `json:"recipient,omitempty"`
	Channel   *FederatedChannel  `json:"channel,omitempty"`
}

type FederatedChannelMembership struct {
	Channel FederatedChannel `json:"channel"`
	Member  FederatedUser    `json:"member"`
}

type FederatedWebRTCSignal struct {
	FromUser   FederatedUser `json:"from_user"`
	ToUser     FederatedUser `json:"to_user"`
	SignalType string        `json:"signal_type" validate:"required,signaltype"`
	Payload    string        `json:"payload"`
}

type FederatedChannelCallEvent struct {
	Channel           FederatedChannel `json:"channel"`
	Event             string           `json:"event" validate:"required"`
	Participant       FederatedUser    `json:"participant"`
	ParticipantUserID string           `json:"participant_user_id"`
}

type PresenceResponse struct {
	OnlineUsers []string `json:"online_users"`
}

// okResponse is the body of every successful mutating federation response.
const okResponse = "ok"
