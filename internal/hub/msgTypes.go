package hub

import (
	"encoding/json"

	"fedchat-backend/internal/calls"

	"github.com/google/uuid"
)

const (
	EventNewMessage       = "new_message"
	EventPresenceChanged  = "presence_changed"
	EventWebRTCSignal     = "webrtc_signal"
	EventChannelCallJoin  = "channel_call_join"
	EventChannelCallLeave = "channel_call_leave"
)

// Notification is what push-stream clients receive. Clients refetch state on
// new_message and presence_changed; the other events carry their data in Payload.
type Notification struct {
	Event        string `json:"event"`
	UserID       string `json:"user_id,omitempty"`
	ChannelID    string `json:"channel_id,omitempty"`
	TargetUserID string `json:"target_user_id,omitempty"`
	Payload      string `json:"payload,omitempty"`
}

// NewMessage announces a direct message to recipientID, or a channel message
// when channelID is set.
func NewMessage(recipientID, channelID *uuid.UUID) Notification {
	n := Notification{Event: EventNewMessage}
	if recipientID != nil {
		n.UserID = recipientID.String()
	}
	if channelID != nil {
		n.ChannelID = channelID.String()
	}
	return n
}

func PresenceChanged() Notification {
	return Notification{Event: EventPresenceChanged}
}

// WebRTCSignal hands a raw signal document to one local user.
func WebRTCSignal(targetUserID uuid.UUID, signal []byte) Notification {
	return Notification{
		Event:        EventWebRTCSignal,
		TargetUserID: targetUserID.String(),
		Payload:      string(signal),
	}
}

// ChannelCallEvent builds a channel_call_join or channel_call_leave notification.
func ChannelCallEvent(event string, channelID uuid.UUID, p calls.Participant) Notification {
	payload, _ := json.Marshal(p)
	return Notification{
		Event:     event,
		ChannelID: channelID.String(),
		Payload:   string(payload),
	}
}
