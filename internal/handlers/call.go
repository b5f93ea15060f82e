package handlers

import (
	"encoding/json"
	"net/http"

	"fedchat-backend/internal/apperr"
	"fedchat-backend/internal/calls"
	"fedchat-backend/internal/federation"
	"fedchat-backend/internal/hub"
	"fedchat-backend/internal/models"
)

func (h *Handler) participant(user models.User) calls.Participant {
	return calls.Participant{Username: user.Username, ServerName: h.cfg.ServerName, UserID: user.ID.String()}
}

// changeCall applies a join or leave of the current user, tells local clients
// and federates the event in the background. A join returns the participants
// as of the join itself.
func (h *Handler) changeCall(w http.ResponseWriter, r *http.Request, event string) ([]calls.Participant, bool) {
	ctx := r.Context()
	user := userFromContext(ctx)

	channelID, err := pathID(r, "channelID")
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	channel, err := h.store.GetChannelByID(ctx, channelID)
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	if channel == nil {
		h.fail(w, r, apperr.BadRequest("unknown channel"))
		return nil, false
	}

	var participants []calls.Participant
	p := h.participant(user)
	if event == federation.CallEventJoin {
		participants = h.roster.Join(channel.ID, p)
		h.hub.Broadcast(ctx, hub.ChannelCallEvent(hub.EventChannelCallJoin, channel.ID, p))
	} else {
		h.roster.Leave(channel.ID, p)
		h.hub.Broadcast(ctx, hub.ChannelCallEvent(hub.EventChannelCallLeave, channel.ID, p))
	}

	h.outbox.GoBroadcastChannelCallEvent(ctx, federation.FederatedChannelCallEvent{
		Channel:           federation.FederatedChannel{Name: channel.Name, OriginServer: channel.OriginServer},
		Event:             event,
		Participant:       h.federatedAuthor(user),
		ParticipantUserID: user.ID.String(),
	})
	return participants, true
}

type joinCallResponse struct {
	Participants []calls.Participant `json:"participants"`
}

func (h *Handler) JoinCall(w http.ResponseWriter, r *http.Request) {
	participants, ok := h.changeCall(w, r, federation.CallEventJoin)
	if !ok {
		return
	}
	h.writeJSON(w, r, joinCallResponse{Participants: participants})
}

func (h *Handler) LeaveCall(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.changeCall(w, r, federation.CallEventLeave); !ok {
		return
	}
	h.ok(w, r)
}

func (h *Handler) GetCallParticipants(w http.ResponseWriter, r *http.Request) {
	channelID, err := pathID(r, "channelID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, r, h.roster.Participants(channelID))
}

func (h *Handler) GetActiveCalls(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, h.roster.ActiveCalls())
}

type signalRequest struct {
	Target     string `json:"target" validate:"required"`
	SignalType string `json:"signal_type" validate:"required,signaltype"`
	Payload    string `json:"payload"`
}

// SendSignal relays a WebRTC signal to a local user or to the target's server.
// A failed federated delivery fails the request.
func (h *Handler) SendSignal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userFromContext(ctx)

	var req signalRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	targetName, serverName := h.splitTarget(req.Target)
	signal := federation.FederatedWebRTCSignal{
		FromUser:   federation.FederatedUser{Username: user.Username, Server: h.cfg.ServerName},
		ToUser:     federation.FederatedUser{Username: targetName, Server: serverName},
		SignalType: req.SignalType,
		Payload:    req.Payload,
	}

	if serverName == h.cfg.ServerName {
		target, err := h.store.GetUserByName(ctx, targetName, nil)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if target == nil {
			h.fail(w, r, apperr.BadRequest("unknown user %q", targetName))
			return
		}

		payload, err := json.Marshal(signal)
		if err != nil {
			h.fail(w, r, apperr.Internal(err))
			return
		}
		h.hub.Broadcast(ctx, hub.WebRTCSignal(target.ID, payload))
		h.ok(w, r)
		return
	}

	peer, err := h.store.GetServerByName(ctx, serverName)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if peer == nil {
		h.fail(w, r, apperr.BadRequest("unknown server %q", serverName))
		return
	}
	if err := h.outbox.SendWebRTCSignal(ctx, *peer, signal); err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, r)
}
