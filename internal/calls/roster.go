// Package calls keeps the in-memory roster of voice call participants per channel.
package calls

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Participant is one user in a channel call. UserID is the id of the user's
// row on the server holding this roster.
type Participant struct {
	Username   string `json:"username"`
	ServerName string `json:"server_name"`
	UserID     string `json:"user_id"`
}

type Roster struct {
	mutex    sync.Mutex
	channels map[uuid.UUID]map[Participant]struct{}
}

func NewRoster() *Roster {
	return &Roster{channels: make(map[uuid.UUID]map[Participant]struct{})}
}

// Join adds p to the channel's call and returns the resulting participants.
// Joining twice leaves a single entry.
func (r *Roster) Join(channelID uuid.UUID, p Participant) []Participant {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	participants, ok := r.channels[channelID]
	if !ok {
		participants = make(map[Participant]struct{})
		r.channels[channelID] = participants
	}
	participants[p] = struct{}{}

	return sorted(participants)
}

// Leave removes p and reports whether it was in the call. A call left empty is removed.
func (r *Roster) Leave(channelID uuid.UUID, p Participant) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	participants, ok := r.channels[channelID]
	if !ok {
		return false
	}
	if _, ok := participants[p]; !ok {
		return false
	}

	delete(participants, p)
	if len(participants) == 0 {
		delete(r.channels, channelID)
	}
	return true
}

// LeaveAll removes every entry of the user from every call and returns the
// channels that changed.
func (r *Roster) LeaveAll(username, serverName string) []uuid.UUID {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var affected []uuid.UUID
	for channelID, participants := range r.channels {
		removed := false
		for p := range participants {
			if p.Username == username && p.ServerName == serverName {
				delete(participants, p)
				removed = true
			}
		}
		if !removed {
			continue
		}
		affected = append(affected, channelID)
		if len(participants) == 0 {
			delete(r.channels, channelID)
		}
	}

	sort.Slice(affected, func(i, j int) bool { return affected[i].String() < affected[j].String() })
	return affected
}

func (r *Roster) Participants(channelID uuid.UUID) []Participant {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return sorted(r.channels[channelID])
}

// ActiveCalls maps channel id to the number of participants for every call in progress.
func (r *Roster) ActiveCalls() map[string]int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	active := make(map[string]int, len(r.channels))
	for channelID, participants := range r.channels {
		active[channelID.String()] = len(participants)
	}
	return active
}

func sorted(participants map[Participant]struct{}) []Participant {
	list := make([]Participant, 0, len(participants))
	for p := range participants {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].ServerName != list[j].ServerName {
			return list[i].ServerName < list[j].ServerName
		}
		if list[i].Username != list[j].Username {
			return list[i].Username < list[j].Username
		}
		return list[i].UserID < list[j].UserID
	})
	return list
}
