package hub

import (
	"sync"
	"sync/atomic"
)

const subscriptionBuffer = 100

// Subscription receives every notification delivered in this process.
type Subscription struct {
	ID      int64
	ch      chan Notification
	dropped atomic.Int64
}

func (s *Subscription) C() <-chan Notification {
	return s.ch
}

// Dropped counts notifications lost because the subscriber fell behind.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// LocalPubSub is the table of subscribers in this process.
type LocalPubSub struct {
	mutex       sync.RWMutex
	subscribers map[int64]*Subscription
}

func NewLocalPubSub() *LocalPubSub {
	return &LocalPubSub{subscribers: make(map[int64]*Subscription)}
}

func (ps *LocalPubSub) Subscribe(id int64) *Subscription {
	sub := &Subscription{ID: id, ch: make(chan Notification, subscriptionBuffer)}

	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if old, exists := ps.subscribers[id]; exists {
		close(old.ch)
	}
	ps.subscribers[id] = sub
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (ps *LocalPubSub) Unsubscribe(id int64) {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	sub, exists := ps.subscribers[id]
	if !exists {
		return
	}
	delete(ps.subscribers, id)
	close(sub.ch)
}

// Publish never blocks: a subscriber with a full buffer misses the notification.
// It returns how many subscribers missed it.
func (ps *LocalPubSub) Publish(n Notification) int {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()

	missed := 0
	for _, sub := range ps.subscribers {
		select {
		case sub.ch <- n:
		default:
			sub.dropped.Add(1)
			missed++
		}
	}
	return missed
}

// Len is the number of current subscribers.
func (ps *LocalPubSub) Len() int {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()

	return len(ps.subscribers)
}
