// Package presence tracks which users currently hold an open connection.
//
// The registry is a process-local, disposable cache: it starts empty, is
// filled by Connect and pruned by Disconnect or Sweep, and is never
// persisted. One active connection per user is assumed; a newer Connect
// replaces the older entry and a late Disconnect of the replaced connection
// is ignored.
package presence

import (
	"sort"
	"sync"
	"time"
)

// Publisher receives online/offline transitions. It is called without the
// registry lock held, one transition at a time and in the order the
// transitions were applied.
type Publisher interface {
	PublishPresence(userID string, online bool)
}

type entry struct {
	connID   string
	lastSeen time.Time
}

// Registry maps user ids to their active connection id.
type Registry struct {
	// publishMu spans a state change and its publish so transitions reach
	// the publisher in the order they were applied. Taken before mu.
	publishMu sync.Mutex

	mu     sync.Mutex
	byUser map[string]entry
	byConn map[string]string // connection id -> user id

	publisher Publisher
	now       func() time.Time
}

// NewRegistry creates an empty registry. publisher may be nil.
func NewRegistry(publisher Publisher) *Registry {
	return &Registry{
		byUser:    make(map[string]entry),
		byConn:    make(map[string]string),
		publisher: publisher,
		now:       time.Now,
	}
}

// SetPublisher replaces the transition publisher.
func (r *Registry) SetPublisher(p Publisher) {
	r.mu.Lock()
	r.publisher = p
	r.mu.Unlock()
}

// Connect records connID as userID's active connection and announces the
// user online. It returns the connection id it replaced, if any.
func (r *Registry) Connect(userID, connID string) (replaced string) {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	r.mu.Lock()
	if prev, ok := r.byUser[userID]; ok && prev.connID != connID {
		replaced = prev.connID
		delete(r.byConn, prev.connID)
	}
	// 別ユーザーとして登録済みの接続なら付け替える
	if other, ok := r.byConn[connID]; ok && other != userID {
		delete(r.byUser, other)
	}
	r.byUser[userID] = entry{connID: connID, lastSeen: r.now()}
	r.byConn[connID] = userID
	pub := r.publisher
	r.mu.Unlock()

	if pub != nil {
		pub.PublishPresence(userID, true)
	}
	return replaced
}

// Disconnect removes the entry owned by connID and announces its user
// offline. A connection that is no longer the user's active one changes
// nothing.
func (r *Registry) Disconnect(connID string) (userID string, ok bool) {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	r.mu.Lock()
	userID, ok = r.byConn[connID]
	if ok {
		delete(r.byConn, connID)
		if cur, exists := r.byUser[userID]; exists && cur.connID == connID {
			delete(r.byUser, userID)
		} else {
			ok = false
		}
	}
	pub := r.publisher
	r.mu.Unlock()

	if ok && pub != nil {
		pub.PublishPresence(userID, false)
	}
	return userID, ok
}

// Touch marks connID as active now.
func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[connID]
	if !ok {
		return
	}
	if cur := r.byUser[userID]; cur.connID == connID {
		cur.lastSeen = r.now()
		r.byUser[userID] = cur
	}
}

// Sweep disconnects every connection idle for longer than idle and returns
// their ids so the caller can close them.
func (r *Registry) Sweep(idle time.Duration) []string {
	if idle <= 0 {
		return nil
	}

	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	r.mu.Lock()
	cutoff := r.now().Add(-idle)
	var stale, users []string
	for userID, e := range r.byUser {
		if e.lastSeen.Before(cutoff) {
			stale = append(stale, e.connID)
			users = append(users, userID)
			delete(r.byUser, userID)
			delete(r.byConn, e.connID)
		}
	}
	pub := r.publisher
	r.mu.Unlock()

	if pub != nil {
		for _, userID := range users {
			pub.PublishPresence(userID, false)
		}
	}
	sort.Strings(stale)
	return stale
}

// IsOnline reports whether userID has an active connection. It is a
// liveness hint only.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byUser[userID]
	return ok
}

// connectionOf returns userID's active connection id.
func (r *Registry) connectionOf(userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byUser[userID]
	return e.connID, ok
}

// Online returns the ids of every online user, sorted.
func (r *Registry) Online() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of online users.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}
