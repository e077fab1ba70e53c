// Package presence publishes the local participant's liveness under a
// session and observes peers' liveness. Detection of a dead client is
// delegated entirely to the store's disconnect-triggered write: a
// disconnecting client cannot run code after disconnecting.
package presence

import (
	"fmt"
	"sort"

	"github.com/openvtt/backend/internal/statestore"
)

// Entry is the stored presence record for one participant. At most one
// entry exists per participant id per session.
type Entry struct {
	Name     string `json:"name"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"lastSeen"`
}

// Peer is one other participant currently online.
type Peer struct {
	UserID   string
	Name     string
	LastSeen int64
}

type Tracker struct {
	store     *statestore.Store
	sessionID string
	userID    string
	name      string
	connID    string
	onPeers   func([]Peer)

	sub *statestore.Subscription
}

func NewTracker(store *statestore.Store, sessionID, userID, displayName, connID string, onPeers func([]Peer)) *Tracker {
	return &Tracker{
		store:     store,
		sessionID: sessionID,
		userID:    userID,
		name:      displayName,
		connID:    connID,
		onPeers:   onPeers,
	}
}

// Enter writes this participant's presence entry, registers the store-side
// on-disconnect compensation, and subscribes to the session's presence
// collection. If the initial write fails no retry is attempted; the caller
// surfaces the error and may re-enter.
func (t *Tracker) Enter() error {
	own := t.ownPath()
	err := t.store.Set(own, map[string]any{
		"name":     t.name,
		"online":   true,
		"lastSeen": statestore.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("presence write: %w", err)
	}

	err = t.store.OnDisconnect(t.connID, own, map[string]any{
		"online":   false,
		"lastSeen": statestore.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("presence on-disconnect: %w", err)
	}

	sub, err := t.store.Subscribe(t.collectionPath(), t.recompute)
	if err != nil {
		return fmt.Errorf("presence subscribe: %w", err)
	}
	t.sub = sub
	return nil
}

// Leave marks this participant offline and stops observing peers. The
// on-disconnect compensation stays registered; it is a harmless repeat if
// the transport later fires it.
func (t *Tracker) Leave() {
	if t.sub != nil {
		t.sub.Cancel()
		t.sub = nil
	}
	_ = t.store.Update(t.ownPath(), map[string]any{
		"online":   false,
		"lastSeen": statestore.ServerTimestamp,
	})
}

// recompute rebuilds the visible online-peer list from the full presence
// collection, excluding this participant.
func (t *Tracker) recompute(v any) {
	if t.onPeers == nil {
		return
	}
	coll, _ := v.(map[string]any)
	peers := make([]Peer, 0, len(coll))
	for uid, raw := range coll {
		if uid == t.userID {
			continue
		}
		entry, _ := raw.(map[string]any)
		online, _ := entry["online"].(bool)
		if !online {
			continue
		}
		name, _ := entry["name"].(string)
		lastSeen, _ := entry["lastSeen"].(float64)
		peers = append(peers, Peer{UserID: uid, Name: name, LastSeen: int64(lastSeen)})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].UserID < peers[j].UserID })
	t.onPeers(peers)
}

func (t *Tracker) ownPath() string {
	return "sessions/" + t.sessionID + "/presence/" + t.userID
}

func (t *Tracker) collectionPath() string {
	return "sessions/" + t.sessionID + "/presence"
}
