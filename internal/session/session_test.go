package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openvtt/backend/internal/chat"
	"github.com/openvtt/backend/internal/presence"
	"github.com/openvtt/backend/internal/statestore"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached in time")
}

func newStore(t *testing.T) *statestore.Store {
	t.Helper()
	store := statestore.New(context.Background())
	t.Cleanup(store.Close)
	return store
}

func TestJoin_AssemblesClient(t *testing.T) {
	store := newStore(t)

	c, err := Join(store, "s1", "conn-u1", User{ID: "u1", DisplayName: "Alice", Role: RoleReferee})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	t.Cleanup(c.Leave)

	if c.BattleMap == nil || c.Combat == nil || c.Annotations == nil || c.Characters == nil || c.Chat == nil || c.Presence == nil {
		t.Fatalf("client missing components: %+v", c)
	}
	if !c.Referee() {
		t.Fatalf("referee role not applied")
	}

	// The assembled client is live against the shared store.
	tok, err := c.BattleMap.CreateToken("Goblin")
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	var stored map[string]any
	ok, err := c.Engine.Read("battleMap/tokens/"+tok.ID, &stored)
	if err != nil || !ok {
		t.Fatalf("token not stored: ok=%v err=%v", ok, err)
	}
}

func TestJoin_DefaultsToPlayerRole(t *testing.T) {
	store := newStore(t)

	c, err := Join(store, "s1", "conn-u1", User{ID: "u1", DisplayName: "Bob"})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	t.Cleanup(c.Leave)

	if c.User.Role != RolePlayer || c.Referee() {
		t.Fatalf("role = %q", c.User.Role)
	}
}

func TestTwoParticipants_ShareState(t *testing.T) {
	store := newStore(t)

	alice, err := Join(store, "s1", "conn-u1", User{ID: "u1", DisplayName: "Alice", Role: RoleReferee})
	if err != nil {
		t.Fatalf("join alice: %v", err)
	}
	t.Cleanup(alice.Leave)
	bob, err := Join(store, "s1", "conn-u2", User{ID: "u2", DisplayName: "Bob"})
	if err != nil {
		t.Fatalf("join bob: %v", err)
	}
	t.Cleanup(bob.Leave)

	if err := alice.Chat.Send("roll for initiative"); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, func() bool { return len(bob.Chat.Messages()) == 1 })
	if got := bob.Chat.Messages()[0]; got.Sender != "Alice" || got.Text != "roll for initiative" {
		t.Fatalf("bob sees %+v", got)
	}
}

func TestLeave_PublishesDepartureNotice(t *testing.T) {
	store := newStore(t)

	alice, err := Join(store, "s1", "conn-u1", User{ID: "u1", DisplayName: "Alice", Role: RoleReferee})
	if err != nil {
		t.Fatalf("join alice: %v", err)
	}
	t.Cleanup(alice.Leave)
	bob, err := Join(store, "s1", "conn-u2", User{ID: "u2", DisplayName: "Bob"})
	if err != nil {
		t.Fatalf("join bob: %v", err)
	}

	bob.Leave()

	waitFor(t, func() bool {
		for _, m := range alice.Chat.Messages() {
			if m.Type == chat.TypeSystem && m.Text == "Bob left the session" {
				return true
			}
		}
		return false
	})
}

func TestLeave_Idempotent(t *testing.T) {
	store := newStore(t)

	alice, err := Join(store, "s1", "conn-u1", User{ID: "u1", DisplayName: "Alice", Role: RoleReferee})
	if err != nil {
		t.Fatalf("join alice: %v", err)
	}
	bob, err := Join(store, "s1", "conn-u2", User{ID: "u2", DisplayName: "Bob"})
	if err != nil {
		t.Fatalf("join bob: %v", err)
	}
	t.Cleanup(alice.Leave)

	bob.Leave()
	bob.Leave()

	waitFor(t, func() bool {
		n := 0
		for _, m := range alice.Chat.Messages() {
			if m.Type == chat.TypeSystem {
				n++
			}
		}
		return n == 1
	})
	time.Sleep(50 * time.Millisecond)
	n := 0
	for _, m := range alice.Chat.Messages() {
		if m.Type == chat.TypeSystem {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("repeat Leave produced %d notices", n)
	}
}

func TestLeave_ClearsPresenceForPeers(t *testing.T) {
	store := newStore(t)

	var mu sync.Mutex
	var last []presence.Peer
	watcher := presence.NewTracker(store, "s1", "u0", "Watcher", "conn-u0", func(peers []presence.Peer) {
		mu.Lock()
		last = append([]presence.Peer(nil), peers...)
		mu.Unlock()
	})
	if err := watcher.Enter(); err != nil {
		t.Fatalf("watcher enter: %v", err)
	}
	t.Cleanup(watcher.Leave)

	bob, err := Join(store, "s1", "conn-u2", User{ID: "u2", DisplayName: "Bob"})
	if err != nil {
		t.Fatalf("join bob: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 1 && last[0].UserID == "u2"
	})

	bob.Leave()
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 0
	})
}
