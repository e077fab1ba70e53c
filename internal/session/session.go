// Package session assembles the per-participant view of one game session:
// a sync engine scoped to the session, presence, the battle map, combat,
// annotations, character sheets, and the message log, with one Join/Leave
// lifecycle tying them together.
package session

import (
	"fmt"
	"sync"

	"github.com/openvtt/backend/internal/annotations"
	"github.com/openvtt/backend/internal/battlemap"
	"github.com/openvtt/backend/internal/character"
	"github.com/openvtt/backend/internal/chat"
	"github.com/openvtt/backend/internal/combat"
	"github.com/openvtt/backend/internal/dice"
	"github.com/openvtt/backend/internal/eventbus"
	"github.com/openvtt/backend/internal/presence"
	"github.com/openvtt/backend/internal/statestore"
	"github.com/openvtt/backend/internal/syncengine"
)

type Role string

const (
	RoleReferee Role = "referee"
	RolePlayer  Role = "player"
)

// User identifies the participant joining a session.
type User struct {
	ID          string
	DisplayName string
	Role        Role
}

// Client is one participant's live handle on a session. All component
// fields are ready for use after Join returns.
type Client struct {
	SessionID string
	User      User

	Engine      *syncengine.Engine
	Bus         *eventbus.Bus
	Presence    *presence.Tracker
	BattleMap   *battlemap.Service
	Combat      *combat.Machine
	Annotations *annotations.Store
	Characters  *character.Service
	Chat        *chat.Log

	mu   sync.Mutex
	left bool
}

// Join wires a participant into the session. On any wiring failure the
// partially built client is torn down before the error is returned.
func Join(store *statestore.Store, sessionID, connID string, user User) (*Client, error) {
	if user.Role == "" {
		user.Role = RolePlayer
	}
	c := &Client{
		SessionID: sessionID,
		User:      user,
		Engine:    syncengine.New(store, sessionID, connID),
		Bus:       eventbus.New(),
	}
	referee := user.Role == RoleReferee

	var err error
	c.BattleMap, err = battlemap.New(c.Engine, c.Bus, dice.NewRoller(), user.ID, user.DisplayName, referee)
	if err != nil {
		return nil, c.abort(fmt.Errorf("join battle map: %w", err))
	}
	c.Combat, err = combat.New(c.Engine, c.Bus, c.BattleMap.Tokens)
	if err != nil {
		return nil, c.abort(fmt.Errorf("join combat: %w", err))
	}
	c.Annotations, err = annotations.New(c.Engine)
	if err != nil {
		return nil, c.abort(fmt.Errorf("join annotations: %w", err))
	}
	c.Characters, err = character.New(c.Engine, user.ID)
	if err != nil {
		return nil, c.abort(fmt.Errorf("join characters: %w", err))
	}
	c.Chat, err = chat.New(c.Engine, c.Bus, user.DisplayName)
	if err != nil {
		return nil, c.abort(fmt.Errorf("join chat: %w", err))
	}

	c.Presence = presence.NewTracker(store, sessionID, user.ID, user.DisplayName, connID, nil)
	if err := c.Presence.Enter(); err != nil {
		return nil, c.abort(fmt.Errorf("join presence: %w", err))
	}
	return c, nil
}

func (c *Client) abort(err error) error {
	if c.Chat != nil {
		c.Chat.Close()
	}
	c.Engine.Dispose()
	return err
}

// Leave withdraws the participant: presence is cleared, subscriptions are
// cancelled, and a departure event is published for anyone still listening
// on this client's bus. Calling Leave more than once is safe.
func (c *Client) Leave() {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return
	}
	c.left = true
	c.mu.Unlock()

	// Publish before teardown so the chat echo still writes the departure
	// notice into the shared log.
	c.Bus.Publish(eventbus.TopicSessionLeft, c.User.DisplayName)

	if c.Presence != nil {
		c.Presence.Leave()
	}
	if c.Chat != nil {
		c.Chat.Close()
	}
	c.Engine.Dispose()
}

// Referee reports whether this participant holds the referee role.
func (c *Client) Referee() bool { return c.User.Role == RoleReferee }
