// Package chat maintains the session message log. Messages are appended as
// push-id children so lexical child order is chronological order, and the
// log echoes dice rolls and departure events published on the bus.
package chat

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/openvtt/backend/internal/dice"
	"github.com/openvtt/backend/internal/eventbus"
	"github.com/openvtt/backend/internal/statestore"
	"github.com/openvtt/backend/internal/syncengine"
)

const messagesPath = "messages"

const (
	TypeChat   = "chat"
	TypeSystem = "system"
	TypeDice   = "dice"
)

type Message struct {
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// Entry pairs a message with its push id, which doubles as its sort key.
type Entry struct {
	ID string
	Message
}

type Log struct {
	engine   *syncengine.Engine
	userName string

	mu      sync.Mutex
	entries []Entry

	busSubs []*eventbus.Subscription
}

func New(engine *syncengine.Engine, bus *eventbus.Bus, userName string) (*Log, error) {
	l := &Log{engine: engine, userName: userName}
	if _, err := engine.Subscribe(messagesPath, l.onChange); err != nil {
		return nil, fmt.Errorf("chat subscribe: %w", err)
	}
	l.busSubs = append(l.busSubs,
		bus.Subscribe(eventbus.TopicChatMessage, l.onChatMessage),
		bus.Subscribe(eventbus.TopicDiceRoll, l.onDiceRoll),
		bus.Subscribe(eventbus.TopicSessionLeft, l.onSessionLeft),
	)
	return l, nil
}

// Close detaches the bus echoes. The store subscription is torn down with
// the engine.
func (l *Log) Close() {
	for _, s := range l.busSubs {
		s.Unsubscribe()
	}
}

func (l *Log) onChange(raw json.RawMessage) {
	var byID map[string]Message
	if raw != nil {
		_ = json.Unmarshal(raw, &byID)
	}
	entries := make([]Entry, 0, len(byID))
	for id, m := range byID {
		entries = append(entries, Entry{ID: id, Message: m})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	l.mu.Lock()
	l.entries = entries
	l.mu.Unlock()
}

// onChatMessage lets other subsystems post into the log without linking
// against this package.
func (l *Log) onChatMessage(payload any) {
	text, ok := payload.(string)
	if !ok {
		return
	}
	_ = l.Send(text)
}

func (l *Log) onDiceRoll(payload any) {
	rec, ok := payload.(dice.Record)
	if !ok {
		return
	}
	_ = l.append(Message{
		Sender: rec.Roller,
		Text:   formatRoll(rec),
		Type:   TypeDice,
	})
}

func (l *Log) onSessionLeft(payload any) {
	name, ok := payload.(string)
	if !ok || name == "" {
		return
	}
	_ = l.SendSystemMessage(name + " left the session")
}

// Messages returns the log in chronological order.
func (l *Log) Messages() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Send appends a chat message from the local participant. The timestamp is
// assigned at commit, so clock skew between participants cannot reorder the
// log relative to the push-id order.
func (l *Log) Send(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return l.append(Message{Sender: l.userName, Text: text, Type: TypeChat})
}

// SendSystemMessage appends an unattributed notice to the log.
func (l *Log) SendSystemMessage(text string) error {
	return l.append(Message{Sender: "System", Text: text, Type: TypeSystem})
}

func (l *Log) append(m Message) error {
	fields := map[string]any{
		"sender":    m.Sender,
		"text":      m.Text,
		"type":      m.Type,
		"timestamp": statestore.ServerTimestamp,
	}
	_, err := l.engine.Append(messagesPath, fields)
	return err
}

func formatRoll(rec dice.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "rolled %s:", rec.Notation())
	for i, r := range rec.Rolls {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, " %d", r)
	}
	if rec.Modifier != 0 {
		fmt.Fprintf(&b, " (%+d)", rec.Modifier)
	}
	fmt.Fprintf(&b, " = %d", rec.Total)
	return b.String()
}
