// Package hub owns the set of live sessions. It is a single-goroutine actor
// addressed by typed messages: handlers mint room codes through it, resolve
// codes to sessions, and retire sessions when the table closes.
package hub

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/openvtt/backend/internal/statestore"
)

const codeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Recorder is the archive surface the hub writes through. A nil Recorder
// disables archiving.
type Recorder interface {
	RecordSession(code, name, referee string) error
	RecordJoin(code, userID, name, role string) error
	RecordMessage(code, sender, text, msgType string, sentAt time.Time) error
	RecordClose(code string) error
}

// Info describes one live session.
type Info struct {
	Code      string `json:"code"`
	Name      string `json:"name"`
	Referee   string `json:"referee"`
	CreatedAt int64  `json:"createdAt"`
}

type HubMsg interface{ isHubMsg() }

type CreateSession struct {
	Name    string
	Referee string
	Reply   chan Info
}

type GetSession struct {
	Code  string
	Reply chan *Info
}

type RecordJoin struct {
	Code   string
	UserID string
	Name   string
	Role   string
}

type RemoveSession struct {
	Code string
}

type ShutdownHub struct{}

func (CreateSession) isHubMsg() {}
func (GetSession) isHubMsg()    {}
func (RecordJoin) isHubMsg()    {}
func (RemoveSession) isHubMsg() {}
func (ShutdownHub) isHubMsg()   {}

type liveSession struct {
	info     Info
	archiver *statestore.Subscription
	seen     map[string]bool
}

type Hub struct {
	inbox    chan HubMsg
	store    *statestore.Store
	rec      Recorder
	log      *zap.Logger
	sessions map[string]*liveSession
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewHub(parent context.Context, store *statestore.Store, rec Recorder, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:    make(chan HubMsg, 64),
		store:    store,
		rec:      rec,
		log:      log,
		sessions: make(map[string]*liveSession),
		ctx:      ctx,
		cancel:   cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Store exposes the shared state store handlers join sessions against.
func (h *Hub) Store() *statestore.Store { return h.store }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateSession:
				msg.Reply <- h.createSession(msg.Name, msg.Referee)

			case GetSession:
				if live, ok := h.sessions[msg.Code]; ok {
					info := live.info
					msg.Reply <- &info
					break
				}
				msg.Reply <- nil

			case RecordJoin:
				if _, ok := h.sessions[msg.Code]; !ok {
					break
				}
				if h.rec != nil {
					if err := h.rec.RecordJoin(msg.Code, msg.UserID, msg.Name, msg.Role); err != nil {
						h.log.Warn("archive join failed", zap.String("code", msg.Code), zap.Error(err))
					}
				}

			case RemoveSession:
				h.removeSession(msg.Code)

			case ShutdownHub:
				for code := range h.sessions {
					h.removeSession(code)
				}
				h.cancel()
			}
		}
	}
}

func (h *Hub) createSession(name, referee string) Info {
	code := h.mintCode()
	info := Info{Code: code, Name: name, Referee: referee, CreatedAt: time.Now().UnixMilli()}

	err := h.store.Set("sessions/"+code+"/meta", map[string]any{
		"name":      name,
		"referee":   referee,
		"createdAt": statestore.ServerTimestamp,
	})
	if err != nil {
		h.log.Error("session meta write failed", zap.String("code", code), zap.Error(err))
	}

	live := &liveSession{info: info, seen: make(map[string]bool)}
	if h.rec != nil {
		if err := h.rec.RecordSession(code, name, referee); err != nil {
			h.log.Warn("archive session failed", zap.String("code", code), zap.Error(err))
		}
		live.archiver = h.watchMessages(code, live.seen)
	}
	h.sessions[code] = live

	h.log.Info("session created", zap.String("code", code), zap.String("referee", referee))
	return info
}

// watchMessages archives each chat message once as it lands in the shared
// log. The subscription delivers the whole collection; seen filters it down
// to the new children.
func (h *Hub) watchMessages(code string, seen map[string]bool) *statestore.Subscription {
	type message struct {
		Sender    string `json:"sender"`
		Text      string `json:"text"`
		Type      string `json:"type"`
		Timestamp int64  `json:"timestamp"`
	}
	sub, err := h.store.Subscribe("sessions/"+code+"/state/messages", func(v any) {
		raw, err := json.Marshal(v)
		if err != nil {
			return
		}
		var byID map[string]message
		if err := json.Unmarshal(raw, &byID); err != nil {
			return
		}
		for id, m := range byID {
			if seen[id] {
				continue
			}
			seen[id] = true
			err := h.rec.RecordMessage(code, m.Sender, m.Text, m.Type, time.UnixMilli(m.Timestamp))
			if err != nil {
				h.log.Warn("archive message failed", zap.String("code", code), zap.Error(err))
			}
		}
	})
	if err != nil {
		h.log.Warn("message watch failed", zap.String("code", code), zap.Error(err))
		return nil
	}
	return sub
}

func (h *Hub) removeSession(code string) {
	live, ok := h.sessions[code]
	if !ok {
		return
	}
	if live.archiver != nil {
		live.archiver.Cancel()
	}
	if h.rec != nil {
		if err := h.rec.RecordClose(code); err != nil {
			h.log.Warn("archive close failed", zap.String("code", code), zap.Error(err))
		}
	}
	if err := h.store.Remove("sessions/" + code); err != nil {
		h.log.Warn("session state removal failed", zap.String("code", code), zap.Error(err))
	}
	delete(h.sessions, code)
	h.log.Info("session removed", zap.String("code", code))
}

// mintCode generates a code no live session is using.
func (h *Hub) mintCode() string {
	for {
		code := generateCode()
		if _, taken := h.sessions[code]; !taken {
			return code
		}
	}
}

func generateCode() string {
	code := make([]byte, 6)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeCharset))))
		if err != nil {
			// crypto/rand only fails if the platform source is broken.
			panic(err)
		}
		code[i] = codeCharset[n.Int64()]
	}
	return string(code)
}
