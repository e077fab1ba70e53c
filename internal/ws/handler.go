// Package ws terminates participant websockets and translates the wire
// protocol into store operations scoped to one session. Each connection
// gets a writer goroutine; the reader loop runs on the handler goroutine.
package ws

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/openvtt/backend/internal/hub"
	"github.com/openvtt/backend/internal/statestore"
	"github.com/openvtt/backend/pkg/types"
)

// readTimeout bounds one blocking read. Clients are expected to ping well
// inside this window.
const readTimeout = 60 * time.Second

func Handler(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Same normalization as the join endpoint, so a code that
		// validated there also resolves here.
		code := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("code")))
		userID := r.URL.Query().Get("user")
		name := r.URL.Query().Get("name")
		if code == "" || userID == "" {
			http.Error(w, "missing code or user", http.StatusBadRequest)
			return
		}

		reply := make(chan *hub.Info, 1)
		h.Inbox() <- hub.GetSession{Code: code, Reply: reply}
		info := <-reply
		if info == nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		role := "player"
		if info.Referee == name {
			role = "referee"
		}
		h.Inbox() <- hub.RecordJoin{Code: code, UserID: userID, Name: name, Role: role}

		c := &conn2store{
			store:  h.Store(),
			prefix: "sessions/" + code + "/",
			connID: code + ":" + userID + ":" + randID(6),
			subs:   make(map[string]*statestore.Subscription),
			out:    make(chan types.ServerMessage, 32),
			log:    log.With(zap.String("code", code), zap.String("user", userID)),
		}
		defer c.teardown()

		// Writer goroutine. Sends into out are non-blocking, so a stalled
		// socket can drop frames but never wedges subscription delivery.
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for {
				select {
				case <-writeCtx.Done():
					return
				case msg := <-c.out:
					payload, _ := json.Marshal(msg)
					ctx, cancel := context.WithTimeout(writeCtx, 3*time.Second)
					_ = conn.Write(ctx, websocket.MessageText, payload)
					cancel()
				}
			}
		}()

		// Reader loop.
		for {
			ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				c.send(types.ServerMessage{Type: types.MsgError, Error: "bad json"})
				continue
			}
			c.handle(cm)
		}
	}
}

// conn2store applies one connection's operations to the shared store under
// the session prefix.
type conn2store struct {
	store  *statestore.Store
	prefix string
	connID string
	subs   map[string]*statestore.Subscription
	out    chan types.ServerMessage
	log    *zap.Logger
}

func (c *conn2store) handle(m types.ClientMessage) {
	if !pathAllowed(m.Path) {
		c.reply(m, "path not allowed")
		return
	}
	full := c.prefix + m.Path

	switch m.Op {
	case types.OpWrite:
		var v any
		if err := json.Unmarshal(m.Value, &v); err != nil {
			c.reply(m, "bad value")
			return
		}
		c.replyErr(m, c.store.Set(full, v))

	case types.OpMerge:
		fields, ok := decodeFields(m.Fields)
		if !ok {
			c.reply(m, "bad fields")
			return
		}
		c.replyErr(m, c.store.Update(full, fields))

	case types.OpAppend:
		var v any
		if err := json.Unmarshal(m.Value, &v); err != nil {
			c.reply(m, "bad value")
			return
		}
		id, err := c.store.Push(full, v)
		if err != nil {
			c.replyErr(m, err)
			return
		}
		raw, _ := json.Marshal(map[string]string{"id": id})
		c.send(types.ServerMessage{Type: types.MsgAck, ID: m.ID, Path: m.Path, Value: raw})

	case types.OpRemove:
		c.replyErr(m, c.store.Remove(full))

	case types.OpSubscribe:
		if old, ok := c.subs[m.Path]; ok {
			old.Cancel()
		}
		path := m.Path
		sub, err := c.store.Subscribe(full, func(v any) {
			raw, err := json.Marshal(v)
			if err != nil {
				return
			}
			c.send(types.ServerMessage{Type: types.MsgValue, Path: path, Value: raw})
		})
		if err != nil {
			c.replyErr(m, err)
			return
		}
		c.subs[m.Path] = sub
		c.replyErr(m, nil)

	case types.OpUnsubscribe:
		if sub, ok := c.subs[m.Path]; ok {
			sub.Cancel()
			delete(c.subs, m.Path)
		}
		c.replyErr(m, nil)

	case types.OpOnDisconnect:
		fields, ok := decodeFields(m.Fields)
		if !ok {
			c.reply(m, "bad fields")
			return
		}
		c.replyErr(m, c.store.OnDisconnect(c.connID, full, fields))

	default:
		c.reply(m, "unknown op")
	}
}

func (c *conn2store) replyErr(m types.ClientMessage, err error) {
	if err != nil {
		c.log.Warn("op failed", zap.String("op", m.Op), zap.String("path", m.Path), zap.Error(err))
		c.reply(m, err.Error())
		return
	}
	if m.ID != 0 {
		c.send(types.ServerMessage{Type: types.MsgAck, ID: m.ID, Path: m.Path})
	}
}

func (c *conn2store) reply(m types.ClientMessage, errText string) {
	c.send(types.ServerMessage{Type: types.MsgError, ID: m.ID, Path: m.Path, Error: errText})
}

// send queues a frame for the writer without blocking. Frames to a stalled
// connection are dropped; a subscriber catches up on its next full value.
func (c *conn2store) send(msg types.ServerMessage) {
	select {
	case c.out <- msg:
	default:
	}
}

// teardown cancels subscriptions and fires the store-side disconnect
// compensations. The writer exits with the request context.
func (c *conn2store) teardown() {
	for _, sub := range c.subs {
		sub.Cancel()
	}
	if err := c.store.Disconnect(c.connID); err != nil {
		c.log.Warn("disconnect compensation failed", zap.Error(err))
	}
}

func decodeFields(in map[string]json.RawMessage) (map[string]any, bool) {
	fields := make(map[string]any, len(in))
	for k, raw := range in {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, false
		}
		fields[k] = v
	}
	return fields, true
}

// pathAllowed confines a connection to the session's state and presence
// subtrees.
func pathAllowed(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") || strings.Contains(p, "//") {
		return false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return false
		}
	}
	top, _, _ := strings.Cut(p, "/")
	return top == "state" || top == "presence"
}

func randID(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rand.Intn(len(charset))]
	}
	return string(b)
}
