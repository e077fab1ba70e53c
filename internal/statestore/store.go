// Package statestore implements the path-addressed hierarchical state tree
// behind a session: last-write-wins values, shallow merges, generated-id
// pushes, transactions, per-path value subscriptions, server-assigned
// timestamps, and disconnect-triggered compensating writes.
//
// The tree is owned by a single goroutine fed by a typed message inbox.
// Subscription callbacks run on a per-subscription delivery goroutine behind
// an ordered queue, so writes to the same path reach a subscriber in commit
// order and a slow consumer never stalls the store. No ordering is
// guaranteed across different paths.
package statestore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/openvtt/backend/internal/pushid"
)

var ErrClosed = errors.New("statestore: store is closed")
var ErrInvalidPath = errors.New("statestore: invalid path")

// ServerTimestamp is replaced with the store's commit time in Unix
// milliseconds when a written value is committed. Its JSON form is
// {".sv":"timestamp"}, which the store resolves the same way, so the
// sentinel survives a trip through the wire protocol.
var ServerTimestamp serverTimestamp

type serverTimestamp struct{}

func (serverTimestamp) MarshalJSON() ([]byte, error) {
	return []byte(`{".sv":"timestamp"}`), nil
}

type storeMsg interface{ isStoreMsg() }

type setMsg struct {
	parts []string
	value any
	reply chan error
}

type updateMsg struct {
	parts  []string
	fields map[string]any
	reply  chan error
}

type pushMsg struct {
	parts []string
	value any
	reply chan pushResult
}

type pushResult struct {
	id  string
	err error
}

type getMsg struct {
	parts []string
	reply chan any
}

type txnMsg struct {
	parts []string
	fn    func(current any) (any, error)
	reply chan error
}

type subscribeMsg struct {
	sub   *Subscription
	reply chan struct{}
}

type cancelSubMsg struct{ id int }

type onDisconnectMsg struct {
	clientID string
	parts    []string
	fields   map[string]any
	reply    chan struct{}
}

type disconnectMsg struct {
	clientID string
	reply    chan struct{}
}

func (setMsg) isStoreMsg()          {}
func (updateMsg) isStoreMsg()       {}
func (pushMsg) isStoreMsg()         {}
func (getMsg) isStoreMsg()          {}
func (txnMsg) isStoreMsg()          {}
func (subscribeMsg) isStoreMsg()    {}
func (cancelSubMsg) isStoreMsg()    {}
func (onDisconnectMsg) isStoreMsg() {}
func (disconnectMsg) isStoreMsg()   {}

type compensation struct {
	parts  []string
	fields map[string]any
}

type Store struct {
	inbox  chan storeMsg
	now    func() time.Time
	gen    *pushid.Generator
	ctx    context.Context
	cancel context.CancelFunc
}

func New(parent context.Context) *Store {
	return NewWithClock(parent, time.Now)
}

// NewWithClock injects the clock used for server-assigned timestamps.
func NewWithClock(parent context.Context, now func() time.Time) *Store {
	ctx, cancel := context.WithCancel(parent)
	s := &Store{
		inbox:  make(chan storeMsg, 64),
		now:    now,
		gen:    pushid.NewGenerator(),
		ctx:    ctx,
		cancel: cancel,
	}
	go s.loop()
	return s
}

// Close shuts the store down and stops every subscription. Idempotent.
func (s *Store) Close() {
	s.cancel()
}

// Set replaces the value at path in full. A nil value removes the path.
func (s *Store) Set(path string, value any) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	if err := s.send(setMsg{parts: parts, value: value, reply: reply}); err != nil {
		return err
	}
	return s.waitErr(reply)
}

// Update shallow-merges the named fields into the object at path. A nil
// field value deletes that field.
func (s *Store) Update(path string, fields map[string]any) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	if err := s.send(updateMsg{parts: parts, fields: fields, reply: reply}); err != nil {
		return err
	}
	return s.waitErr(reply)
}

// Push stores value under a freshly generated child id of path and returns
// the id. Ids are chronologically ordered (see package pushid).
func (s *Store) Push(path string, value any) (string, error) {
	parts, err := splitPath(path)
	if err != nil {
		return "", err
	}
	reply := make(chan pushResult, 1)
	if err := s.send(pushMsg{parts: parts, value: value, reply: reply}); err != nil {
		return "", err
	}
	select {
	case r := <-reply:
		return r.id, r.err
	case <-s.ctx.Done():
		return "", ErrClosed
	}
}

// Remove deletes the value at path. Removing an absent path is not an error.
func (s *Store) Remove(path string) error {
	return s.Set(path, nil)
}

// Get returns the current value at path, or nil if absent.
func (s *Store) Get(path string) (any, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	reply := make(chan any, 1)
	if err := s.send(getMsg{parts: parts, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-s.ctx.Done():
		return nil, ErrClosed
	}
}

// Transaction applies fn to the current value at path and commits the
// result in one step against the tree. If fn returns an error nothing is
// written. fn runs on the store goroutine and must not call back into the
// store.
func (s *Store) Transaction(path string, fn func(current any) (any, error)) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	if err := s.send(txnMsg{parts: parts, fn: fn, reply: reply}); err != nil {
		return err
	}
	return s.waitErr(reply)
}

// Subscribe registers fn to be invoked with the full current value at path
// on every commit that touches it, including once immediately with the
// present value (nil if absent).
func (s *Store) Subscribe(path string, fn func(value any)) (*Subscription, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	sub := &Subscription{
		store: s,
		parts: parts,
		fn:    fn,
		kick:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	reply := make(chan struct{}, 1)
	if err := s.send(subscribeMsg{sub: sub, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case <-reply:
	case <-s.ctx.Done():
		return nil, ErrClosed
	}
	go sub.deliver()
	return sub, nil
}

// OnDisconnect registers a compensating shallow merge executed by the store
// when Disconnect(clientID) runs, even though the client itself issues no
// further writes. ServerTimestamp fields resolve at execution time.
func (s *Store) OnDisconnect(clientID, path string, fields map[string]any) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	reply := make(chan struct{}, 1)
	if err := s.send(onDisconnectMsg{clientID: clientID, parts: parts, fields: fields, reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	}
}

// Disconnect executes and clears every compensating write registered for
// clientID. Called by the transport when a connection drops.
func (s *Store) Disconnect(clientID string) error {
	reply := make(chan struct{}, 1)
	if err := s.send(disconnectMsg{clientID: clientID, reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	}
}

func (s *Store) send(m storeMsg) error {
	select {
	case s.inbox <- m:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	}
}

func (s *Store) waitErr(reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-s.ctx.Done():
		return ErrClosed
	}
}

func (s *Store) loop() {
	root := &node{children: make(map[string]*node)}
	subs := make(map[int]*Subscription)
	discs := make(map[string][]compensation)
	nextSub := 0

	notify := func(parts []string) {
		for _, sub := range subs {
			if related(sub.parts, parts) {
				sub.enqueue(materialize(getPath(root, sub.parts)))
			}
		}
	}
	merge := func(parts []string, fields map[string]any) {
		now := s.now().UnixMilli()
		for k, v := range fields {
			setPath(root, append(append([]string{}, parts...), k), resolve(v, now))
		}
		notify(parts)
	}

	for {
		select {
		case <-s.ctx.Done():
			for _, sub := range subs {
				sub.stop()
			}
			return

		case m := <-s.inbox:
			// A close races the inbox; prefer shutdown so callers observe
			// ErrClosed rather than a half-applied operation.
			select {
			case <-s.ctx.Done():
				for _, sub := range subs {
					sub.stop()
				}
				return
			default:
			}
			switch msg := m.(type) {
			case setMsg:
				setPath(root, msg.parts, resolve(msg.value, s.now().UnixMilli()))
				notify(msg.parts)
				msg.reply <- nil

			case updateMsg:
				merge(msg.parts, msg.fields)
				msg.reply <- nil

			case pushMsg:
				id := s.gen.Next()
				setPath(root, append(append([]string{}, msg.parts...), id), resolve(msg.value, s.now().UnixMilli()))
				notify(msg.parts)
				msg.reply <- pushResult{id: id}

			case getMsg:
				msg.reply <- materialize(getPath(root, msg.parts))

			case txnMsg:
				current := materialize(getPath(root, msg.parts))
				next, err := msg.fn(current)
				if err != nil {
					msg.reply <- err
					break
				}
				setPath(root, msg.parts, resolve(next, s.now().UnixMilli()))
				notify(msg.parts)
				msg.reply <- nil

			case subscribeMsg:
				nextSub++
				msg.sub.id = nextSub
				subs[nextSub] = msg.sub
				msg.sub.enqueue(materialize(getPath(root, msg.sub.parts)))
				msg.reply <- struct{}{}

			case cancelSubMsg:
				delete(subs, msg.id)

			case onDisconnectMsg:
				discs[msg.clientID] = append(discs[msg.clientID], compensation{parts: msg.parts, fields: msg.fields})
				msg.reply <- struct{}{}

			case disconnectMsg:
				for _, c := range discs[msg.clientID] {
					merge(c.parts, c.fields)
				}
				delete(discs, msg.clientID)
				msg.reply <- struct{}{}
			}
		}
	}
}

// Subscription is a handle for one registered path listener. It must be
// retained and released with Cancel when its owner leaves the session.
type Subscription struct {
	store *Store
	id    int
	parts []string
	fn    func(any)

	mu      sync.Mutex
	pending []any
	kick    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Cancel stops delivery and unregisters the subscription. Idempotent.
func (sub *Subscription) Cancel() {
	sub.stop()
	select {
	case sub.store.inbox <- cancelSubMsg{id: sub.id}:
	case <-sub.store.ctx.Done():
	}
}

func (sub *Subscription) stop() {
	sub.once.Do(func() { close(sub.done) })
}

func (sub *Subscription) enqueue(v any) {
	sub.mu.Lock()
	sub.pending = append(sub.pending, v)
	sub.mu.Unlock()
	select {
	case sub.kick <- struct{}{}:
	default:
	}
}

func (sub *Subscription) deliver() {
	for {
		select {
		case <-sub.done:
			return
		case <-sub.kick:
			for {
				select {
				case <-sub.done:
					return
				default:
				}
				sub.mu.Lock()
				if len(sub.pending) == 0 {
					sub.mu.Unlock()
					break
				}
				v := sub.pending[0]
				sub.pending = sub.pending[1:]
				sub.mu.Unlock()
				sub.fn(v)
			}
		}
	}
}

func splitPath(p string) ([]string, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil, nil
	}
	parts := strings.Split(p, "/")
	for _, seg := range parts {
		if seg == "" {
			return nil, ErrInvalidPath
		}
	}
	return parts, nil
}

// related reports whether a write at one path is observable at the other:
// true when either is a prefix of (or equal to) the other.
func related(a, b []string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// resolve replaces ServerTimestamp sentinels (either the Go value or its
// {".sv":"timestamp"} wire form) with the commit time in milliseconds.
func resolve(v any, now int64) any {
	switch t := v.(type) {
	case serverTimestamp:
		return float64(now)
	case map[string]any:
		if len(t) == 1 {
			if sv, ok := t[".sv"]; ok && sv == "timestamp" {
				return float64(now)
			}
		}
		out := make(map[string]any, len(t))
		for k, cv := range t {
			out[k] = resolve(cv, now)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, cv := range t {
			out[i] = resolve(cv, now)
		}
		return out
	default:
		return v
	}
}
