// Package syncengine binds the state store to one session and exposes the
// operation contract every session-scoped domain component is built on:
// Write, Merge, Append, Remove, Read, Subscribe, AtomicUpdate, Dispose.
//
// Values cross the engine boundary as Go structs marshaled to and from
// JSON, so each path carries one schema validated at the serialization
// boundary rather than loose dynamic records.
package syncengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/openvtt/backend/internal/statestore"
)

var ErrDisposed = errors.New("syncengine: engine disposed")

// SyncError reports a store or transport rejection of one operation. The
// core never retries; the initiating action must be repeated by the user.
type SyncError struct {
	Op   string
	Path string
	Err  error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Engine scopes all operations under sessions/{id}/state and owns the
// lifecycle of every subscription created through it.
type Engine struct {
	store     *statestore.Store
	sessionID string
	connID    string
	prefix    string

	mu       sync.Mutex
	subs     []*statestore.Subscription
	disposed bool
}

func New(store *statestore.Store, sessionID, connID string) *Engine {
	return &Engine{
		store:     store,
		sessionID: sessionID,
		connID:    connID,
		prefix:    "sessions/" + sessionID + "/state/",
	}
}

func (e *Engine) SessionID() string { return e.sessionID }

// Write replaces the value at path in full. No partial application.
func (e *Engine) Write(path string, v any) error {
	if e.isDisposed() {
		return &SyncError{Op: "write", Path: path, Err: ErrDisposed}
	}
	tree, err := toTree(v)
	if err != nil {
		return &SyncError{Op: "write", Path: path, Err: err}
	}
	if err := e.store.Set(e.prefix+path, tree); err != nil {
		return &SyncError{Op: "write", Path: path, Err: err}
	}
	return nil
}

// Merge shallow-merges the named fields into the object at path, leaving
// untouched fields intact.
func (e *Engine) Merge(path string, fields map[string]any) error {
	if e.isDisposed() {
		return &SyncError{Op: "merge", Path: path, Err: ErrDisposed}
	}
	norm := make(map[string]any, len(fields))
	for k, v := range fields {
		tree, err := toTree(v)
		if err != nil {
			return &SyncError{Op: "merge", Path: path, Err: err}
		}
		norm[k] = tree
	}
	if err := e.store.Update(e.prefix+path, norm); err != nil {
		return &SyncError{Op: "merge", Path: path, Err: err}
	}
	return nil
}

// Append stores item under a freshly generated id at path and returns the
// id. Used for collection-style children.
func (e *Engine) Append(path string, item any) (string, error) {
	if e.isDisposed() {
		return "", &SyncError{Op: "append", Path: path, Err: ErrDisposed}
	}
	tree, err := toTree(item)
	if err != nil {
		return "", &SyncError{Op: "append", Path: path, Err: err}
	}
	id, err := e.store.Push(e.prefix+path, tree)
	if err != nil {
		return "", &SyncError{Op: "append", Path: path, Err: err}
	}
	return id, nil
}

// Remove deletes the value at path. Removing an absent path is not an error.
func (e *Engine) Remove(path string) error {
	if e.isDisposed() {
		return &SyncError{Op: "remove", Path: path, Err: ErrDisposed}
	}
	if err := e.store.Remove(e.prefix + path); err != nil {
		return &SyncError{Op: "remove", Path: path, Err: err}
	}
	return nil
}

// Read unmarshals the current value at path into out. An absent value
// leaves out untouched and reports ok=false; callers must tolerate that for
// ids they believe exist.
func (e *Engine) Read(path string, out any) (bool, error) {
	if e.isDisposed() {
		return false, &SyncError{Op: "read", Path: path, Err: ErrDisposed}
	}
	v, err := e.store.Get(e.prefix + path)
	if err != nil {
		return false, &SyncError{Op: "read", Path: path, Err: err}
	}
	if v == nil {
		return false, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return false, &SyncError{Op: "read", Path: path, Err: err}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, &SyncError{Op: "read", Path: path, Err: err}
	}
	return true, nil
}

// Subscribe invokes fn with the full current JSON value at path on every
// change, including once immediately with the present value (nil when
// absent). The handle is owned by the engine and released by Dispose; it
// may also be cancelled individually.
func (e *Engine) Subscribe(path string, fn func(raw json.RawMessage)) (*statestore.Subscription, error) {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return nil, &SyncError{Op: "subscribe", Path: path, Err: ErrDisposed}
	}
	e.mu.Unlock()

	sub, err := e.store.Subscribe(e.prefix+path, func(v any) {
		if v == nil {
			fn(nil)
			return
		}
		raw, err := json.Marshal(v)
		if err != nil {
			// Tree values are JSON-safe by construction; an absent
			// payload is the only honest fallback.
			fn(nil)
			return
		}
		fn(raw)
	})
	if err != nil {
		return nil, &SyncError{Op: "subscribe", Path: path, Err: err}
	}

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		sub.Cancel()
		return nil, &SyncError{Op: "subscribe", Path: path, Err: ErrDisposed}
	}
	e.subs = append(e.subs, sub)
	e.mu.Unlock()
	return sub, nil
}

// AtomicUpdate applies fn to the current value at path and commits the
// result in a single round trip against the store's read-modify-write
// primitive. Not a cross-path transaction.
func (e *Engine) AtomicUpdate(path string, fn func(current json.RawMessage) (any, error)) error {
	if e.isDisposed() {
		return &SyncError{Op: "atomicUpdate", Path: path, Err: ErrDisposed}
	}
	err := e.store.Transaction(e.prefix+path, func(current any) (any, error) {
		var raw json.RawMessage
		if current != nil {
			b, err := json.Marshal(current)
			if err != nil {
				return nil, err
			}
			raw = b
		}
		next, err := fn(raw)
		if err != nil {
			return nil, err
		}
		return toTree(next)
	})
	if err != nil {
		return &SyncError{Op: "atomicUpdate", Path: path, Err: err}
	}
	return nil
}

// OnDisconnectMerge registers a store-side compensating merge executed if
// this participant's connection drops without a clean leave.
func (e *Engine) OnDisconnectMerge(path string, fields map[string]any) error {
	if e.isDisposed() {
		return &SyncError{Op: "onDisconnect", Path: path, Err: ErrDisposed}
	}
	norm := make(map[string]any, len(fields))
	for k, v := range fields {
		tree, err := toTree(v)
		if err != nil {
			return &SyncError{Op: "onDisconnect", Path: path, Err: err}
		}
		norm[k] = tree
	}
	if err := e.store.OnDisconnect(e.connID, e.prefix+path, norm); err != nil {
		return &SyncError{Op: "onDisconnect", Path: path, Err: err}
	}
	return nil
}

// Dispose unregisters every subscription created through this engine. Must
// be called when leaving a session; safe to call more than once.
func (e *Engine) Dispose() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}

func (e *Engine) isDisposed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disposed
}

// toTree converts a boundary value into the store's plain-value form via a
// JSON round trip. The statestore ServerTimestamp sentinel survives as its
// wire form and is resolved at commit.
func toTree(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
