package eip

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/yatesdr/plctag/cip"
)

// SessionKey identifies a shareable Session: same gateway, same routing
// path, same PLC family, and same connected/unconnected mode all have to
// match before two tags are allowed to reuse one Session.
type SessionKey struct {
	Gateway    string
	PathPrefix string
	Family     cip.Family
	Connected  bool
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%s|%s|%d|connected=%v", k.Gateway, k.PathPrefix, k.Family, k.Connected)
}

// Registry maps SessionKey to a shared, reference-counted Session. Many tags
// that target the same gateway over the same routing path share one
// TCP connection and one registered session instead of opening one each.
type Registry struct {
	mu       sync.Mutex
	sessions map[SessionKey]*Session
	timeout  time.Duration
	connect  singleflight.Group
}

// NewRegistry creates an empty session registry. timeout is used as the
// per-request deadline for sessions it creates.
func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{
		sessions: make(map[SessionKey]*Session),
		timeout:  timeout,
	}
}

// Acquire returns the shared Session for key, connecting a new one if none
// exists yet or the existing one has dropped its socket. The caller must
// call Release when done with the session.
//
// Concurrent first-time Acquires for the same key are collapsed onto a
// single connect attempt via singleflight: without this, the map-lookup-then-
// insert below would race (both callers miss the cache, both dial and
// register a session, and the second Store silently strands the first
// session with no referent left to release it).
func (r *Registry) Acquire(ctx context.Context, key SessionKey) (*Session, error) {
	r.mu.Lock()
	sess, ok := r.sessions[key]
	r.mu.Unlock()

	if ok && sess.IsConnected() {
		sess.Acquire()
		return sess, nil
	}

	v, err, _ := r.connect.Do(key.String(), func() (interface{}, error) {
		r.mu.Lock()
		sess, ok := r.sessions[key]
		r.mu.Unlock()
		if ok && sess.IsConnected() {
			return sess, nil
		}

		sess, err := r.connectWithBackoff(ctx, key)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.sessions[key] = sess
		r.mu.Unlock()
		return sess, nil
	})
	if err != nil {
		return nil, err
	}

	sess = v.(*Session)
	sess.Acquire()
	return sess, nil
}

// Release decrements the session's reference count and, if it reaches zero,
// closes and evicts it from the registry.
func (r *Registry) Release(key SessionKey, sess *Session) {
	if sess.Release() > 0 {
		return
	}

	r.mu.Lock()
	if r.sessions[key] == sess {
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	_ = sess.Close()
}

// connectWithBackoff dials a new Session for key, retrying with exponential
// backoff bounded at 5 seconds until ctx is done. A gateway that is merely
// slow to accept a TCP handshake or register a session should not make the
// registry give up on the first attempt the way a single dial does.
func (r *Registry) connectWithBackoff(ctx context.Context, key SessionKey) (*Session, error) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second

	var lastErr error
	for {
		sess := NewSession(key.Gateway, r.timeout)
		sess.setFamily(key.Family)
		if err := sess.Connect(ctx); err == nil {
			return sess, nil
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("eip: registry: connect %s: %w (last error: %v)", key, ctx.Err(), lastErr)
		case <-time.After(backoff):
		}

		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// Close closes every session currently held by the registry, regardless of
// reference count. Intended for process shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for k, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, k)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
}
