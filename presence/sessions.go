package presence

import (
	"time"
)

// Session links a live connection to a user and, once joined, a room. It is
// a liveness index only; the room store stays authoritative for membership.
type Session struct {
	ConnID        string
	Username      string
	RoomID        uint
	LastHeartbeat time.Time
}

// SessionRegistry owns the connection-session map exclusively. All access
// goes through its operation queue, executed by a single goroutine, so no
// caller ever touches shared state directly.
type SessionRegistry struct {
	ops  chan func(map[string]*Session)
	stop chan struct{}
	now  func() time.Time
}

func NewSessionRegistry() *SessionRegistry {
	r := &SessionRegistry{
		ops:  make(chan func(map[string]*Session)),
		stop: make(chan struct{}),
		now:  time.Now,
	}
	go r.run()
	return r
}

func (r *SessionRegistry) run() {
	sessions := make(map[string]*Session)
	for {
		select {
		case fn := <-r.ops:
			fn(sessions)
		case <-r.stop:
			return
		}
	}
}

// do runs fn inside the actor and waits for it to finish.
func (r *SessionRegistry) do(fn func(map[string]*Session)) {
	done := make(chan struct{})
	wrapped := func(m map[string]*Session) {
		fn(m)
		close(done)
	}
	select {
	case r.ops <- wrapped:
		<-done
	case <-r.stop:
	}
}

// Track registers a connection with no room yet and stamps its heartbeat.
func (r *SessionRegistry) Track(connID string) {
	r.do(func(m map[string]*Session) {
		m[connID] = &Session{ConnID: connID, LastHeartbeat: r.now()}
	})
}

// Associate binds a connection to a user and room, creating the session if
// the connection was never tracked (a heartbeat can arrive first).
func (r *SessionRegistry) Associate(connID, username string, roomID uint) {
	r.do(func(m map[string]*Session) {
		s, ok := m[connID]
		if !ok {
			s = &Session{ConnID: connID}
			m[connID] = s
		}
		s.Username = username
		s.RoomID = roomID
		s.LastHeartbeat = r.now()
	})
}

// Dissociate drops the session entirely.
func (r *SessionRegistry) Dissociate(connID string) {
	r.do(func(m map[string]*Session) {
		delete(m, connID)
	})
}

// Touch refreshes the heartbeat timestamp for a known connection and
// reports whether the connection was known.
func (r *SessionRegistry) Touch(connID string) bool {
	var known bool
	r.do(func(m map[string]*Session) {
		if s, ok := m[connID]; ok {
			s.LastHeartbeat = r.now()
			known = true
		}
	})
	return known
}

// Get returns a copy of the session.
func (r *SessionRegistry) Get(connID string) (Session, bool) {
	var out Session
	var ok bool
	r.do(func(m map[string]*Session) {
		if s, found := m[connID]; found {
			out = *s
			ok = true
		}
	})
	return out, ok
}

// Stale returns copies of every session whose heartbeat is older than the
// threshold. Callers must re-check with IsStale under their own
// serialization before acting; a join or heartbeat may land in between.
func (r *SessionRegistry) Stale(olderThan time.Duration) []Session {
	var out []Session
	r.do(func(m map[string]*Session) {
		cutoff := r.now().Add(-olderThan)
		for _, s := range m {
			if s.LastHeartbeat.Before(cutoff) {
				out = append(out, *s)
			}
		}
	})
	return out
}

// IsStale re-evaluates a single connection against the threshold. Unknown
// connections are not stale; they have nothing to reclaim.
func (r *SessionRegistry) IsStale(connID string, olderThan time.Duration) bool {
	stale := false
	r.do(func(m map[string]*Session) {
		if s, ok := m[connID]; ok {
			stale = s.LastHeartbeat.Before(r.now().Add(-olderThan))
		}
	})
	return stale
}

// Close stops the actor. Pending operations after Close are no-ops.
func (r *SessionRegistry) Close() {
	close(r.stop)
}
