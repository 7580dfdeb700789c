// Package session holds per-site authentication state. The store is the
// single writer surface: the auth controller drives state transitions, the
// fetch adapter merges response cookies, and everything else sees only
// immutable snapshots.
package session

import (
	"net/http"
	"sync"
	"time"
)

// State is the lifecycle state of a site's session.
type State string

// Session states.
const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticating  State = "authenticating"
	StateValid           State = "valid"
	StateExpired         State = "expired"
	StateFailed          State = "failed"
)

// Snapshot is a read-only copy of a session handed to readers. Mutating a
// Snapshot never affects the store.
type Snapshot struct {
	SiteID        string
	State         State
	Cookies       []*http.Cookie
	Headers       http.Header
	LastValidated time.Time
	ExpiresAt     time.Time
}

// Fresh reports whether the session is Valid and inside its expiry window.
func (s Snapshot) Fresh(now time.Time) bool {
	if s.State != StateValid {
		return false
	}
	if s.ExpiresAt.IsZero() {
		return true
	}
	return now.Before(s.ExpiresAt)
}

type record struct {
	state         State
	cookies       []*http.Cookie
	headers       http.Header
	lastValidated time.Time
	expiresAt     time.Time
}

// Store keeps one session per site.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*record
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*record)}
}

// Get returns a snapshot for the site, creating an unauthenticated session
// on first access.
func (s *Store) Get(siteID string) Snapshot {
	s.mu.RLock()
	rec, ok := s.sessions[siteID]
	if ok {
		snap := snapshotOf(siteID, rec)
		s.mu.RUnlock()
		return snap
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok = s.sessions[siteID]
	if !ok {
		rec = &record{state: StateUnauthenticated}
		s.sessions[siteID] = rec
	}
	return snapshotOf(siteID, rec)
}

// SetAuthenticating marks a login attempt in flight.
func (s *Store) SetAuthenticating(siteID string) {
	s.update(siteID, func(r *record) {
		r.state = StateAuthenticating
	})
}

// SetValid installs a freshly authenticated session.
func (s *Store) SetValid(siteID string, cookies []*http.Cookie, headers http.Header, validatedAt, expiresAt time.Time) {
	s.update(siteID, func(r *record) {
		r.state = StateValid
		r.cookies = cloneCookies(cookies)
		r.headers = headers.Clone()
		r.lastValidated = validatedAt
		r.expiresAt = expiresAt
	})
}

// SetExpired marks a Valid session stale; the next ensure-valid call will
// re-authenticate.
func (s *Store) SetExpired(siteID string) {
	s.update(siteID, func(r *record) {
		if r.state == StateValid {
			r.state = StateExpired
		}
	})
}

// SetFailed marks the session terminally failed. It stays Failed until
// Reset supplies a clean slate, so failed logins are never retried
// automatically.
func (s *Store) SetFailed(siteID string) {
	s.update(siteID, func(r *record) {
		r.state = StateFailed
		r.cookies = nil
		r.headers = nil
	})
}

// Reset clears a session back to Unauthenticated, e.g. after an operator
// supplies fresh credentials or requests logout.
func (s *Store) Reset(siteID string) {
	s.update(siteID, func(r *record) {
		*r = record{state: StateUnauthenticated}
	})
}

// MergeCookies folds Set-Cookie values from a response into a Valid
// session. Cookies are keyed by name+domain+path; newer values win.
func (s *Store) MergeCookies(siteID string, cookies []*http.Cookie) {
	if len(cookies) == 0 {
		return
	}
	s.update(siteID, func(r *record) {
		if r.state != StateValid {
			return
		}
		merged := make([]*http.Cookie, 0, len(r.cookies)+len(cookies))
		index := make(map[string]int)
		for _, c := range r.cookies {
			index[cookieKey(c)] = len(merged)
			merged = append(merged, c)
		}
		for _, c := range cookies {
			cp := *c
			if i, ok := index[cookieKey(c)]; ok {
				merged[i] = &cp
				continue
			}
			index[cookieKey(c)] = len(merged)
			merged = append(merged, &cp)
		}
		r.cookies = merged
	})
}

func (s *Store) update(siteID string, fn func(*record)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[siteID]
	if !ok {
		rec = &record{state: StateUnauthenticated}
		s.sessions[siteID] = rec
	}
	fn(rec)
}

func snapshotOf(siteID string, r *record) Snapshot {
	return Snapshot{
		SiteID:        siteID,
		State:         r.state,
		Cookies:       cloneCookies(r.cookies),
		Headers:       r.headers.Clone(),
		LastValidated: r.lastValidated,
		ExpiresAt:     r.expiresAt,
	}
}

func cloneCookies(src []*http.Cookie) []*http.Cookie {
	if len(src) == 0 {
		return nil
	}
	out := make([]*http.Cookie, len(src))
	for i, c := range src {
		cp := *c
		out[i] = &cp
	}
	return out
}

func cookieKey(c *http.Cookie) string {
	return c.Name + "\x00" + c.Domain + "\x00" + c.Path
}
