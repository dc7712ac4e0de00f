package triage

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultSessionTTL       = 30 * time.Minute
	DefaultSessionRetention = 24 * time.Hour

	maxIDAttempts = 5
)

type storeEntry struct {
	mu      sync.Mutex
	session *Session
}

// Store holds live sessions in memory.
//
// The map lock is held only for lookup, insert and eviction. Every read or
// mutation of a session happens under that session's own lock, so operations
// on different sessions never contend.
type Store struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*storeEntry

	ttl       time.Duration
	retention time.Duration
	newID     func() (uuid.UUID, error)
	now       func() time.Time
	onExpire  func(*Session)
}

type StoreOption func(*Store)

// WithIDGenerator replaces uuid.NewRandom as the session id source.
func WithIDGenerator(fn func() (uuid.UUID, error)) StoreOption {
	return func(s *Store) { s.newID = fn }
}

func WithClock(fn func() time.Time) StoreOption {
	return func(s *Store) { s.now = fn }
}

// NewStore creates an empty store. Non-positive durations fall back to the defaults.
func NewStore(ttl, retention time.Duration, opts ...StoreOption) *Store {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if retention < ttl {
		retention = DefaultSessionRetention
	}
	s := &Store{
		sessions:  make(map[uuid.UUID]*storeEntry),
		ttl:       ttl,
		retention: retention,
		newID:     uuid.NewRandom,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnExpire registers fn to receive a copy of every session the store
// auto-finalizes. fn runs after all store locks are released.
func (s *Store) OnExpire(fn func(*Session)) {
	s.onExpire = fn
}

func (s *Store) TTL() time.Duration { return s.ttl }

// Create allocates a fresh ACTIVE session for patientID.
func (s *Store) Create(patientID uuid.UUID) (*Session, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := s.newID()
		if err != nil || id == uuid.Nil {
			continue
		}
		now := s.now()
		sess := &Session{
			ID:               id,
			PatientID:        patientID,
			SymptomsReported: []string{},
			Transcript:       []TranscriptEntry{},
			State:            StateActive,
			RiskLevel:        RiskUnknown,
			CreatedAt:        now,
			LastActivityAt:   now,
			Version:          1,
		}

		s.mu.Lock()
		if _, exists := s.sessions[id]; exists {
			s.mu.Unlock()
			continue
		}
		s.sessions[id] = &storeEntry{session: sess}
		s.mu.Unlock()
		return sess.Clone(), nil
	}
	return nil, ErrIDGenerationExhausted
}

func (s *Store) entry(id uuid.UUID) *storeEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

// Get returns a copy of a live session. Unknown and expired sessions
// yield ErrSessionNotFound.
func (s *Store) Get(id uuid.UUID) (*Session, error) {
	return s.Update(id, nil)
}

// Update runs fn against the live session under its lock and returns a copy
// of the result. fn must validate before mutating: a returned error is passed
// through and the session is left as fn found it. A nil fn is a read.
// Every applied fn bumps Version.
func (s *Store) Update(id uuid.UUID, fn func(*Session) error) (*Session, error) {
	e := s.entry(id)
	if e == nil {
		return nil, ErrSessionNotFound
	}

	e.mu.Lock()
	now := s.now()
	if s.expireLocked(e.session, now) {
		expired := e.session.Clone()
		e.mu.Unlock()
		s.notifyExpired(expired)
		return nil, ErrSessionNotFound
	}
	if e.session.Expired {
		e.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if fn != nil {
		if err := fn(e.session); err != nil {
			e.mu.Unlock()
			return nil, err
		}
		e.session.LastActivityAt = now
		e.session.Version++
	}
	out := e.session.Clone()
	e.mu.Unlock()
	return out, nil
}

// expireLocked auto-finalizes an idle ACTIVE session. The caller holds the
// session lock. It reports whether the session was expired by this call.
func (s *Store) expireLocked(sess *Session, now time.Time) bool {
	if sess.State != StateActive || now.Sub(sess.LastActivityAt) <= s.ttl {
		return false
	}
	sess.State = StateCompleted
	sess.RiskLevel = RiskUnknown
	sess.Expired = true
	sess.CompletedAt = &now
	sess.Version++
	return true
}

func (s *Store) notifyExpired(sessions ...*Session) {
	if s.onExpire == nil {
		return
	}
	for _, sess := range sessions {
		s.onExpire(sess)
	}
}

func (s *Store) snapshot() []*storeEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storeEntry, 0, len(s.sessions))
	for _, e := range s.sessions {
		out = append(out, e)
	}
	return out
}

// ListByPatient returns the patient's sessions, most recent first, including
// ones that were auto-finalized. Idle sessions found along the way are expired.
func (s *Store) ListByPatient(patientID uuid.UUID, filter HistoryFilter, limit, offset int) ([]*Session, int) {
	now := s.now()
	var matched, expired []*Session
	for _, e := range s.snapshot() {
		e.mu.Lock()
		if e.session.PatientID != patientID {
			e.mu.Unlock()
			continue
		}
		if s.expireLocked(e.session, now) {
			expired = append(expired, e.session.Clone())
		}
		if filter.matches(e.session) {
			matched = append(matched, e.session.Clone())
		}
		e.mu.Unlock()
	}
	s.notifyExpired(expired...)

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() > matched[j].ID.String()
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset >= total {
		return []*Session{}, total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return matched[offset:end], total
}

// Sweep auto-finalizes every idle ACTIVE session and evicts completed sessions
// older than the retention window. It returns the sessions expired by this pass.
func (s *Store) Sweep(now time.Time) []*Session {
	var expired []*Session
	var evict []uuid.UUID
	for _, e := range s.snapshot() {
		e.mu.Lock()
		if s.expireLocked(e.session, now) {
			expired = append(expired, e.session.Clone())
		} else if e.session.CompletedAt != nil && now.Sub(*e.session.CompletedAt) > s.retention {
			evict = append(evict, e.session.ID)
		}
		e.mu.Unlock()
	}

	if len(evict) > 0 {
		s.mu.Lock()
		for _, id := range evict {
			delete(s.sessions, id)
		}
		s.mu.Unlock()
	}
	s.notifyExpired(expired...)
	return expired
}

// ActiveCount returns the number of sessions still in the ACTIVE state.
func (s *Store) ActiveCount() int {
	n := 0
	for _, e := range s.snapshot() {
		e.mu.Lock()
		if e.session.State == StateActive {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// Len returns the number of sessions held, including completed ones awaiting eviction.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
