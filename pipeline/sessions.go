package pipeline

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	DefaultSessionExpiration = time.Hour
	DefaultCleanupInterval   = 10 * time.Minute
)

// MarathonStatus is a snapshot of a marathon session
type MarathonStatus struct {
	Session   string    `json:"session"`
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Cancelled bool      `json:"cancelled"`
	Finished  bool      `json:"finished"`
	LastError string    `json:"last_error,omitempty"`
	Results   []*Result `json:"-"`
}

type session struct {
	mu        sync.Mutex
	status    MarathonStatus
	cancelled bool
}

// Sessions holds per-session marathon state in memory. Entries expire on their own.
type Sessions struct {
	cache *gocache.Cache
}

func NewSessions(expiration, cleanupInterval time.Duration) *Sessions {
	return &Sessions{cache: gocache.New(expiration, cleanupInterval)}
}

func (s *Sessions) get(id string) *session {
	v, found := s.cache.Get(id)
	if !found {
		return nil
	}
	sess, _ := v.(*session)
	return sess
}

// Begin starts a fresh session, dropping any earlier state and cancel flag under id
func (s *Sessions) Begin(id string, total int) {
	s.cache.SetDefault(id, &session{status: MarathonStatus{Session: id, Total: total}})
}

// Cancel flags the session. It reports false when the session is unknown.
func (s *Sessions) Cancel(id string) bool {
	sess := s.get(id)
	if sess == nil {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.cancelled = true
	sess.status.Cancelled = true
	return true
}

func (s *Sessions) Cancelled(id string) bool {
	sess := s.get(id)
	if sess == nil {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.cancelled
}

// Reset clears the cancel flag and progress of a session
func (s *Sessions) Reset(id string) {
	s.cache.Delete(id)
}

func (s *Sessions) Status(id string) (MarathonStatus, bool) {
	sess := s.get(id)
	if sess == nil {
		return MarathonStatus{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	st := sess.status
	st.Results = append([]*Result(nil), sess.status.Results...)
	return st, true
}

func (s *Sessions) record(id string, res *Result, err error) {
	sess := s.get(id)
	if sess == nil {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err != nil {
		sess.status.Failed++
		sess.status.LastError = err.Error()
		return
	}
	sess.status.Completed++
	sess.status.Results = append(sess.status.Results, res)
}

func (s *Sessions) finish(id string) {
	sess := s.get(id)
	if sess == nil {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.status.Finished = true
}
