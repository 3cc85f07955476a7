package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/semaphore"

	"github.com/malbeclabs/insights/pkg/metrics"
	"github.com/malbeclabs/insights/pkg/model"
)

const (
	defaultTTL         = 30 * time.Minute
	defaultMaxSessions = 10000
	defaultMaxTurns    = 5
)

type Config struct {
	Logger *slog.Logger

	// TTL is the idle time after which a session is evicted.
	TTL time.Duration

	// MaxSessions caps the number of live sessions.
	MaxSessions uint64

	// MaxTurns caps the number of turns kept per session.
	MaxTurns int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = defaultMaxSessions
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = defaultMaxTurns
	}
	return nil
}

type session struct {
	lease *semaphore.Weighted

	// refs counts leases held or awaited; guarded by Store.mu.
	refs int

	mu    sync.Mutex
	state model.ConversationState
}

// Store keeps per-session conversation state. Sessions are independent; a
// Lease gives exclusive access to one session for the duration of a turn.
// A session with a held or awaited lease stays pinned in memory even if the
// cache evicts it, so every turn of a session shares one lease.
type Store struct {
	log   *slog.Logger
	cfg   Config
	cache *ttlcache.Cache[string, *session]
	once  sync.Once

	mu     sync.Mutex
	pinned map[string]*session
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *session](cfg.TTL),
		ttlcache.WithCapacity[string, *session](cfg.MaxSessions),
	)
	s := &Store{log: cfg.Logger, cfg: cfg, cache: cache, pinned: make(map[string]*session)}
	cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *session]) {
		label := "deleted"
		switch reason {
		case ttlcache.EvictionReasonExpired:
			label = "expired"
		case ttlcache.EvictionReasonCapacityReached:
			label = "capacity"
		}
		metrics.MemoryEvictionsTotal.WithLabelValues(label).Inc()
		s.log.Debug("memory: session evicted", "session_id", item.Key(), "reason", label)
	})
	return s, nil
}

// Start runs the expiry loop until Stop is called.
func (s *Store) Start() {
	go s.cache.Start()
}

func (s *Store) Stop() {
	s.once.Do(s.cache.Stop)
}

func (s *Store) Len() int {
	return s.cache.Len()
}

// Lease is exclusive, turn-scoped access to one session.
type Lease struct {
	store    *Store
	id       string
	sess     *session
	released bool
}

// Acquire blocks until the session is free or ctx is done. The session is
// created if it does not exist.
func (s *Store) Acquire(ctx context.Context, sessionID string) (*Lease, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	sess := s.pin(sessionID)
	metrics.MemorySessions.Set(float64(s.cache.Len()))

	if err := sess.lease.Acquire(ctx, 1); err != nil {
		s.unpin(sessionID, sess)
		return nil, fmt.Errorf("failed to acquire session %s: %w", sessionID, err)
	}
	return &Lease{store: s, id: sessionID, sess: sess}, nil
}

func (s *Store) pin(sessionID string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.pinned[sessionID]
	if !ok {
		fresh := &session{
			lease: semaphore.NewWeighted(1),
			state: model.ConversationState{SessionID: sessionID},
		}
		item, _ := s.cache.GetOrSet(sessionID, fresh)
		sess = item.Value()
		s.pinned[sessionID] = sess
	}
	sess.refs++
	return sess
}

func (s *Store) unpin(sessionID string, sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.refs--
	if sess.refs == 0 && s.pinned[sessionID] == sess {
		delete(s.pinned, sessionID)
	}
}

// State returns a copy of the session's conversation state.
func (l *Lease) State() *model.ConversationState {
	l.sess.mu.Lock()
	defer l.sess.mu.Unlock()
	return copyState(&l.sess.state)
}

// Commit appends a completed turn, dropping the oldest turns beyond the cap,
// and refreshes the session's idle timer.
func (l *Lease) Commit(turn model.Turn) {
	l.sess.mu.Lock()
	l.sess.state.Turns = append(l.sess.state.Turns, turn)
	if over := len(l.sess.state.Turns) - l.store.cfg.MaxTurns; over > 0 {
		l.sess.state.Turns = append([]model.Turn(nil), l.sess.state.Turns[over:]...)
	}
	l.sess.mu.Unlock()

	// Setting also restores a session evicted while the turn was running.
	l.store.mu.Lock()
	l.store.cache.Set(l.id, l.sess, ttlcache.DefaultTTL)
	l.store.mu.Unlock()
}

// Release returns the session to the store. It is safe to call more than
// once.
func (l *Lease) Release() {
	if l.released {
		return
	}
	l.released = true
	l.sess.lease.Release(1)
	l.store.unpin(l.id, l.sess)
}

// Snapshot returns a copy of a session's state without taking the lease.
// Reading a session counts as activity for its idle timer.
func (s *Store) Snapshot(sessionID string) (*model.ConversationState, bool) {
	var sess *session
	if item := s.cache.Get(sessionID); item != nil {
		sess = item.Value()
	} else {
		s.mu.Lock()
		sess = s.pinned[sessionID]
		s.mu.Unlock()
		if sess == nil {
			return nil, false
		}
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return copyState(&sess.state), true
}

// Delete drops a session's history. An in-flight turn keeps its lease and
// its commit starts the session afresh.
func (s *Store) Delete(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := s.cache.Has(sessionID)
	if found {
		s.cache.Delete(sessionID)
	}
	if sess, ok := s.pinned[sessionID]; ok {
		sess.mu.Lock()
		sess.state.Turns = nil
		sess.mu.Unlock()
		found = true
	}
	return found
}

func copyState(st *model.ConversationState) *model.ConversationState {
	out := &model.ConversationState{SessionID: st.SessionID, Turns: make([]model.Turn, len(st.Turns))}
	copy(out.Turns, st.Turns)
	return out
}
