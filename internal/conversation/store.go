// Package conversation owns the Run/Conversation state. Every mutation goes
// through a Store entry point, which writes the resulting Run through to the
// configured Persister before it becomes visible to readers.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"microapp-engine/internal/domain"
)

var (
	ErrNotFound    = errors.New("conversation: not found")
	ErrRunNotFound = errors.New("conversation: run not found")
)

// Persister durably stores runs. *repository.Client satisfies it.
type Persister interface {
	SaveRun(ctx context.Context, conv domain.Conversation, run domain.Run) error
	LoadConversation(ctx context.Context, conversationID string) (domain.Conversation, bool, error)
}

// CostSync receives the run with its accrued cost before the accrual is
// persisted. An error aborts the accrual.
type CostSync func(ctx context.Context, run domain.Run) error

// Store keeps conversations in memory, keyed by conversation key. Calls for
// the same key are serialized; calls for different keys run in parallel.
type Store struct {
	mu        sync.Mutex // guards convs, locks and lastSweep
	convs     map[string]*domain.Conversation
	locks     map[string]*keyLock
	lastSweep time.Time

	persist Persister
	now     func() time.Time
	idleTTL time.Duration
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

type Option func(*Store)

func WithPersister(p Persister) Option {
	return func(s *Store) {
		s.persist = p
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIdleEviction drops conversations from memory once they have been idle
// for ttl and their latest run has settled. With a Persister they are
// reloaded on the next access. A non-positive ttl keeps everything.
func WithIdleEviction(ttl time.Duration) Option {
	return func(s *Store) {
		s.idleTTL = ttl
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		convs: make(map[string]*domain.Conversation),
		locks: make(map[string]*keyLock),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartRun appends a pending run to the conversation, creating the
// conversation on first use.
func (s *Store) StartRun(ctx context.Context, key, microappID string, run domain.Run) (domain.Run, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.Run{}, errors.New("conversation: key must not be empty")
	}
	if run.Status != domain.RunPending {
		return domain.Run{}, fmt.Errorf("conversation: start run %s: %w", run.ID, domain.ErrRunNotPending)
	}

	unlock := s.lock(key)
	defer unlock()

	conv, err := s.load(ctx, key)
	if err != nil {
		return domain.Run{}, err
	}
	at := s.now()
	next := domain.Conversation{ID: key, MicroappID: microappID, CreatedAt: at}
	if conv != nil {
		next = conv.Clone()
	}
	if next.MicroappID == "" {
		next.MicroappID = microappID
	}
	next.Runs = append(next.Runs, run.Clone())
	next.UpdatedAt = at

	if err := s.commit(ctx, next, run); err != nil {
		return domain.Run{}, err
	}
	return run.Clone(), nil
}

// AppendMessage adds a message to a run.
func (s *Store) AppendMessage(ctx context.Context, key, runID string, role domain.Role, text string) (domain.Run, error) {
	return s.mutate(ctx, key, runID, func(r *domain.Run, at time.Time) error {
		r.AppendMessage(role, text, at)
		return nil
	}, nil)
}

// CompleteRun records a successful response, appending the assistant
// message when there is one.
func (s *Store) CompleteRun(ctx context.Context, key, runID string, res domain.RunResult) (domain.Run, error) {
	return s.mutate(ctx, key, runID, func(r *domain.Run, at time.Time) error {
		if err := r.Complete(res, at); err != nil {
			return err
		}
		if res.Response != "" {
			r.AppendMessage(domain.RoleAssistant, res.Response, at)
		}
		return nil
	}, nil)
}

// FailRun records a failure message.
func (s *Store) FailRun(ctx context.Context, key, runID, msg string) (domain.Run, error) {
	return s.mutate(ctx, key, runID, func(r *domain.Run, at time.Time) error {
		return r.Fail(msg, at)
	}, nil)
}

// AddCost accrues delta on the latest run of the conversation. onCost, when
// set, sees the new total while the conversation is still locked, so
// concurrent accruals observe each other's totals.
func (s *Store) AddCost(ctx context.Context, key string, delta float64, onCost CostSync) (domain.Run, error) {
	return s.mutate(ctx, key, "", func(r *domain.Run, at time.Time) error {
		return r.AddCost(delta, at)
	}, onCost)
}

// Conversation returns a copy of the conversation, loading it from the
// Persister when it is not held in memory.
func (s *Store) Conversation(ctx context.Context, key string) (domain.Conversation, error) {
	unlock := s.lock(key)
	defer unlock()

	conv, err := s.load(ctx, key)
	if err != nil {
		return domain.Conversation{}, err
	}
	if conv == nil {
		return domain.Conversation{}, fmt.Errorf("conversation %q: %w", key, ErrNotFound)
	}
	return conv.Clone(), nil
}

// Latest returns a copy of the most recent run.
func (s *Store) Latest(ctx context.Context, key string) (domain.Run, error) {
	conv, err := s.Conversation(ctx, key)
	if err != nil {
		return domain.Run{}, err
	}
	run, ok := conv.Latest()
	if !ok {
		return domain.Run{}, fmt.Errorf("conversation %q has no runs: %w", key, ErrRunNotFound)
	}
	return run, nil
}

// Len reports how many conversations are held in memory.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs)
}

// mutate applies fn to a copy of the run (the latest one when runID is
// empty), hands it to before, persists it and only then makes it visible.
func (s *Store) mutate(ctx context.Context, key, runID string, fn func(*domain.Run, time.Time) error, before CostSync) (domain.Run, error) {
	unlock := s.lock(key)
	defer unlock()

	conv, err := s.load(ctx, key)
	if err != nil {
		return domain.Run{}, err
	}
	if conv == nil {
		return domain.Run{}, fmt.Errorf("conversation %q: %w", key, ErrNotFound)
	}

	idx := indexOf(conv.Runs, runID)
	if idx < 0 {
		return domain.Run{}, fmt.Errorf("conversation %q run %q: %w", key, runID, ErrRunNotFound)
	}

	next := conv.Clone()
	at := s.now()
	if err := fn(&next.Runs[idx], at); err != nil {
		return domain.Run{}, err
	}
	next.UpdatedAt = at

	run := next.Runs[idx]
	if before != nil {
		if err := before(ctx, run.Clone()); err != nil {
			return domain.Run{}, err
		}
	}
	if err := s.commit(ctx, next, run); err != nil {
		return domain.Run{}, err
	}
	return run.Clone(), nil
}

// lock takes the per-key lock and returns its release. The entry is removed
// once nobody holds or waits for it.
func (s *Store) lock(key string) func() {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// commit persists run and publishes next. The caller holds the key lock.
func (s *Store) commit(ctx context.Context, next domain.Conversation, run domain.Run) error {
	if s.persist != nil {
		if err := s.persist.SaveRun(ctx, next, run); err != nil {
			slog.Error("conversation: persist run failed", "conversation", next.ID, "run", run.ID, "status", run.Status, "err", err)
			return fmt.Errorf("conversation: persist run %s: %w", run.ID, err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[next.ID] = &next
	s.sweepLocked(next.UpdatedAt)
	return nil
}

// load returns the held conversation or reads it from the Persister. The
// caller holds the key lock. Stored conversations are replaced, never
// modified, so the pointer stays safe to read.
func (s *Store) load(ctx context.Context, key string) (*domain.Conversation, error) {
	s.mu.Lock()
	conv, ok := s.convs[key]
	s.mu.Unlock()
	if ok {
		return conv, nil
	}
	if s.persist == nil {
		return nil, nil
	}

	loaded, found, err := s.persist.LoadConversation(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("conversation: load %q: %w", key, err)
	}
	if !found {
		return nil, nil
	}
	s.mu.Lock()
	s.convs[key] = &loaded
	s.mu.Unlock()
	return &loaded, nil
}

// sweepLocked evicts idle conversations at most once per quarter ttl. A
// conversation whose latest run never settled is kept for twice as long.
func (s *Store) sweepLocked(now time.Time) {
	if s.idleTTL <= 0 || now.Sub(s.lastSweep) < s.idleTTL/4 {
		return
	}
	s.lastSweep = now
	for key, conv := range s.convs {
		if _, busy := s.locks[key]; busy {
			continue
		}
		idle := now.Sub(conv.UpdatedAt)
		latest, ok := conv.Latest()
		settled := !ok || latest.Status.Terminal()
		if (settled && idle >= s.idleTTL) || idle >= 2*s.idleTTL {
			delete(s.convs, key)
		}
	}
}

func indexOf(runs []domain.Run, runID string) int {
	if runID == "" {
		return len(runs) - 1
	}
	for i := len(runs) - 1; i >= 0; i-- {
		if runs[i].ID == runID {
			return i
		}
	}
	return -1
}
