// Package session owns the lifecycle of capture sessions.
//
// A [Manager] keeps an explicit arena of live sessions keyed by id. Each live
// record moves through the Open → Closing → Closed state machine exactly once;
// per-session resources (the ingestion unit, the insight loop, the event
// topic) are attached and detached through [Hooks] so that this package does
// not depend on any of them. Closed sessions leave the arena and are served
// from the [memory.Archive].
package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/listenbuddy/internal/fault"
	"github.com/MrWong99/listenbuddy/internal/observe"
	"github.com/MrWong99/listenbuddy/pkg/memory"
	"github.com/MrWong99/listenbuddy/pkg/types"
)

// Defaults applied by [New] to zero-valued [Config] fields.
const (
	DefaultInactivityTimeout = 30 * time.Second
	DefaultReapInterval      = 5 * time.Second
	DefaultDrainTimeout      = 30 * time.Second
)

// maxTitleLen bounds user-supplied and generated titles.
const maxTitleLen = 200

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// Hooks attach per-session resources to the lifecycle. Every field is
// optional.
type Hooks struct {
	// Opened runs after a new session is persisted as Open and before it is
	// visible to callers. An error aborts the creation.
	Opened func(ctx context.Context, s types.Session) error

	// Closing runs after Open → Closing. It must stop the session's
	// background work and wait for in-flight flushes, within ctx.
	Closing func(ctx context.Context, sessionID string)

	// Closed runs after the Closed state is persisted and the record has
	// left the arena.
	Closed func(s types.Session)

	// Updated runs after a live or archived session record changed, e.g. a
	// new title.
	Updated func(s types.Session)
}

// Config holds the dependencies and tuning of a [Manager].
type Config struct {
	// Archive persists session records. Required.
	Archive memory.Archive

	Hooks Hooks

	// InactivityTimeout ends Open sessions without frame activity for this
	// long. Default: 30s.
	InactivityTimeout time.Duration

	// ReapInterval is how often the reaper scans the arena. Default: 5s.
	ReapInterval time.Duration

	// DrainTimeout bounds the Closing hook. Default: 30s.
	DrainTimeout time.Duration

	// Metrics is the metrics sink. Defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Now overrides the clock in tests.
	Now func() time.Time
}

// record is one live session. mu guards sess; lastActive holds unix nanos.
type record struct {
	mu   sync.Mutex
	sess types.Session

	lastActive atomic.Int64
	reaping    atomic.Bool

	// ready is closed once creation finished; initErr is set before that.
	ready   chan struct{}
	initErr error

	// ended is closed once the record reached Closed.
	ended chan struct{}
}

func (r *record) snapshot() types.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess
}

// Manager is the session arena. All exported methods are safe for concurrent
// use.
type Manager struct {
	archive memory.Archive
	hooks   Hooks
	metrics *observe.Metrics
	now     func() time.Time

	inactivity   time.Duration
	reapInterval time.Duration
	drainTimeout time.Duration

	mu      sync.Mutex
	records map[string]*record

	reapOnce sync.Once
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a [Manager]. The reaper does not run until [Manager.StartReaper].
func New(cfg Config) *Manager {
	m := &Manager{
		archive:      cfg.Archive,
		hooks:        cfg.Hooks,
		metrics:      cfg.Metrics,
		now:          cfg.Now,
		inactivity:   cmp.Or(cfg.InactivityTimeout, DefaultInactivityTimeout),
		reapInterval: cmp.Or(cfg.ReapInterval, DefaultReapInterval),
		drainTimeout: cmp.Or(cfg.DrainTimeout, DefaultDrainTimeout),
		records:      make(map[string]*record),
		stop:         make(chan struct{}),
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Start creates a new Open session with a generated id.
func (m *Manager) Start(ctx context.Context, title string) (string, error) {
	title, err := cleanTitle(title)
	if err != nil {
		return "", fault.PermanentInput("session: start", err)
	}
	rec, created := m.reserve(uuid.NewString())
	if !created {
		return "", fmt.Errorf("session: start: id collision")
	}
	s, err := m.create(ctx, rec, title)
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

// Ensure returns the Open session id, creating it if the id has never been
// seen. A Closing or Closed id is a fault.ErrPermanentInput: sessions are
// never resurrected.
func (m *Manager) Ensure(ctx context.Context, id string) (*types.Session, error) {
	const op = "session: ensure"
	if !idPattern.MatchString(id) {
		return nil, fault.PermanentInput(op, fmt.Errorf("invalid session id %q", id))
	}

	for {
		m.mu.Lock()
		rec, ok := m.records[id]
		m.mu.Unlock()

		if ok {
			<-rec.ready
			if rec.initErr != nil {
				return nil, rec.initErr
			}
			s := rec.snapshot()
			if s.State != types.SessionOpen {
				return nil, fault.PermanentInput(op, fmt.Errorf("session %q is %s", id, s.State))
			}
			return &s, nil
		}

		if _, err := m.archive.GetSession(ctx, id); err == nil {
			return nil, fault.PermanentInput(op, fmt.Errorf("session %q is closed", id))
		} else if !errors.Is(err, memory.ErrNotFound) {
			return nil, fault.Classify(op, err)
		}

		rec, created := m.reserve(id)
		if !created {
			// Lost a creation race; wait for the winner.
			continue
		}
		s, err := m.create(ctx, rec, "")
		if err != nil {
			return nil, err
		}
		return &s, nil
	}
}

// reserve inserts a placeholder record for id. It reports false if a record
// already exists.
func (m *Manager) reserve(id string) (*record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; ok {
		return nil, false
	}
	rec := &record{
		sess:  types.Session{ID: id, State: types.SessionOpen},
		ready: make(chan struct{}),
		ended: make(chan struct{}),
	}
	m.records[id] = rec
	return rec, true
}

// create persists a reserved record and runs the Opened hook.
func (m *Manager) create(ctx context.Context, rec *record, title string) (types.Session, error) {
	now := m.now().UTC()
	rec.mu.Lock()
	rec.sess.Title = title
	rec.sess.StartTime = now
	rec.sess.UpdatedAt = now
	s := rec.sess
	rec.mu.Unlock()
	rec.lastActive.Store(now.UnixNano())

	err := m.archive.SaveSession(ctx, s)
	if err != nil {
		err = fault.Classify("session: create", err)
	} else if m.hooks.Opened != nil {
		if herr := m.hooks.Opened(ctx, s); herr != nil {
			err = fmt.Errorf("session: open hooks: %w", herr)
		}
	}
	if err != nil {
		rec.initErr = err
		m.mu.Lock()
		delete(m.records, s.ID)
		m.mu.Unlock()
		close(rec.ready)
		return types.Session{}, err
	}

	close(rec.ready)
	m.metrics.ActiveSessions.Add(ctx, 1)
	observe.Logger(observe.WithSession(ctx, s.ID)).Info("session opened")
	return s, nil
}

// Touch records frame activity on a live session.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	rec, ok := m.records[id]
	m.mu.Unlock()
	if ok {
		rec.lastActive.Store(m.now().UnixNano())
	}
}

// End closes a session: Open → Closing, runs the Closing hook bounded by the
// drain timeout, then Closing → Closed with EndTime set. Ending a session
// that is already closing waits for that closure; ending a closed session is
// a no-op. Unknown ids yield fault.ErrNotFound.
func (m *Manager) End(ctx context.Context, id string) error {
	const op = "session: end"

	m.mu.Lock()
	rec, ok := m.records[id]
	m.mu.Unlock()
	if !ok {
		s, err := m.archive.GetSession(ctx, id)
		switch {
		case errors.Is(err, memory.ErrNotFound):
			return fault.NotFound(op, id)
		case err != nil:
			return fault.Classify(op, err)
		case s.State == types.SessionClosed:
			return nil
		default:
			return fault.NotFound(op, id)
		}
	}
	<-rec.ready
	if rec.initErr != nil {
		return fault.NotFound(op, id)
	}

	rec.mu.Lock()
	if rec.sess.State != types.SessionOpen {
		rec.mu.Unlock()
		select {
		case <-rec.ended:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	rec.sess.State = types.SessionClosing
	rec.sess.UpdatedAt = m.now().UTC()
	closing := rec.sess
	rec.mu.Unlock()

	log := observe.Logger(observe.WithSession(ctx, id))
	bg := context.WithoutCancel(ctx)
	if err := m.archive.SaveSession(bg, closing); err != nil {
		log.Warn("session: persist closing state failed", "err", err)
	}

	if m.hooks.Closing != nil {
		drainCtx, cancel := context.WithTimeout(bg, m.drainTimeout)
		m.hooks.Closing(drainCtx, id)
		if errors.Is(drainCtx.Err(), context.DeadlineExceeded) {
			log.Warn("session: drain timed out", "timeout", m.drainTimeout)
		}
		cancel()
	}

	rec.mu.Lock()
	now := m.now().UTC()
	if !rec.sess.State.CanTransition(types.SessionClosed) {
		rec.mu.Unlock()
		return fmt.Errorf("%s: illegal transition %s → closed", op, rec.sess.State)
	}
	rec.sess.State = types.SessionClosed
	rec.sess.EndTime = &now
	rec.sess.UpdatedAt = now
	closed := rec.sess
	rec.mu.Unlock()

	saveErr := m.archive.SaveSession(bg, closed)

	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()

	if m.hooks.Closed != nil {
		m.hooks.Closed(closed)
	}
	close(rec.ended)
	m.metrics.ActiveSessions.Add(bg, -1)
	log.Info("session closed", "duration", closed.Elapsed(now))

	if saveErr != nil {
		return fault.Classify(op, fmt.Errorf("persist closed state: %w", saveErr))
	}
	return nil
}

// Get returns a session from the arena, falling back to the archive.
func (m *Manager) Get(ctx context.Context, id string) (types.Session, error) {
	if rec := m.live(id); rec != nil {
		return rec.snapshot(), nil
	}
	s, err := m.archive.GetSession(ctx, id)
	if errors.Is(err, memory.ErrNotFound) {
		return types.Session{}, fault.NotFound("session: get", id)
	}
	if err != nil {
		return types.Session{}, fault.Classify("session: get", err)
	}
	return s, nil
}

// IsOpen reports whether id is a live Open session.
func (m *Manager) IsOpen(id string) bool {
	rec := m.live(id)
	return rec != nil && rec.snapshot().State == types.SessionOpen
}

// live returns the ready record for id, or nil.
func (m *Manager) live(id string) *record {
	m.mu.Lock()
	rec, ok := m.records[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-rec.ready:
		if rec.initErr != nil {
			return nil
		}
		return rec
	default:
		return nil
	}
}

// List returns every known session, newest StartTime first. Live state takes
// precedence over the archived record.
func (m *Manager) List(ctx context.Context) ([]types.Session, error) {
	archived, err := m.archive.ListSessions(ctx)
	if err != nil {
		return nil, fault.Classify("session: list", err)
	}

	byID := make(map[string]int, len(archived))
	for i, s := range archived {
		byID[s.ID] = i
	}
	for _, rec := range m.liveRecords() {
		s := rec.snapshot()
		if i, ok := byID[s.ID]; ok {
			archived[i] = s
		} else {
			archived = append(archived, s)
		}
	}
	slices.SortStableFunc(archived, func(a, b types.Session) int {
		return b.StartTime.Compare(a.StartTime)
	})
	return archived, nil
}

func (m *Manager) liveRecords() []*record {
	m.mu.Lock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	out := make([]*record, 0, len(ids))
	for _, id := range ids {
		if rec := m.live(id); rec != nil {
			out = append(out, rec)
		}
	}
	return out
}

// OpenIDs returns the ids of every Open session.
func (m *Manager) OpenIDs() []string {
	var ids []string
	for _, rec := range m.liveRecords() {
		if s := rec.snapshot(); s.State == types.SessionOpen {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// SetTitle updates the title of a live or archived session.
func (m *Manager) SetTitle(ctx context.Context, id, title string) (types.Session, error) {
	const op = "session: set title"
	title, err := cleanTitle(title)
	if err != nil {
		return types.Session{}, fault.PermanentInput(op, err)
	}

	var s types.Session
	if rec := m.live(id); rec != nil {
		rec.mu.Lock()
		rec.sess.Title = title
		rec.sess.UpdatedAt = m.now().UTC()
		s = rec.sess
		rec.mu.Unlock()
	} else {
		if s, err = m.Get(ctx, id); err != nil {
			return types.Session{}, err
		}
		s.Title = title
		s.UpdatedAt = m.now().UTC()
	}

	if err := m.archive.SaveSession(ctx, s); err != nil {
		return types.Session{}, fault.Classify(op, err)
	}
	if m.hooks.Updated != nil {
		m.hooks.Updated(s)
	}
	return s, nil
}

// Recover closes sessions a previous process left Open or Closing. Their
// EndTime is their last update. It returns the number of sessions repaired.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	all, err := m.archive.ListSessions(ctx)
	if err != nil {
		return 0, fault.Classify("session: recover", err)
	}
	n := 0
	for _, s := range all {
		if s.State == types.SessionClosed || m.live(s.ID) != nil {
			continue
		}
		end := s.UpdatedAt
		if end.IsZero() || end.Before(s.StartTime) {
			end = s.StartTime
		}
		s.State = types.SessionClosed
		s.EndTime = &end
		if err := m.archive.SaveSession(ctx, s); err != nil {
			return n, fault.Classify("session: recover", err)
		}
		n++
		slog.Info("session: recovered stale session", "session_id", s.ID, "end_time", end)
	}
	return n, nil
}

// StartReaper launches the inactivity reaper. Calling it again is a no-op.
func (m *Manager) StartReaper() {
	m.reapOnce.Do(func() {
		m.wg.Go(m.reapLoop)
	})
}

func (m *Manager) reapLoop() {
	ticker := time.NewTicker(m.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reap()
		}
	}
}

// reap ends every Open session idle for longer than the inactivity timeout,
// each on its own goroutine.
func (m *Manager) reap() {
	cutoff := m.now().Add(-m.inactivity).UnixNano()
	for _, rec := range m.liveRecords() {
		if rec.lastActive.Load() > cutoff {
			continue
		}
		s := rec.snapshot()
		if s.State != types.SessionOpen || !rec.reaping.CompareAndSwap(false, true) {
			continue
		}
		slog.Info("session: ending inactive session", "session_id", s.ID, "timeout", m.inactivity)
		m.wg.Go(func() {
			if err := m.End(context.Background(), s.ID); err != nil {
				slog.Warn("session: reaper end failed", "session_id", s.ID, "err", err)
			}
		})
	}
}

// Shutdown stops the reaper and ends every Open session concurrently. It
// waits for reaper-initiated closures too.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stop) })

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, id := range m.OpenIDs() {
		wg.Go(func() {
			if err := m.End(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	m.wg.Wait()
	return errors.Join(errs...)
}

func cleanTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if len(title) > maxTitleLen {
		return "", fmt.Errorf("title longer than %d bytes", maxTitleLen)
	}
	return title, nil
}
