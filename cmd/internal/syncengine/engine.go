package syncengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"sigma/cmd/identity/ids"
	"sigma/cmd/internal/cryptosession"
	"sigma/cmd/internal/rooms"
	"sigma/cmd/internal/sessions"
	pushv1 "sigma/shared/contracts/push/v1"

	"golang.org/x/time/rate"
)

const (
	DefaultInitialSyncLimit = 20
	DefaultMaxRetries       = 8
	DefaultBackfillRate     = rate.Limit(1)
	DefaultBackfillBurst    = 3
	DefaultBackfillMaxWait  = 5 * time.Second

	warningBuffer = 64
)

// Cipher is the subset of *cryptosession.Cipher the engine uses.
type Cipher interface {
	Encrypt(ctx context.Context, owner string, addr sessions.Address, plaintext []byte) (cryptosession.Ciphertext, error)
	Open(ctx context.Context, owner string, addr sessions.Address, ct cryptosession.Ciphertext) (*cryptosession.Opened, error)
	HasSession(ctx context.Context, owner string, addr sessions.Address) (bool, error)
}

// Directory is the subset of *rooms.Directory the engine uses.
type Directory interface {
	Upsert(ctx context.Context, r rooms.Room) (rooms.Room, error)
	Get(ctx context.Context, owner, roomID string) (rooms.Room, error)
	RecordMessage(ctx context.Context, m rooms.Message, incrementUnread bool) (rooms.AppendResult, error)
	HasEvent(ctx context.Context, owner, eventID string) (bool, error)
}

// Publisher delivers push events to a user's live connection, if any.
type Publisher interface {
	Publish(userID string, env pushv1.Envelope) bool
}

// Config tunes the engine. Zero values select the defaults.
type Config struct {
	InitialSyncLimit int
	MaxRetries       int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	BackfillRate     rate.Limit
	BackfillBurst    int
	BackfillMaxWait  time.Duration
	// DeviceID is the local device every owner decrypts as.
	DeviceID uint32
}

func (c Config) normalized() Config {
	if c.InitialSyncLimit <= 0 {
		c.InitialSyncLimit = DefaultInitialSyncLimit
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	if c.BackfillRate <= 0 {
		c.BackfillRate = DefaultBackfillRate
	}
	if c.BackfillBurst <= 0 {
		c.BackfillBurst = DefaultBackfillBurst
	}
	if c.BackfillMaxWait <= 0 {
		c.BackfillMaxWait = DefaultBackfillMaxWait
	}
	if c.DeviceID == 0 {
		c.DeviceID = 1
	}
	return c
}

// Deps are the engine's collaborators. Remote, Cipher and Directory are required.
type Deps struct {
	Remote    Remote
	Cipher    Cipher
	Directory Directory
	Push      Publisher
	Metrics   *Metrics
	Log       *slog.Logger
}

// Engine runs one sync loop per connected local user.
type Engine struct {
	remote Remote
	cipher Cipher
	dir    Directory
	push   Publisher
	m      *Metrics
	log    *slog.Logger
	cfg    Config

	now    func() time.Time
	jitter func(int64) int64

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	handles  map[string]*Handle
	cursors  map[string]string
	limiters map[string]*rate.Limiter
}

// New constructs an engine.
func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Remote == nil || deps.Cipher == nil || deps.Directory == nil {
		return nil, fmt.Errorf("%w: remote, cipher and directory are required", ErrInvalidInput)
	}
	if deps.Push == nil {
		deps.Push = discardPublisher{}
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	if deps.Log == nil {
		deps.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	base, cancel := context.WithCancel(context.Background())
	return &Engine{
		remote:   deps.Remote,
		cipher:   deps.Cipher,
		dir:      deps.Directory,
		push:     deps.Push,
		m:        deps.Metrics,
		log:      deps.Log,
		cfg:      cfg.normalized(),
		now:      func() time.Time { return time.Now().UTC() },
		jitter:   defaultJitter,
		base:     base,
		cancel:   cancel,
		handles:  make(map[string]*Handle),
		cursors:  make(map[string]string),
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

type discardPublisher struct{}

func (discardPublisher) Publish(string, pushv1.Envelope) bool { return false }

// Connect starts the sync loop for owner. A live handle for owner is returned as-is.
// The loop outlives ctx; stop it with Disconnect.
func (e *Engine) Connect(ctx context.Context, owner string, creds Credentials) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(owner) == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if h, ok := e.handles[owner]; ok && !h.finished() {
		return h, nil
	}

	runCtx, cancel := context.WithCancel(e.base)
	h := newHandle(owner, cancel)
	e.handles[owner] = h
	e.m.Connections.WithLabelValues(StateDisconnected.String()).Inc()

	e.wg.Add(1)
	go e.run(runCtx, h, creds)

	e.log.Info("sync.connect", "owner", owner)
	return h, nil
}

// Disconnect stops h's loop and waits for it to exit. Once it returns the
// loop makes no further directory or push writes.
func (e *Engine) Disconnect(ctx context.Context, h *Handle) error {
	if h == nil {
		return fmt.Errorf("%w: nil handle", ErrInvalidInput)
	}
	h.stop()
	select {
	case <-h.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	e.mu.Lock()
	if cur, ok := e.handles[h.owner]; ok && cur == h {
		delete(e.handles, h.owner)
	}
	e.mu.Unlock()
	return nil
}

// Handle returns owner's current handle, live or finished.
func (e *Engine) Handle(owner string) (*Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[owner]
	return h, ok
}

// Close stops every loop and waits for them.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	hs := make([]*Handle, 0, len(e.handles))
	for _, h := range e.handles {
		hs = append(hs, h)
	}
	e.mu.Unlock()

	for _, h := range hs {
		h.stop()
	}
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) cursor(owner string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursors[owner]
}

func (e *Engine) setCursor(owner, cursor string) {
	if cursor == "" {
		return
	}
	e.mu.Lock()
	e.cursors[owner] = cursor
	e.mu.Unlock()
}

func (e *Engine) limiter(owner string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[owner]
	if !ok {
		l = rate.NewLimiter(e.cfg.BackfillRate, e.cfg.BackfillBurst)
		e.limiters[owner] = l
	}
	return l
}

// run is the per-user loop.
func (e *Engine) run(ctx context.Context, h *Handle, creds Credentials) {
	defer e.wg.Done()
	defer close(h.done)
	defer func() { e.m.Connections.WithLabelValues(h.State().String()).Dec() }()

	attempt := 0
	for {
		e.transition(h, StateConnecting, nil, attempt)

		err := e.session(ctx, h, creds, &attempt)
		if ctx.Err() != nil {
			e.transition(h, StateDisconnected, nil, 0)
			e.log.Info("sync.stopped", "owner", h.owner)
			return
		}
		if errors.Is(err, ErrAuthenticationExpired) {
			e.fail(h, err)
			return
		}

		attempt++
		if attempt > e.cfg.MaxRetries {
			e.fail(h, fmt.Errorf("sync: giving up after %d retries: %w", e.cfg.MaxRetries, err))
			return
		}

		delay := backoff(attempt, e.cfg.BackoffBase, e.cfg.BackoffMax, e.jitter)
		e.m.Retries.Inc()
		e.log.Warn("sync.retry", "owner", h.owner, "attempt", attempt, "delay", delay, "err", err)
		e.transition(h, StateDisconnected, err, attempt)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			e.log.Info("sync.stopped", "owner", h.owner)
			return
		case <-t.C:
		}
	}
}

// session runs one stream from open to failure. attempt is reset once the
// initial sync has been applied.
func (e *Engine) session(ctx context.Context, h *Handle, creds Credentials, attempt *int) error {
	stream, err := e.remote.Open(ctx, OpenRequest{
		UserID:      h.owner,
		Credentials: creds,
		Since:       e.cursor(h.owner),
	})
	if err != nil {
		return err
	}
	if !h.attach(stream) {
		_ = stream.Close()
		return ctx.Err()
	}
	defer func() {
		h.detach()
		_ = stream.Close()
	}()

	e.transition(h, StateSyncing, nil, 0)

	batch, err := stream.InitialSync(ctx, e.cfg.InitialSyncLimit)
	if err != nil {
		return err
	}
	if err := e.applyBatch(ctx, h, batch); err != nil {
		return err
	}
	*attempt = 0

	for {
		batch, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		if err := e.applyBatch(ctx, h, batch); err != nil {
			return err
		}
	}
}

func (e *Engine) fail(h *Handle, err error) {
	h.setErr(err)
	e.transition(h, StateDisconnected, err, 0)
	e.log.Error("sync.failed", "owner", h.owner, "err", err)
}

func (e *Engine) transition(h *Handle, to State, cause error, attempt int) {
	from := h.setState(to)
	if from != to {
		e.m.Connections.WithLabelValues(from.String()).Dec()
		e.m.Connections.WithLabelValues(to.String()).Inc()
	}

	p := pushv1.SyncStatePayload{State: to.String(), Attempt: attempt}
	if cause != nil {
		p.Error = cause.Error()
	}
	e.log.Info("sync.state", "owner", h.owner, "from", from.String(), "to", to.String(), "attempt", attempt)
	e.publish(h.owner, pushv1.TypeSyncStateChanged, p)
}

func (e *Engine) publish(owner, typ string, payload any) {
	now := e.now()
	id, err := ids.NewULID(now)
	if err != nil {
		e.log.Error("sync.publish.id", "owner", owner, "type", typ, "err", err)
		return
	}
	env, err := pushv1.NewEnvelope(typ, id, now, payload)
	if err != nil {
		e.log.Error("sync.publish.envelope", "owner", owner, "type", typ, "err", err)
		return
	}
	e.push.Publish(owner, env)
}

// Handle observes and controls one user's sync loop.
type Handle struct {
	owner    string
	cancel   context.CancelFunc
	done     chan struct{}
	warnings chan Warning

	// applyMu serializes event application for the owner across the sync
	// loop and Backfill.
	applyMu sync.Mutex

	mu      sync.Mutex
	state   State
	err     error
	stream  Stream
	stopped bool
}

func newHandle(owner string, cancel context.CancelFunc) *Handle {
	return &Handle{
		owner:    owner,
		cancel:   cancel,
		done:     make(chan struct{}),
		warnings: make(chan Warning, warningBuffer),
	}
}

// Owner returns the local user the handle syncs.
func (h *Handle) Owner() string { return h.owner }

// State returns the current connection state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the error that ended the loop, if it ended on its own.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Done is closed when the loop has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Warnings delivers security warnings. Warnings are dropped while the buffer is full.
func (h *Handle) Warnings() <-chan Warning { return h.warnings }

func (h *Handle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Handle) setState(s State) State {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.state
	h.state = s
	return prev
}

func (h *Handle) setErr(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

func (h *Handle) attach(s Stream) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.stream = s
	return true
}

func (h *Handle) detach() {
	h.mu.Lock()
	h.stream = nil
	h.mu.Unlock()
}

// liveStream returns the attached stream while the handle is syncing.
func (h *Handle) liveStream() (Stream, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stream == nil || h.state != StateSyncing {
		return nil, false
	}
	return h.stream, true
}

func (h *Handle) stop() {
	h.mu.Lock()
	h.stopped = true
	s := h.stream
	h.mu.Unlock()

	h.cancel()
	if s != nil {
		_ = s.Close()
	}
}

func (h *Handle) warn(w Warning) bool {
	select {
	case h.warnings <- w:
		return true
	default:
		return false
	}
}
