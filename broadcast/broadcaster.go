package broadcast

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/xraph/ralph"
	"github.com/xraph/ralph/id"
)

const (
	// DefaultSweepInterval is how often the stale-subscription sweep runs
	// while at least one subscriber exists.
	DefaultSweepInterval = 60 * time.Second

	// DefaultStaleAfter is how long a subscription may go without a
	// delivered update before the sweep evicts it.
	DefaultStaleAfter = 5 * time.Minute
)

// Callback receives progress updates synchronously within Emit. A panic
// inside a callback is recovered and logged; it never prevents delivery
// to other subscribers.
type Callback func(*ProgressUpdate)

// subscription is the broadcaster-owned record for one subscriber.
type subscription struct {
	id          id.SubscriptionID
	fn          Callback
	filters     map[UpdateType]struct{}
	createdAt   time.Time
	lastEventAt time.Time
}

func (s *subscription) wants(u *ProgressUpdate) bool {
	if len(s.filters) == 0 {
		return true
	}
	_, ok := s.filters[u.Type]
	return ok
}

// Broadcaster turns workflow events into progress updates and fans them
// out: a bounded replay buffer for late joiners, synchronous in-process
// subscribers, a derived progress stream on disk, and best-effort
// webhooks. It is designed for many concurrent subscribers and a single
// emitting writer.
//
// Lifecycle: New, then Emit/Subscribe freely, then Close. The stale
// sweep starts itself on the first subscribe and stops when no
// subscribers remain.
type Broadcaster struct {
	logger *slog.Logger

	mu       sync.Mutex
	buffer   *ring
	subs     map[id.SubscriptionID]*subscription
	webhooks map[string]Webhook // keyed by URL, last write wins
	closed   bool

	progress     *os.File
	progressPath string

	sweepInterval time.Duration
	staleAfter    time.Duration
	sweepStop     chan struct{}

	webhookTimeout time.Duration
	httpClient     *http.Client
	limiter        *rate.Limiter
	wg             sync.WaitGroup

	emitted   atomic.Int64
	delivered atomic.Int64
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithBufferSize sets the replay ring buffer capacity.
func WithBufferSize(size int) Option {
	return func(b *Broadcaster) { b.buffer = newRing(size) }
}

// WithProgressFile sets the path of the derived progress stream. When
// unset, no stream is written.
func WithProgressFile(path string) Option {
	return func(b *Broadcaster) { b.progressPath = path }
}

// WithSweepInterval sets how often the stale-subscription sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(b *Broadcaster) { b.sweepInterval = d }
}

// WithStaleAfter sets the idle threshold for sweep eviction.
func WithStaleAfter(d time.Duration) Option {
	return func(b *Broadcaster) { b.staleAfter = d }
}

// WithWebhookTimeout sets the per-webhook, per-update delivery timeout.
func WithWebhookTimeout(d time.Duration) Option {
	return func(b *Broadcaster) { b.webhookTimeout = d }
}

// WithHTTPClient replaces the webhook HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Broadcaster) { b.httpClient = c }
}

// WithRateLimit caps outbound webhook deliveries per second.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(b *Broadcaster) { b.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// New creates a Broadcaster. The progress stream file, when configured,
// is opened for append immediately.
func New(logger *slog.Logger, opts ...Option) (*Broadcaster, error) {
	b := &Broadcaster{
		logger:         logger,
		buffer:         newRing(DefaultBufferSize),
		subs:           make(map[id.SubscriptionID]*subscription),
		webhooks:       make(map[string]Webhook),
		sweepInterval:  DefaultSweepInterval,
		staleAfter:     DefaultStaleAfter,
		webhookTimeout: DefaultWebhookTimeout,
		httpClient:     &http.Client{},
		limiter:        rate.NewLimiter(rate.Inf, 0),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.progressPath != "" {
		if err := os.MkdirAll(filepath.Dir(b.progressPath), 0o755); err != nil {
			return nil, fmt.Errorf("broadcast: create progress dir: %w", err)
		}
		f, err := os.OpenFile(b.progressPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("broadcast: open progress stream %s: %w", b.progressPath, err)
		}
		b.progress = f
	}

	return b, nil
}

// Subscribe registers a callback for progress updates. With no filters
// the callback receives every update; otherwise only the listed types.
// The first subscriber starts the stale sweep.
func (b *Broadcaster) Subscribe(fn Callback, filters ...UpdateType) id.SubscriptionID {
	sub := &subscription{
		id:        id.NewSubscriptionID(),
		fn:        fn,
		createdAt: time.Now().UTC(),
	}
	if len(filters) > 0 {
		sub.filters = make(map[UpdateType]struct{}, len(filters))
		for _, f := range filters {
			sub.filters[f] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return sub.id
	}

	b.subs[sub.id] = sub
	if b.sweepStop == nil {
		b.sweepStop = make(chan struct{})
		go b.sweep(b.sweepStop)
	}
	return sub.id
}

// Unsubscribe removes a subscription. Unknown IDs are a no-op.
func (b *Broadcaster) Unsubscribe(sid id.SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sid)
}

// HandleEvent translates a workflow event and emits the resulting
// update, if the event type maps to one. This is the hook the engine
// calls after every durable append.
func (b *Broadcaster) HandleEvent(evt *ralph.Event) {
	if u, ok := Translate(evt); ok {
		b.Emit(u)
	}
}

// Emit appends the update to the replay buffer, persists it to the
// progress stream, delivers it synchronously to matching subscribers,
// and hands it to webhook delivery in the background. Subscriber and
// webhook failures are logged, never propagated.
func (b *Broadcaster) Emit(u *ProgressUpdate) {
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	b.buffer.add(u)
	b.writeProgressLocked(u)

	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.wants(u) {
			targets = append(targets, sub)
		}
	}
	var hooks []Webhook
	for _, hook := range b.webhooks {
		if hook.wants(u) {
			hooks = append(hooks, hook)
		}
	}
	if len(hooks) > 0 {
		// Registered before the lock is released so Close cannot observe
		// an empty WaitGroup while a dispatch is about to start.
		b.wg.Add(1)
	}
	b.mu.Unlock()

	b.emitted.Add(1)

	now := time.Now().UTC()
	for _, sub := range targets {
		b.deliver(sub, u)
		b.mu.Lock()
		sub.lastEventAt = now
		b.mu.Unlock()
	}

	if len(hooks) > 0 {
		go func() {
			defer b.wg.Done()
			b.dispatchWebhooks(hooks, u)
		}()
	}
}

// deliver invokes one callback with panic isolation.
func (b *Broadcaster) deliver(sub *subscription, u *ProgressUpdate) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber callback panicked",
				slog.String("subscription_id", sub.id.String()),
				slog.Any("panic", r))
		}
	}()
	sub.fn(u)
}

// writeProgressLocked appends one JSON line to the progress stream. The
// stream is derived, so write errors are logged and swallowed.
func (b *Broadcaster) writeProgressLocked(u *ProgressUpdate) {
	if b.progress == nil {
		return
	}
	data, err := json.Marshal(u)
	if err != nil {
		b.logger.Warn("progress update encode failed", slog.Any("error", err))
		return
	}
	if _, err := b.progress.Write(append(data, '\n')); err != nil {
		b.logger.Warn("progress stream write failed", slog.Any("error", err))
	}
}

// GetBufferedEvents returns buffered updates for reconnect replay,
// oldest first, optionally restricted to updates after since and to the
// given types.
func (b *Broadcaster) GetBufferedEvents(since time.Time, types ...UpdateType) []*ProgressUpdate {
	var want map[UpdateType]struct{}
	if len(types) > 0 {
		want = make(map[UpdateType]struct{}, len(types))
		for _, t := range types {
			want[t] = struct{}{}
		}
	}

	b.mu.Lock()
	all := b.buffer.snapshot()
	b.mu.Unlock()

	out := make([]*ProgressUpdate, 0, len(all))
	for _, u := range all {
		if !since.IsZero() && !u.Timestamp.After(since) {
			continue
		}
		if want != nil {
			if _, ok := want[u.Type]; !ok {
				continue
			}
		}
		out = append(out, u)
	}
	return out
}

// RegisterWebhook adds an external receiver. Registering a URL that
// already exists replaces the prior registration.
func (b *Broadcaster) RegisterWebhook(w Webhook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.webhooks[w.URL] = w
}

// RemoveWebhook deletes the registration for a URL.
func (b *Broadcaster) RemoveWebhook(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.webhooks, url)
}

// sweep evicts subscriptions that have not received an update within
// the stale threshold. It exits once no subscribers remain; the next
// Subscribe restarts it.
func (b *Broadcaster) sweep(stop chan struct{}) {
	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if b.sweepOnce() {
				return
			}
		}
	}
}

// sweepOnce runs one eviction pass. It returns true when the sweep
// should stop because no subscribers remain.
func (b *Broadcaster) sweepOnce() bool {
	now := time.Now().UTC()

	b.mu.Lock()
	defer b.mu.Unlock()

	for sid, sub := range b.subs {
		last := sub.lastEventAt
		if last.IsZero() {
			last = sub.createdAt
		}
		if now.Sub(last) > b.staleAfter {
			delete(b.subs, sid)
			b.logger.Info("evicted stale subscription",
				slog.String("subscription_id", sid.String()),
				slog.Time("last_event_at", last))
		}
	}

	if len(b.subs) == 0 {
		b.sweepStop = nil
		return true
	}
	return false
}

// Stats is a point-in-time view of broadcaster activity.
type Stats struct {
	Subscribers int   `json:"subscribers"`
	Buffered    int   `json:"buffered"`
	Webhooks    int   `json:"webhooks"`
	Emitted     int64 `json:"emitted"`
	Delivered   int64 `json:"delivered"`
}

// GetStats returns current counts.
func (b *Broadcaster) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Subscribers: len(b.subs),
		Buffered:    b.buffer.len(),
		Webhooks:    len(b.webhooks),
		Emitted:     b.emitted.Load(),
		Delivered:   b.delivered.Load(),
	}
}

// Close stops the sweep, waits for in-flight webhook deliveries, and
// closes the progress stream. Emit and Subscribe become no-ops.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.sweepStop != nil {
		close(b.sweepStop)
		b.sweepStop = nil
	}
	b.subs = make(map[id.SubscriptionID]*subscription)
	b.mu.Unlock()

	b.wg.Wait()

	if b.progress != nil {
		if err := b.progress.Close(); err != nil {
			return fmt.Errorf("broadcast: close progress stream: %w", err)
		}
	}
	return nil
}
