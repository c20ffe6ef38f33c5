package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/italolelis/gamecloud_sync/internal/actions"
	"github.com/italolelis/gamecloud_sync/internal/cache"
	"github.com/italolelis/gamecloud_sync/internal/download"
	"github.com/italolelis/gamecloud_sync/internal/logctx"
	"github.com/italolelis/gamecloud_sync/internal/realtime"
	"github.com/italolelis/gamecloud_sync/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// ErrEnded is returned by fetches issued after End and before the next Start.
var ErrEnded = errors.New("session ended")

// Upstream is the REST surface a session needs.
type Upstream interface {
	actions.API
	ListLibrary(ctx context.Context) ([]download.LibraryEntry, error)
	ListDownloads(ctx context.Context) ([]download.Record, error)
	GetStats(ctx context.Context) ([]download.Stats, error)
}

// Pusher is the push channel a session drives.
type Pusher interface {
	Connect(ctx context.Context) error
	Disconnect()
	Update(id string) (download.PushEvent, bool)
	Snapshot() realtime.Status
	Subscribe(fn func(realtime.Status)) func()
}

// Config holds the cache settings of a session.
type Config struct {
	LibraryTTL   time.Duration
	DownloadsTTL time.Duration
	StatsTTL     time.Duration
	FetchTimeout time.Duration
}

// DefaultConfig returns the stock TTLs.
func DefaultConfig() Config {
	return Config{
		LibraryTTL:   2 * time.Minute,
		DownloadsTTL: time.Minute,
		StatsTTL:     5 * time.Minute,
		FetchTimeout: 30 * time.Second,
	}
}

// StoreStatus is the metadata of one store, without its data.
type StoreStatus struct {
	Items         int        `json:"items"`
	IsLoading     bool       `json:"is_loading"`
	IsInitialized bool       `json:"is_initialized"`
	Error         string     `json:"error,omitempty"`
	LastFetchedAt *time.Time `json:"last_fetched_at,omitempty"`
	TTL           string     `json:"ttl"`
}

// Status is the combined connection and cache state.
type Status struct {
	Connection realtime.State         `json:"connection"`
	Connected  bool                   `json:"connected"`
	LastError  string                 `json:"last_error,omitempty"`
	Updates    int                    `json:"updates"`
	Stores     map[string]StoreStatus `json:"stores"`
}

// Session owns the stores, the push channel and the dispatcher for one
// authenticated user.
type Session struct {
	api        Upstream
	downloads  *cache.Store[download.Record]
	library    *cache.Store[download.LibraryEntry]
	stats      *cache.Store[download.Stats]
	channel    Pusher
	dispatcher *actions.Dispatcher

	mu    sync.Mutex
	ended bool

	listenersMu sync.Mutex
	listeners   map[int]func()
	nextID      int
}

// New builds a session over api and channel. tel may be nil.
func New(api Upstream, channel Pusher, cfg Config, tel *telemetry.Telemetry, opts ...cache.Option) *Session {
	storeOpts := append([]cache.Option{cache.WithFetchTimeout(cfg.FetchTimeout), cache.WithTelemetry(tel)}, opts...)

	s := &Session{
		api:       api,
		downloads: cache.New("downloads", cfg.DownloadsTTL, api.ListDownloads, storeOpts...),
		library:   cache.New("library", cfg.LibraryTTL, api.ListLibrary, storeOpts...),
		stats:     cache.New("stats", cfg.StatsTTL, api.GetStats, storeOpts...),
		channel:   channel,
		listeners: make(map[int]func()),
	}

	s.dispatcher = actions.NewDispatcher(api, s.downloads, s.library, s.stats, tel)

	s.downloads.Subscribe(func(cache.Entry[download.Record]) { s.notify() })
	s.library.Subscribe(func(cache.Entry[download.LibraryEntry]) { s.notify() })
	s.stats.Subscribe(func(cache.Entry[download.Stats]) { s.notify() })
	channel.Subscribe(func(realtime.Status) { s.notify() })

	return s
}

// Start loads every store and opens the push channel. Failures are logged
// and recorded in the stores and channel status.
func (s *Session) Start(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx).With("component", "session")

	s.mu.Lock()
	s.ended = false
	s.mu.Unlock()

	if err := s.FetchAll(ctx); err != nil {
		logger.WarnContext(ctx, "initial load incomplete", "err", err)
	}

	if err := s.channel.Connect(ctx); err != nil {
		logger.WarnContext(ctx, "push channel unavailable", "err", err)
	}

	logger.InfoContext(ctx, "session started")
}

// End clears every store, closes the push channel and drops the cached
// token. Fetches stay disabled until the next Start.
func (s *Session) End() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()

	s.clear()
	s.channel.Disconnect()

	if r, ok := s.api.(interface{ ResetAuth() }); ok {
		r.ResetAuth()
	}
}

// Ended reports whether End ran since the last Start.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ended
}

// FetchAll fetches every store concurrently, honouring TTLs.
func (s *Session) FetchAll(ctx context.Context) error {
	return s.each(ctx, func(ctx context.Context, st store) error { return st.Fetch(ctx) })
}

// RefreshAll reloads every store concurrently, ignoring TTLs.
func (s *Session) RefreshAll(ctx context.Context) error {
	return s.each(ctx, func(ctx context.Context, st store) error { return st.Refresh(ctx) })
}

// Poll fetches every store at interval until ctx is done. The TTLs decide
// whether the network is hit.
func (s *Session) Poll(ctx context.Context, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx).With("component", "session")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.Ended() {
				continue
			}

			if err := s.FetchAll(ctx); err != nil && !errors.Is(err, ErrEnded) {
				logger.WarnContext(ctx, "poll failed", "err", err)
			}
		}
	}
}

// Downloads returns the downloads merged with the latest push events.
func (s *Session) Downloads() []download.View {
	return download.MergeAll(s.downloads.Snapshot().Data, s.channel.Update)
}

// Library returns the library with push events applied to the embedded
// downloads.
func (s *Session) Library() []download.LibraryView {
	return download.MergeLibraryAll(s.library.Snapshot().Data, s.channel.Update)
}

// Stats returns the statistics once loaded.
func (s *Session) Stats() (download.Stats, bool) {
	data := s.stats.Snapshot().Data
	if len(data) == 0 {
		return download.Stats{}, false
	}

	return data[0], true
}

// Status returns the connection state and per-store metadata.
func (s *Session) Status() Status {
	conn := s.channel.Snapshot()

	return Status{
		Connection: conn.State,
		Connected:  conn.Connected,
		LastError:  conn.LastError,
		Updates:    len(conn.Updates),
		Stores: map[string]StoreStatus{
			s.downloads.Name(): storeStatus(s.downloads.Snapshot()),
			s.library.Name():   storeStatus(s.library.Snapshot()),
			s.stats.Name():     storeStatus(s.stats.Snapshot()),
		},
	}
}

// Dispatcher returns the action dispatcher bound to this session's stores.
func (s *Session) Dispatcher() *actions.Dispatcher {
	return s.dispatcher
}

// Subscribe registers fn to run after any store or channel change.
func (s *Session) Subscribe(fn func()) func() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = fn

	return func() {
		s.listenersMu.Lock()
		defer s.listenersMu.Unlock()

		delete(s.listeners, id)
	}
}

type store interface {
	Name() string
	Fetch(ctx context.Context) error
	Refresh(ctx context.Context) error
}

func (s *Session) each(ctx context.Context, fn func(context.Context, store) error) error {
	if s.Ended() {
		return ErrEnded
	}

	stores := []store{s.downloads, s.library, s.stats}
	errs := make([]error, len(stores))

	var g errgroup.Group

	for i, st := range stores {
		g.Go(func() error {
			errs[i] = fn(ctx, st)

			return nil
		})
	}

	_ = g.Wait()

	// Loads that finish after End must not repopulate the stores.
	if s.Ended() {
		s.clear()

		return ErrEnded
	}

	return errors.Join(errs...)
}

func (s *Session) clear() {
	s.downloads.Clear()
	s.library.Clear()
	s.stats.Clear()
}

func (s *Session) notify() {
	s.listenersMu.Lock()
	fns := make([]func(), 0, len(s.listeners))

	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func storeStatus[T any](e cache.Entry[T]) StoreStatus {
	return StoreStatus{
		Items:         len(e.Data),
		IsLoading:     e.IsLoading,
		IsInitialized: e.IsInitialized,
		Error:         e.Error,
		LastFetchedAt: e.LastFetchedAt,
		TTL:           e.TTL.String(),
	}
}
