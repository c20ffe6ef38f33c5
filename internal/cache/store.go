package cache

import (
	"context"
	"sync"
	"time"

	"github.com/italolelis/gamecloud_sync/internal/logctx"
	"github.com/italolelis/gamecloud_sync/internal/telemetry"
	"golang.org/x/sync/singleflight"
)

// Loader fetches a fresh snapshot of the resource.
type Loader[T any] func(ctx context.Context) ([]T, error)

// Entry is the observable state of a Store.
type Entry[T any] struct {
	Data          []T           `json:"data"`
	IsLoading     bool          `json:"is_loading"`
	IsInitialized bool          `json:"is_initialized"`
	Error         string        `json:"error,omitempty"`
	LastFetchedAt *time.Time    `json:"last_fetched_at,omitempty"`
	TTL           time.Duration `json:"ttl"`
}

// Store caches the result of a Loader for a TTL. Concurrent fetches share
// a single in-flight load.
type Store[T any] struct {
	name         string
	loader       Loader[T]
	now          func() time.Time
	fetchTimeout time.Duration
	tel          *telemetry.Telemetry

	group singleflight.Group

	mu    sync.RWMutex
	entry Entry[T]

	listenersMu sync.Mutex
	listeners   map[int]func(Entry[T])
	nextID      int
}

// Option configures a Store.
type Option func(*options)

type options struct {
	now          func() time.Time
	fetchTimeout time.Duration
	tel          *telemetry.Telemetry
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithFetchTimeout bounds a single load. Zero disables the bound.
func WithFetchTimeout(d time.Duration) Option {
	return func(o *options) {
		o.fetchTimeout = d
	}
}

// WithTelemetry records fetch outcomes and traces loads.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *options) {
		o.tel = tel
	}
}

// New creates an empty store named name.
func New[T any](name string, ttl time.Duration, loader Loader[T], opts ...Option) *Store[T] {
	o := options{now: time.Now, fetchTimeout: 30 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	return &Store[T]{
		name:         name,
		loader:       loader,
		now:          o.now,
		fetchTimeout: o.fetchTimeout,
		tel:          o.tel,
		entry:        Entry[T]{Data: []T{}, TTL: ttl},
		listeners:    make(map[int]func(Entry[T])),
	}
}

// Name returns the store name.
func (s *Store[T]) Name() string {
	return s.name
}

// Fetch makes sure the store holds fresh data. A fresh cache returns
// immediately. Otherwise the caller joins the in-flight load, or starts
// one, and waits for it. The load error, if any, is returned and also
// recorded in the entry.
func (s *Store[T]) Fetch(ctx context.Context) error {
	if s.fresh() {
		s.tel.RecordStoreFetch(ctx, s.name, "hit", 0)

		return nil
	}

	start := time.Now()

	ch := s.group.DoChan(s.name, func() (any, error) {
		// a load that finished while this call was queued already did the work
		if s.fresh() {
			return nil, nil
		}

		loadCtx := context.WithoutCancel(ctx)

		if s.fetchTimeout > 0 {
			var cancel context.CancelFunc

			loadCtx, cancel = context.WithTimeout(loadCtx, s.fetchTimeout)
			defer cancel()
		}

		return nil, s.load(loadCtx)
	})

	select {
	case res := <-ch:
		if res.Shared {
			s.tel.RecordStoreFetch(ctx, s.name, "shared", time.Since(start))
		}

		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Refresh forces a load regardless of the TTL.
func (s *Store[T]) Refresh(ctx context.Context) error {
	s.mu.Lock()
	s.entry.LastFetchedAt = nil
	s.mu.Unlock()

	return s.Fetch(ctx)
}

// Clear resets the store to its initial empty state. A load already in
// flight still writes its result when it completes.
func (s *Store[T]) Clear() {
	s.mu.Lock()
	s.entry = Entry[T]{Data: []T{}, TTL: s.entry.TTL}
	s.mu.Unlock()

	s.notify()
}

// Snapshot returns a copy of the current entry.
func (s *Store[T]) Snapshot() Entry[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.snapshotLocked()
}

// Find returns the first cached item matching match.
func (s *Store[T]) Find(match func(T) bool) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, item := range s.entry.Data {
		if match(item) {
			return item, true
		}
	}

	var zero T

	return zero, false
}

// Subscribe registers fn to be called with a snapshot after every state
// change. The returned func removes the subscription.
func (s *Store[T]) Subscribe(fn func(Entry[T])) func() {
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

func (s *Store[T]) fresh() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entry.Data) == 0 || s.entry.LastFetchedAt == nil {
		return false
	}

	return s.now().Sub(*s.entry.LastFetchedAt) < s.entry.TTL
}

func (s *Store[T]) load(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("store", s.name)

	s.mu.Lock()
	s.entry.IsLoading = true
	s.entry.Error = ""
	s.mu.Unlock()

	s.notify()

	var data []T

	err := s.tel.InstrumentLoad(ctx, s.name, func(ctx context.Context) error {
		var err error

		data, err = s.loader(ctx)

		return err
	})

	s.mu.Lock()
	s.entry.IsLoading = false
	s.entry.IsInitialized = true

	if err != nil {
		s.entry.Error = err.Error()
	} else {
		if data == nil {
			data = []T{}
		}

		now := s.now()
		s.entry.Data = data
		s.entry.LastFetchedAt = &now
	}
	s.mu.Unlock()

	s.notify()

	if err != nil {
		logger.WarnContext(ctx, "store load failed", "err", err)

		return err
	}

	logger.DebugContext(ctx, "store loaded", "items", len(data))

	return nil
}

func (s *Store[T]) snapshotLocked() Entry[T] {
	e := s.entry

	e.Data = make([]T, len(s.entry.Data))
	copy(e.Data, s.entry.Data)

	if s.entry.LastFetchedAt != nil {
		t := *s.entry.LastFetchedAt
		e.LastFetchedAt = &t
	}

	return e
}

func (s *Store[T]) notify() {
	snapshot := s.Snapshot()

	s.listenersMu.Lock()
	fns := make([]func(Entry[T]), 0, len(s.listeners))

	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}
