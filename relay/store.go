package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-co-op/gocron/v2"
	"github.com/machinefabric/altport-go/events"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultTTL bounds how long stored files wait for their request.
const DefaultTTL = 5 * time.Minute

// FileStore holds file bundles between file:store and file:request. Take
// removes the entry it returns, so every bundle is served at most once.
type FileStore interface {
	Put(ctx context.Context, id string, bundle events.FileBundle) error
	Take(ctx context.Context, id string) (events.FileBundle, bool, error)
	Close() error
}

type memEntry struct {
	bundle  events.FileBundle
	expires time.Time
}

// MemoryStore keeps bundles in memory. Expired entries are invisible to
// Take and are swept periodically.
type MemoryStore struct {
	ttl   time.Duration
	now   func() time.Time
	log   zerolog.Logger
	sched gocron.Scheduler

	mu      sync.Mutex
	entries map[string]memEntry
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// WithStoreLogger sets the store logger.
func WithStoreLogger(log zerolog.Logger) MemoryOption {
	return func(s *MemoryStore) { s.log = log }
}

// NewMemoryStore creates a store whose entries live for ttl. A zero ttl
// means DefaultTTL. The sweep runs every ttl/2.
func NewMemoryStore(ttl time.Duration, opts ...MemoryOption) (*MemoryStore, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		log:     zerolog.Nop(),
		entries: make(map[string]memEntry),
	}
	for _, opt := range opts {
		opt(s)
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("relay: sweep scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(ttl/2),
		gocron.NewTask(s.Sweep),
	)
	if err != nil {
		sched.Shutdown()
		return nil, fmt.Errorf("relay: sweep job: %w", err)
	}
	sched.Start()
	s.sched = sched
	return s, nil
}

func (s *MemoryStore) Put(_ context.Context, id string, bundle events.FileBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = memEntry{bundle: bundle, expires: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Take(_ context.Context, id string) (events.FileBundle, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return events.FileBundle{}, false, nil
	}
	delete(s.entries, id)
	if !s.now().Before(e.expires) {
		return events.FileBundle{}, false, nil
	}
	return e.bundle, true, nil
}

// Len returns the number of entries, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep drops expired entries.
func (s *MemoryStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	dropped := 0
	for id, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, id)
			dropped++
		}
	}
	if dropped > 0 {
		s.log.Debug().Int("dropped", dropped).Msg("swept expired file bundles")
	}
}

func (s *MemoryStore) Close() error {
	if s.sched == nil {
		return nil
	}
	return s.sched.Shutdown()
}

// redisClient is the part of the go-redis client RedisStore needs.
type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	GetDel(ctx context.Context, key string) *redis.StringCmd
	Close() error
}

// RedisStore keeps bundles in Redis with an expiry, so several background
// processes can share them. Take uses GETDEL and is atomic across processes.
type RedisStore struct {
	client redisClient
	prefix string
	ttl    time.Duration
}

const redisKeyPrefix = "altport:files:"

// NewRedisStore connects to url (redis://host:port/db) and checks the
// connection.
func NewRedisStore(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("relay: redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("relay: redis ping: %w", err)
	}
	return newRedisStore(c, ttl), nil
}

func newRedisStore(c redisClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: c, prefix: redisKeyPrefix, ttl: ttl}
}

func (s *RedisStore) Put(ctx context.Context, id string, bundle events.FileBundle) error {
	data, err := cbor.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("relay: encode bundle: %w", err)
	}
	return s.client.Set(ctx, s.prefix+id, data, s.ttl).Err()
}

func (s *RedisStore) Take(ctx context.Context, id string) (events.FileBundle, bool, error) {
	data, err := s.client.GetDel(ctx, s.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return events.FileBundle{}, false, nil
	}
	if err != nil {
		return events.FileBundle{}, false, err
	}
	var bundle events.FileBundle
	if err := cbor.Unmarshal(data, &bundle); err != nil {
		return events.FileBundle{}, false, fmt.Errorf("relay: decode bundle: %w", err)
	}
	return bundle, true, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
