// internal/membership/verification.go
package membership

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Pending is an outstanding phone verification.
type Pending struct {
	Code     string
	Attempts int
}

// CodeStore holds one pending code per phone number until it expires.
type CodeStore interface {
	Save(ctx context.Context, phone, code string, ttl time.Duration) error
	Get(ctx context.Context, phone string) (*Pending, error)
	IncrementAttempts(ctx context.Context, phone string) (int, error)
	Delete(ctx context.Context, phone string) error
}

func newCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// MemoryCodeStore is the single-instance CodeStore.
type MemoryCodeStore struct {
	mu      sync.Mutex
	entries map[string]*memoryCode
	now     func() time.Time
}

type memoryCode struct {
	Pending
	expires time.Time
}

func NewMemoryCodeStore() *MemoryCodeStore {
	return &MemoryCodeStore{entries: make(map[string]*memoryCode), now: time.Now}
}

func (s *MemoryCodeStore) Save(_ context.Context, phone, code string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[phone] = &memoryCode{Pending: Pending{Code: code}, expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryCodeStore) live(phone string) (*memoryCode, bool) {
	e, ok := s.entries[phone]
	if !ok {
		return nil, false
	}
	if !s.now().Before(e.expires) {
		delete(s.entries, phone)
		return nil, false
	}
	return e, true
}

func (s *MemoryCodeStore) Get(_ context.Context, phone string) (*Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(phone)
	if !ok {
		return nil, ErrCodeNotFound
	}
	p := e.Pending
	return &p, nil
}

func (s *MemoryCodeStore) IncrementAttempts(_ context.Context, phone string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(phone)
	if !ok {
		return 0, ErrCodeNotFound
	}
	e.Attempts++
	return e.Attempts, nil
}

func (s *MemoryCodeStore) Delete(_ context.Context, phone string) error {
	s.mu.Lock()
	delete(s.entries, phone)
	s.mu.Unlock()
	return nil
}

// RedisCodeStore shares pending codes across membership replicas. Each phone
// is a hash {code, attempts} with the code's TTL.
type RedisCodeStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCodeStore(client redis.UniversalClient, prefix string) *RedisCodeStore {
	if prefix == "" {
		prefix = "covernexus:verify"
	}
	return &RedisCodeStore{client: client, prefix: prefix}
}

func (s *RedisCodeStore) key(phone string) string {
	return s.prefix + ":" + phone
}

func (s *RedisCodeStore) Save(ctx context.Context, phone, code string, ttl time.Duration) error {
	key := s.key(phone)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key, "code", code, "attempts", 0)
		p.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save verification code: %w", err)
	}
	return nil
}

func (s *RedisCodeStore) Get(ctx context.Context, phone string) (*Pending, error) {
	vals, err := s.client.HGetAll(ctx, s.key(phone)).Result()
	if err != nil {
		return nil, fmt.Errorf("load verification code: %w", err)
	}
	code, ok := vals["code"]
	if !ok {
		return nil, ErrCodeNotFound
	}
	attempts, _ := strconv.Atoi(vals["attempts"])
	return &Pending{Code: code, Attempts: attempts}, nil
}

func (s *RedisCodeStore) IncrementAttempts(ctx context.Context, phone string) (int, error) {
	key := s.key(phone)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("check verification code: %w", err)
	}
	if exists == 0 {
		return 0, ErrCodeNotFound
	}
	n, err := s.client.HIncrBy(ctx, key, "attempts", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("count verification attempt: %w", err)
	}
	return int(n), nil
}

func (s *RedisCodeStore) Delete(ctx context.Context, phone string) error {
	if err := s.client.Del(ctx, s.key(phone)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete verification code: %w", err)
	}
	return nil
}
