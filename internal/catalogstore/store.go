// Package catalogstore provides the durable key-value backing store used
// by the catalog for every record kind (papers, page images, id tasks,
// mark tasks, users, audit entries). It replaces the teacher's bespoke
// natsclient Post/Get/domain helpers with the standard nats.go JetStream
// KeyValue API, while keeping the same "one bucket per record kind,
// JSON blob per key" shape.
//
// catalogstore itself makes no serialisability promise beyond what a
// single JetStream KV Put/Get gives a single key; the catalog package is
// responsible for wrapping whole multi-key transitions in its own
// single-writer mutex (spec section 5: "if hand-rolled, a single writer
// lock around each mutating operation suffices").
package catalogstore

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/plomorg/plomd/internal/apierr"
)

// ErrNotFound is returned by Bucket.Get when key has no value.
var ErrNotFound = errors.New("catalogstore: key not found")

// Bucket is the minimal durable-map interface the catalog needs. It is
// satisfied both by a JetStream KeyValue store and by an in-memory fake
// used in unit tests.
type Bucket interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Keys() ([]string, error)
}

// Store opens and caches one Bucket per record kind.
type Store interface {
	Bucket(name string) (Bucket, error)
}

// ─── JetStream-backed implementation ─────────────────────────────────────

// NatsStore connects to a NATS server and lazily creates one JetStream
// KeyValue bucket per requested name.
type NatsStore struct {
	nc *nats.Conn
	js nats.JetStreamContext

	mu      sync.Mutex
	buckets map[string]nats.KeyValue
}

// Connect dials url and returns a NatsStore. Like the teacher's
// delegation.NewEngine, connection failure is a hard startup error — the
// coordinator has no useful degraded mode without its catalog backing
// store.
func Connect(url string) (*NatsStore, error) {
	nc, err := nats.Connect(url, nats.Name("plomd-coordinator"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, apierr.Wrap(apierr.ServerError, fmt.Sprintf("connecting to nats at %s", url), err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, apierr.Wrap(apierr.ServerError, "acquiring jetstream context", err)
	}
	return &NatsStore{nc: nc, js: js, buckets: make(map[string]nats.KeyValue)}, nil
}

func (s *NatsStore) Close() {
	s.nc.Close()
}

func (s *NatsStore) Bucket(name string) (Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if kv, ok := s.buckets[name]; ok {
		return &natsBucket{kv: kv}, nil
	}

	kv, err := s.js.KeyValue(name)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = s.js.CreateKeyValue(&nats.KeyValueConfig{Bucket: name})
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.ServerError, fmt.Sprintf("opening kv bucket %s", name), err)
	}
	s.buckets[name] = kv
	return &natsBucket{kv: kv}, nil
}

type natsBucket struct {
	kv nats.KeyValue
}

func (b *natsBucket) Get(key string) ([]byte, error) {
	entry, err := b.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry.Value(), nil
}

func (b *natsBucket) Put(key string, value []byte) error {
	_, err := b.kv.Put(key, value)
	return err
}

func (b *natsBucket) Delete(key string) error {
	return b.kv.Delete(key)
}

func (b *natsBucket) Keys() ([]string, error) {
	keys, err := b.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	return keys, err
}

// ─── In-memory fake, used by the catalog, admin and dispatch unit tests;
// the coordinator binary itself always connects to NATS ─────────────────

// MemStore is an in-memory Store, safe for concurrent use.
type MemStore struct {
	mu      sync.Mutex
	buckets map[string]*memBucket
}

// NewMemStore returns a ready-to-use in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{buckets: make(map[string]*memBucket)}
}

func (s *MemStore) Bucket(name string) (Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[name]
	if !ok {
		b = &memBucket{data: make(map[string][]byte)}
		s.buckets[name] = b
	}
	return b, nil
}

type memBucket struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func (b *memBucket) Get(key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (b *memBucket) Put(key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	b.data[key] = cp
	return nil
}

func (b *memBucket) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}

func (b *memBucket) Keys() ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.data))
	for k := range b.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
