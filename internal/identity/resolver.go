package identity

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	// DefaultCacheSize bounds the committed @lid mappings kept in memory.
	DefaultCacheSize = 50_000
	// DefaultPendingSize bounds the correlation ids waiting for their second
	// half. Most phone-number chats never produce an @lid half, so the oldest
	// waiting ids are evicted.
	DefaultPendingSize = 10_000
)

// Resolver reconciles anonymized @lid routing ids with the phone addresses
// observed for them later in the event stream. It is a best-effort side
// table: a miss only means the raw identifier is used.
type Resolver interface {
	// Record stores whichever halves are non-empty under correlationID and
	// commits anonymized -> canonical once both halves are known.
	Record(correlationID, anonymized, canonical string)
	// Resolve returns the canonical form recorded for raw, or raw itself.
	Resolve(raw string) string
}

type half struct {
	anonymized string
	canonical  string
}

// MemoryResolver is a process-wide in-memory Resolver. Pending halves are
// kept per correlation id until their counterpart arrives or they are
// evicted; committed mappings live in a separate LRU.
type MemoryResolver struct {
	mu       sync.Mutex
	pending  *lru.Cache[string, half]
	mappings *lru.Cache[string, string]
	onCommit func(anonymized, canonical string)
}

// NewMemoryResolver creates a resolver holding at most size committed mappings
// and DefaultPendingSize waiting halves.
func NewMemoryResolver(size int) *MemoryResolver {
	return newMemoryResolver(size, DefaultPendingSize)
}

func newMemoryResolver(size, pendingSize int) *MemoryResolver {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if pendingSize <= 0 {
		pendingSize = DefaultPendingSize
	}
	cache, _ := lru.New[string, string](size)
	pending, _ := lru.New[string, half](pendingSize)
	return &MemoryResolver{
		pending:  pending,
		mappings: cache,
	}
}

func (r *MemoryResolver) Record(correlationID, anonymized, canonical string) {
	if anonymized != "" && !IsAnonymized(anonymized) {
		anonymized = ""
	}
	if canonical != "" && !IsPhone(canonical) {
		canonical = ""
	}
	if anonymized == "" && canonical == "" {
		return
	}

	r.mu.Lock()
	h, _ := r.pending.Get(correlationID)
	if anonymized != "" {
		h.anonymized = anonymized
	}
	if canonical != "" {
		h.canonical = canonical
	}
	if h.anonymized == "" || h.canonical == "" {
		r.pending.Add(correlationID, h)
		r.mu.Unlock()
		return
	}
	r.pending.Remove(correlationID)
	prev, seen := r.mappings.Get(h.anonymized)
	r.mappings.Add(h.anonymized, h.canonical)
	notify := r.onCommit
	r.mu.Unlock()

	if notify != nil && (!seen || prev != h.canonical) {
		notify(h.anonymized, h.canonical)
	}
}

func (r *MemoryResolver) Resolve(raw string) string {
	if !IsAnonymized(raw) {
		return raw
	}
	if canonical, ok := r.mappings.Get(raw); ok {
		return canonical
	}
	return raw
}

// Load seeds committed mappings without triggering commit callbacks.
func (r *MemoryResolver) Load(mappings map[string]string) {
	for anonymized, canonical := range mappings {
		r.mappings.Add(anonymized, canonical)
	}
}

// Pending returns the number of correlation ids still waiting for a half.
func (r *MemoryResolver) Pending() int {
	return r.pending.Len()
}

// MappingStore persists committed mappings.
type MappingStore interface {
	SaveLIDMapping(ctx context.Context, lid, pn string) error
	LoadLIDMappings(ctx context.Context) (map[string]string, error)
}

// PersistentResolver is a MemoryResolver whose commits are written through to
// a MappingStore and which is warmed from it on construction.
type PersistentResolver struct {
	*MemoryResolver
	store  MappingStore
	logger *zap.Logger
}

// NewPersistentResolver loads known mappings from ms and writes new ones back.
// Write failures are logged; the in-memory mapping stays authoritative.
func NewPersistentResolver(ctx context.Context, size int, ms MappingStore, logger *zap.Logger) (*PersistentResolver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mem := NewMemoryResolver(size)
	known, err := ms.LoadLIDMappings(ctx)
	if err != nil {
		return nil, err
	}
	mem.Load(known)

	p := &PersistentResolver{MemoryResolver: mem, store: ms, logger: logger}
	mem.onCommit = p.persist
	logger.Info("identity mappings loaded", zap.Int("count", len(known)))
	return p, nil
}

func (p *PersistentResolver) persist(anonymized, canonical string) {
	if err := p.store.SaveLIDMapping(context.Background(), anonymized, canonical); err != nil {
		p.logger.Warn("failed to persist lid mapping",
			zap.Error(err),
			zap.String("lid", anonymized),
			zap.String("pn", canonical))
	}
}
