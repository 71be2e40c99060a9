package strand

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const defaultSchemaTTL = 5 * time.Minute

type cacheEntry struct {
	schema    *AgentSchema
	expiresAt time.Time
}

// Registry resolves agent names to compiled schemas. Lookup precedence is
// store, then code-defined builtins, then the on-disk schema directory.
// Compiled schemas are cached with a TTL so store edits show up without a
// restart.
type Registry struct {
	store  Store
	dir    string
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	cache    map[string]cacheEntry
	builtins map[string]*AgentDocument
	diskOnce sync.Once
	disk     map[string]*AgentDocument
	diskErr  error
}

// NewRegistry creates a registry backed by the store and an optional schema
// directory (empty disables disk lookup).
func NewRegistry(store Store, dir string, ttl time.Duration, logger *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = defaultSchemaTTL
	}
	if logger == nil {
		logger = nopLogger
	}
	return &Registry{
		store:    store,
		dir:      dir,
		ttl:      ttl,
		now:      time.Now,
		logger:   logger,
		cache:    make(map[string]cacheEntry),
		builtins: make(map[string]*AgentDocument),
	}
}

// RegisterBuiltin adds a code-defined agent document. Builtins lose to store
// rows of the same name but win over disk files.
func (r *Registry) RegisterBuiltin(doc *AgentDocument) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builtins[doc.Name] = doc
	delete(r.cache, doc.Name)
}

// Invalidate drops the cached schema for a name, or everything when name is
// empty.
func (r *Registry) Invalidate(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		r.cache = make(map[string]cacheEntry)
		return
	}
	delete(r.cache, name)
}

// Resolve returns the compiled schema for name, or ErrAgentNotFound.
func (r *Registry) Resolve(ctx context.Context, name string) (*AgentSchema, error) {
	r.mu.Lock()
	if e, ok := r.cache[name]; ok {
		if r.now().Before(e.expiresAt) {
			r.mu.Unlock()
			return e.schema, nil
		}
		delete(r.cache, name)
	}
	r.mu.Unlock()

	doc, err := r.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	schema, err := BuildSchema(doc)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[name] = cacheEntry{schema: schema, expiresAt: r.now().Add(r.ttl)}
	r.mu.Unlock()
	return schema, nil
}

func (r *Registry) lookup(ctx context.Context, name string) (*AgentDocument, error) {
	if r.store != nil {
		rec, err := r.store.FetchSchema(ctx, name, "agent")
		if err != nil {
			return nil, err
		}
		if rec != nil {
			var doc AgentDocument
			if err := json.Unmarshal(rec.Document, &doc); err != nil {
				return nil, &SchemaError{Name: name, Reason: fmt.Sprintf("stored document: %v", err)}
			}
			if doc.Name == "" {
				doc.Name = name
			}
			return &doc, nil
		}
	}

	r.mu.Lock()
	builtin := r.builtins[name]
	r.mu.Unlock()
	if builtin != nil {
		r.seedStore(ctx, builtin)
		return builtin, nil
	}

	if r.dir != "" {
		r.diskOnce.Do(func() {
			r.disk, r.diskErr = LoadDocumentDir(r.dir)
		})
		if r.diskErr != nil {
			r.logger.Warn("schema dir load failed", "dir", r.dir, "error", r.diskErr)
		} else if doc, ok := r.disk[name]; ok {
			r.seedStore(ctx, doc)
			return doc, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
}

// seedStore writes a builtin or disk document into the store so later edits
// can override it there. Failures only log; resolution proceeds.
func (r *Registry) seedStore(ctx context.Context, doc *AgentDocument) {
	if r.store == nil {
		return
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		r.logger.Warn("schema seed marshal failed", "agent", doc.Name, "error", err)
		return
	}
	rec := SchemaRecord{Name: doc.Name, Kind: "agent", Document: raw, UpdatedAt: NowUnix()}
	if err := r.store.UpsertSchema(ctx, rec); err != nil {
		r.logger.Warn("schema seed failed", "agent", doc.Name, "error", err)
	}
}
