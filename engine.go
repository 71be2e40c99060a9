package strand

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Engine is the runtime's public entry point. One engine serves many
// sessions; per-session turns are exclusive.
type Engine struct {
	runner     Runner
	store      Store
	registry   *Registry
	resolver   *toolResolver
	router     *Router
	summarizer *Summarizer
	codec      *HistoryCodec
	logger     *slog.Logger
	tracer     Tracer

	fallbackAgent string
	turnTimeout   time.Duration
	busCapacity   int
	tokenBudget   int
	now           func() time.Time

	mu     sync.Mutex
	active map[string]struct{}
}

type engineConfig struct {
	logger          *slog.Logger
	tracer          Tracer
	localTools      []Tool
	remotes         map[string]ToolSource
	classifier      Classifier
	schemaDir       string
	cacheTTL        time.Duration
	builtins        []*AgentDocument
	turnTimeout     time.Duration
	fallbackAgent   string
	momentThreshold int
	summarizerModel string
	busCapacity     int
	maxDepth        int
	routingMaxTurns int
	tokenBudget     int
	now             func() time.Time
}

// EngineOption configures New.
type EngineOption func(*engineConfig)

// WithLogger sets the structured logger. Default discards.
func WithLogger(l *slog.Logger) EngineOption {
	return func(c *engineConfig) { c.logger = l }
}

// WithTracer enables span emission. Default is no tracing.
func WithTracer(t Tracer) EngineOption {
	return func(c *engineConfig) { c.tracer = t }
}

// WithLocalTools registers in-process tools schemas can reference with the
// "local" provider (or none).
func WithLocalTools(tools ...Tool) EngineOption {
	return func(c *engineConfig) { c.localTools = append(c.localTools, tools...) }
}

// WithToolSource registers an external tool provider under a name.
func WithToolSource(name string, src ToolSource) EngineOption {
	return func(c *engineConfig) {
		if c.remotes == nil {
			c.remotes = make(map[string]ToolSource)
		}
		c.remotes[name] = src
	}
}

// WithClassifier sets the routing classifier. Without one the router always
// falls back to the default agent.
func WithClassifier(cl Classifier) EngineOption {
	return func(c *engineConfig) { c.classifier = cl }
}

// WithSchemaDir enables loading agent documents from a directory.
func WithSchemaDir(dir string) EngineOption {
	return func(c *engineConfig) { c.schemaDir = dir }
}

// WithCacheTTL overrides the schema cache TTL.
func WithCacheTTL(ttl time.Duration) EngineOption {
	return func(c *engineConfig) { c.cacheTTL = ttl }
}

// WithBuiltin registers an additional code-defined agent document.
func WithBuiltin(doc *AgentDocument) EngineOption {
	return func(c *engineConfig) { c.builtins = append(c.builtins, doc) }
}

// WithTurnTimeout bounds each turn. Zero disables the timeout.
func WithTurnTimeout(d time.Duration) EngineOption {
	return func(c *engineConfig) { c.turnTimeout = d }
}

// WithFallbackAgent names the agent used when routing yields nothing.
// Default "general".
func WithFallbackAgent(name string) EngineOption {
	return func(c *engineConfig) { c.fallbackAgent = name }
}

// WithMomentThreshold sets how many message rows accumulate before the
// background summariser runs.
func WithMomentThreshold(n int) EngineOption {
	return func(c *engineConfig) { c.momentThreshold = n }
}

// WithSummarizerModel sets the model the background summariser calls.
func WithSummarizerModel(model string) EngineOption {
	return func(c *engineConfig) { c.summarizerModel = model }
}

// WithBusCapacity sets the delegation bus buffer per streaming turn.
func WithBusCapacity(n int) EngineOption {
	return func(c *engineConfig) { c.busCapacity = n }
}

// WithMaxDelegationDepth bounds nested ask_agent delegation.
func WithMaxDelegationDepth(n int) EngineOption {
	return func(c *engineConfig) { c.maxDepth = n }
}

// WithRoutingMaxTurns sets how many turns an agent keeps a session before
// routing re-evaluates.
func WithRoutingMaxTurns(n int) EngineOption {
	return func(c *engineConfig) { c.routingMaxTurns = n }
}

// WithTokenBudget caps replayed history tokens per turn. Zero is unlimited.
func WithTokenBudget(n int) EngineOption {
	return func(c *engineConfig) { c.tokenBudget = n }
}

// New builds an engine on a model runner and a store. The builtin agents
// (general, session_summarizer) and the ask_agent delegate tool are always
// registered.
func New(runner Runner, store Store, opts ...EngineOption) *Engine {
	cfg := engineConfig{
		logger:        nopLogger,
		fallbackAgent: "general",
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	e := &Engine{
		runner:        runner,
		store:         store,
		logger:        cfg.logger,
		tracer:        cfg.tracer,
		fallbackAgent: cfg.fallbackAgent,
		turnTimeout:   cfg.turnTimeout,
		busCapacity:   cfg.busCapacity,
		tokenBudget:   cfg.tokenBudget,
		now:           cfg.now,
		active:        make(map[string]struct{}),
	}

	e.registry = NewRegistry(store, cfg.schemaDir, cfg.cacheTTL, cfg.logger)
	e.registry.RegisterBuiltin(builtinGeneral())
	e.registry.RegisterBuiltin(builtinSummarizer())
	for _, doc := range cfg.builtins {
		e.registry.RegisterBuiltin(doc)
	}

	local := NewToolRegistry(cfg.localTools...)
	e.resolver = &toolResolver{
		delegates: map[string]Tool{DelegateToolName: newDelegateTool(e, cfg.maxDepth)},
		local:     local,
		remotes:   cfg.remotes,
		logger:    cfg.logger,
	}

	e.router = NewRouter(cfg.classifier, cfg.fallbackAgent, cfg.routingMaxTurns, cfg.logger)
	e.summarizer = NewSummarizer(store, runner, cfg.summarizerModel, cfg.momentThreshold, cfg.logger)
	e.codec = NewHistoryCodec(store, NewTokenCounter(""), cfg.logger)
	return e
}

// Respond runs one blocking turn for the session.
func (e *Engine) Respond(ctx context.Context, sessionID, input string) (*TurnResult, error) {
	ctx, cancel := e.turnContext(ctx)
	defer cancel()
	return e.respond(ctx, sessionID, input, nil)
}

// RespondStream runs one streaming turn, multiplexing parent and delegated
// child events onto out. The engine owns out and closes it when the turn
// terminates; the final event is always done.
func (e *Engine) RespondStream(ctx context.Context, sessionID, input string, out chan<- StreamEvent) (*TurnResult, error) {
	// The multiplexer must share the turn's deadline, or a deadlined turn
	// with an idle consumer would leave it blocked on out forever.
	ctx, cancel := e.turnContext(ctx)
	defer cancel()

	parent := make(chan StreamEvent, 64)
	bus := NewDelegationBus(e.busCapacity)
	ctx = WithDelegationBus(ctx, bus)

	muxDone := make(chan struct{})
	go func() {
		defer close(muxDone)
		Multiplex(ctx, parent, bus, out)
	}()

	res, err := e.respond(ctx, sessionID, input, parent)
	close(parent)
	bus.Close()
	<-muxDone
	return res, err
}

// turnContext applies the configured per-turn deadline.
func (e *Engine) turnContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.turnTimeout > 0 {
		return context.WithTimeout(ctx, e.turnTimeout)
	}
	return ctx, func() {}
}

func (e *Engine) respond(ctx context.Context, sessionID, input string, parent chan<- StreamEvent) (*TurnResult, error) {
	if sessionID == "" {
		sessionID = NewID()
	}
	if !e.acquire(sessionID) {
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, sessionID)
	}
	defer e.release(sessionID)

	sess, err := e.store.FetchSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		sess = &Session{
			ID:        sessionID,
			Mode:      "chat",
			CreatedAt: e.now().Unix(),
			UpdatedAt: e.now().Unix(),
		}
		if err := e.store.UpsertSession(ctx, sess); err != nil {
			return nil, err
		}
	}

	agentName := sess.AgentName
	if agentName == "" {
		agentName = e.router.Route(ctx, sess, input)
	}

	schema, err := e.registry.Resolve(ctx, agentName)
	if errors.Is(err, ErrAgentNotFound) && agentName != e.fallbackAgent {
		e.logger.Warn("agent unavailable, using fallback", "agent", agentName, "fallback", e.fallbackAgent)
		schema, err = e.registry.Resolve(ctx, e.fallbackAgent)
	}
	if err != nil {
		return nil, err
	}

	tools := e.resolver.resolve(ctx, schema.ToolRefs())
	ctx = WithToolContext(ctx, ToolContext{
		UserID:    sess.UserID,
		SessionID: sess.ID,
		AgentName: schema.Name(),
	})

	exec := &turnExecutor{
		schema:      schema,
		runner:      e.runner,
		store:       e.store,
		codec:       e.codec,
		tools:       tools,
		identity:    Identity{UserID: sess.UserID},
		logger:      e.logger,
		tracer:      e.tracer,
		now:         e.now,
		tokenBudget: e.tokenBudget,
		persist:     true,
	}
	res, runErr := exec.run(ctx, sess, input, parent)

	sess.UpdatedAt = e.now().Unix()
	if err := e.store.UpsertSession(context.WithoutCancel(ctx), sess); err != nil {
		e.logger.Warn("session update failed", "session", sess.ID, "error", err)
	}

	if runErr == nil {
		e.summarizer.AfterTurn(ctx, sess)
	}
	return res, runErr
}

// runChild executes a delegated turn against an ephemeral session. Child
// turns are not persisted; the parent's ask_agent exchange is the durable
// record. When the parent turn streams, child progress is relayed over the
// bus found on ctx.
func (e *Engine) runChild(ctx context.Context, agentName, input string) (*TurnResult, error) {
	schema, err := e.registry.Resolve(ctx, agentName)
	if err != nil {
		return nil, err
	}

	var userID string
	if tc, ok := ToolContextFromContext(ctx); ok {
		userID = tc.UserID
	}
	sess := &Session{
		ID:        NewID(),
		AgentName: agentName,
		Mode:      "delegation",
		UserID:    userID,
		CreatedAt: e.now().Unix(),
	}

	tools := e.resolver.resolve(ctx, schema.ToolRefs())
	exec := &turnExecutor{
		schema:      schema,
		runner:      e.runner,
		store:       e.store,
		codec:       e.codec,
		tools:       tools,
		identity:    Identity{UserID: userID},
		logger:      e.logger,
		tracer:      e.tracer,
		now:         e.now,
		tokenBudget: e.tokenBudget,
		persist:     false,
	}

	bus, streaming := DelegationBusFromContext(ctx)
	if !streaming {
		return exec.run(ctx, sess, input, nil)
	}

	childCh := make(chan StreamEvent, 64)
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		for ev := range childCh {
			if cev, ok := toChildEvent(agentName, ev); ok {
				bus.Push(ctx, cev)
			}
		}
	}()
	res, runErr := exec.run(ctx, sess, input, childCh)
	close(childCh)
	<-relayDone
	bus.Push(ctx, ChildEvent{Type: ChildDone, AgentName: agentName})
	return res, runErr
}

func toChildEvent(agentName string, ev StreamEvent) (ChildEvent, bool) {
	switch ev.Type {
	case EventTextDelta:
		return ChildEvent{Type: ChildContent, AgentName: agentName, Content: ev.Content}, true
	case EventToolCallStart:
		return ChildEvent{Type: ChildToolStart, AgentName: agentName, ToolName: ev.Name, ToolCallID: ev.ID, Args: ev.Args}, true
	case EventToolCallResult:
		return ChildEvent{Type: ChildToolResult, AgentName: agentName, ToolName: ev.Name, ToolCallID: ev.ID, Result: ev.Content, IsError: ev.IsError}, true
	case EventError:
		return ChildEvent{Type: ChildContent, AgentName: agentName, Content: ev.Content, IsError: true}, true
	default:
		// done and child_* pass-throughs are not re-relayed
		return ChildEvent{}, false
	}
}

func (e *Engine) acquire(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.active[sessionID]; busy {
		return false
	}
	e.active[sessionID] = struct{}{}
	return true
}

func (e *Engine) release(sessionID string) {
	e.mu.Lock()
	delete(e.active, sessionID)
	e.mu.Unlock()
}
