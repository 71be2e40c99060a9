// Package strand is a schema-driven agent runtime for Go.
//
// Agents are data, not code: a declarative document (stored, builtin, or on
// disk) compiles into an [AgentSchema] that fixes the system prompt, tools,
// output structure, and usage limits. The [Engine] executes turns against a
// model [Runner], persisting every turn in a single store call and replaying
// session history on the next one.
//
// # Quick Start
//
//	store := postgres.New(pool)
//	engine := strand.New(runner, store,
//		strand.WithLocalTools(profile.New(store), moments.New(store)),
//		strand.WithSchemaDir("./agents"),
//	)
//
//	res, err := engine.Respond(ctx, sessionID, "What did we decide yesterday?")
//
// Streaming turns interleave parent output with delegated child agents:
//
//	out := make(chan strand.StreamEvent, 64)
//	go engine.RespondStream(ctx, sessionID, input, out)
//	for ev := range out { ... }
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Runner] — model runtime (blocking and streaming runs, internal tool loop)
//   - [Store] — persistence (schemas, sessions, messages, moments, metadata)
//   - [Tool] — pluggable capability for model function calling
//   - [ToolSource] — external tool provider resolved per turn
//   - [Classifier] — routing decision for unpinned sessions
//   - [Tracer] — span emission, OTEL-backed via the observer package
//
// # Included Implementations
//
// Storage: store/postgres (pgx), store/sqlite (pure Go).
// Tools: tools/profile (durable user facts), tools/moments (conversation
// moments with graph edges).
// Observability: observer (OTLP trace + metric setup, instrumented runner).
package strand
