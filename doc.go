// Package loom is an agent runtime for LLM-backed conversational agents in Go.
//
// It drives the agentic loop — provider call, tool execution, feedback —
// as a library: you bring a [Provider], register [Tool] implementations,
// and the runtime handles turn sequencing, retries with jittered backoff,
// context compaction, middleware hooks, and parallel tool dispatch.
//
// # Quick Start
//
// Create an agent server and chat with it:
//
//	agent, err := loom.NewAgentServer(
//		loom.WithProvider(provider, map[string]any{"model": "claude-sonnet-4"}),
//		loom.WithSystemPrompt("You are a helpful assistant."),
//		loom.WithTools(searchTool, calcTool),
//		loom.WithScratchpad(),
//	)
//	result, err := agent.Chat(ctx, "What's 2+2?")
//
// Asynchronous operation goes through a [PubSub] bus: SendMessage returns
// a request id immediately and the result is broadcast on the agent's
// response topic. [MemoryBus] serves single-binary deployments; pubsub/redis
// crosses process boundaries.
//
// # Core Interfaces
//
//   - [Provider] — LLM backend (completion, optional streaming)
//   - [Tool] — pluggable capability with a JSON Schema input contract
//   - [Middleware] — hook pipeline steering runs at named phases
//   - [PubSub] — message bus for async sends and event subscriptions
//   - [SessionStore] — session persistence (store/sqlite, store/postgres)
//
// [Scheduler] runs recurring prompts on fixed intervals with at-most-one
// run in flight per job. The observer package exports tool execution
// traces and token cost metrics over OpenTelemetry.
package loom
