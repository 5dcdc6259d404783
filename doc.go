// Package cortex is the root of the Cortex-Prime streaming execution engine:
// the agent loop that ingests a live LLM token stream, incrementally parses
// the agent response protocol, dispatches embedded actions against external
// capabilities, and multiplexes the resulting event stream to a consumer.
//
// The engine itself lives under internal/engine; this package only holds
// module-wide metadata. See internal/engine/session for the entry point that
// wires the sub-components (parser, DAG resolver, dispatcher, context-feed
// manager, metadata engine, iteration controller, event emitter) together.
package cortex
