// Package model defines the provider agnostic adapter contract used by the
// orchestrator to talk to language models, plus helpers shared by the vendor
// packages.
//
// Core goals:
//   - Turn a vendor neutral message list into a vendor wire request (Adapter.BuildRequest)
//   - Turn the vendor's streamed reply into normalized core.Event values (Adapter.Stream)
//   - Reassemble fragmented tool calls by stream index (ToolCallAccumulator)
//   - Facilitate deterministic testing without network access (ScriptedAdapter)
//
// Vendor families live in sub-packages (openai, gemini, anthropic) so higher
// layers stay decoupled from vendor SDKs.
package model
