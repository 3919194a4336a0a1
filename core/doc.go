// Package core provides the vendor-neutral domain types shared by the agent
// loop, the provider adapters and the tool layer:
//
//   - Message / Block (the conversation model: text, reasoning, tool use,
//     tool result and grounding blocks in significant order)
//   - Event (the normalized unit of streamed model output)
//   - StoredMessage (the flattened shape handed to persistence backends)
//   - Sentinel and typed errors surfaced across package boundaries
//
// The package performs no I/O. Conversion to vendor wire formats lives in the
// model sub-packages; execution of tools lives in package tool.
package core
