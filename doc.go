// Package conduit drives provider-agnostic LLM conversations with tools and
// structured outputs.
//
// # Overview
//
// A caller hands the Orchestrator a prompt, optional tools and an optional output
// Type. The Orchestrator sends turns through a Transport (see the provider
// subpackages), executes requested tool calls concurrently through a Registry,
// feeds results back to the model and repeats until the model answers in text.
// Structured answers are parsed and coerced into the requested Type.
//
// Pipeline: prompt → Transport.Send → tool calls? → Registry.ExecuteBatch → append
// results → loop → final text → Parse → value.
//
// # Key concepts
//
//   - Type is a language-neutral shape (record, list, map, optional, union, enum,
//     primitives). Derive projects it onto a strict JSON Schema; Coerce maps decoded
//     JSON back onto it; RequiredKeysSatisfied decides whether an answer is complete.
//   - Tool failures are data: they become ToolResult{OK: false} and the model sees
//     the error message verbatim.
//   - The tool loop is bounded by WithMaxToolTurns; exceeding it is reported as
//     *ToolLoopLimitExceeded, never as a silent answer.
//   - An incomplete structured answer triggers exactly one finalization turn with
//     tools disabled (WithAutoFinalize).
//   - Stream yields text as it arrives and reconstructs streamed tool calls with a
//     Reconstructor.
//
// # Example
//
//	type Quote struct {
//	    Name    string  `json:"name"`
//	    Price   float64 `json:"price"`
//	    InStock bool    `json:"inStock"`
//	}
//	lookup, err := conduit.NewTool("lookup", "Look up a product", func(_ context.Context, a LookupArgs) (Product, error) {
//	    return catalog.Find(a.SKU)
//	})
//	if err != nil { ... }
//	orch := conduit.New(openai.New(apiKey, openai.WithModel("gpt-4o-mini")))
//	q, err := conduit.CompleteAs[Quote](ctx, orch, "Quote SKU 42", lookup)
package conduit
