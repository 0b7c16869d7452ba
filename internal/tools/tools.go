// Package tools holds the adapters a turn can dispatch work to: read-only
// SQL execution, knowledge retrieval over pgvector and web search. Each
// adapter takes a context, honors its deadline and returns explicit errors;
// folding failures into the conversation is the orchestrator's job, not
// theirs.
package tools

import "errors"

// Kind identifies a tool family for routing and provenance tagging.
type Kind string

const (
	KindSQL       Kind = "sql"
	KindKnowledge Kind = "knowledge"
	KindSearch    Kind = "search"
)

var (
	// ErrEmptyEmbedding is returned when the embedder produced no vector
	// for the input text.
	ErrEmptyEmbedding = errors.New("embedder returned empty embedding")

	// ErrEmptyQuery is returned when a tool is invoked with nothing to do.
	ErrEmptyQuery = errors.New("empty query")
)
