package orchestrator

import (
	"context"

	"github.com/ingridandradedev/smart-query/internal/thread"
)

// ActionName identifies one of the dispatchable tool actions.
type ActionName string

const (
	ActionExecuteSQL      ActionName = "execute_sql"
	ActionListTables      ActionName = "list_tables"
	ActionTableColumns    ActionName = "get_table_columns"
	ActionSearchKnowledge ActionName = "search_knowledge"
	ActionWebSearch       ActionName = "web_search"
)

// Action is one tool invocation requested by the reasoner. Argument carries
// the SQL statement, the search query or the table name depending on Name;
// list_tables takes no argument.
type Action struct {
	Name     ActionName
	Argument string
}

// Decision is the reasoner's verdict for one iteration: either a set of
// actions to dispatch, or a final answer when Actions is empty.
type Decision struct {
	Actions []Action
	Answer  string
}

// Final reports whether the decision carries the answer.
func (d *Decision) Final() bool { return len(d.Actions) == 0 }

// DecideMode selects how much latitude the reasoner has.
type DecideMode int

const (
	// ModeTools lets the reasoner request tool actions or answer.
	ModeTools DecideMode = iota
	// ModeFinalOnly demands an answer from what is already known; used when
	// the iteration cap has been reached.
	ModeFinalOnly
)

// StreamCallback receives incremental answer text. Returning an error
// aborts generation.
type StreamCallback func(ctx context.Context, chunk string) error

// DecideInput is everything the reasoner sees for one iteration.
type DecideInput struct {
	// Turns is the working conversation window in ascending order: recent
	// history, the current user turn, and any tool observations made this
	// turn.
	Turns []thread.Turn

	// SchemaBinding names the tenant schema SQL actions are scoped to.
	SchemaBinding string

	Mode DecideMode

	// Stream, when non-nil, receives answer text as it is generated.
	Stream StreamCallback
}

// Reasoner produces decisions. Implementations must be safe for concurrent
// use.
type Reasoner interface {
	Decide(ctx context.Context, in DecideInput) (*Decision, error)
}
