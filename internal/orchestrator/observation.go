package orchestrator

import (
	"fmt"
	"strings"

	"github.com/ingridandradedev/smart-query/internal/tools"
)

// Entry is the outcome of one dispatched action. Err is set when the action
// failed or was rejected; the failure still occupies the entry's position so
// the merged observation preserves request order.
type Entry struct {
	Action  Action
	Kind    tools.Kind
	Content string
	Err     error
}

// Failed reports whether the action produced an error instead of a result.
func (e Entry) Failed() bool { return e.Err != nil }

// renderObservation merges entries into the single observation text fed
// back to the reasoner and persisted as a tool turn. Entries appear in the
// order the actions were requested, each tagged with its tool family;
// failures are marked inline rather than dropped.
func renderObservation(entries []Entry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Action.Name)
		if e.Action.Argument != "" && e.Action.Name != ActionExecuteSQL {
			fmt.Fprintf(&b, " %q", e.Action.Argument)
		}
		b.WriteString("\n")
		if e.Failed() {
			fmt.Fprintf(&b, "FAILED: %v", e.Err)
			continue
		}
		b.WriteString(e.Content)
	}
	return b.String()
}

// renderQueryResult formats a bounded result set as pipe-separated text.
func renderQueryResult(res *tools.QueryResult) string {
	var b strings.Builder
	b.WriteString(strings.Join(res.Columns, " | "))
	for _, row := range res.Rows {
		b.WriteString("\n")
		b.WriteString(strings.Join(row, " | "))
	}
	fmt.Fprintf(&b, "\n(%d rows", len(res.Rows))
	if res.Truncated {
		b.WriteString(", truncated")
	}
	b.WriteString(")")
	return b.String()
}

// renderTables formats a table listing.
func renderTables(tables []string) string {
	if len(tables) == 0 {
		return "(no tables)"
	}
	return strings.Join(tables, "\n")
}

// renderColumns formats a column description.
func renderColumns(table string, cols []tools.Column) string {
	var b strings.Builder
	fmt.Fprintf(&b, "columns of %s:", table)
	for _, c := range cols {
		fmt.Fprintf(&b, "\n%s %s", c.Name, c.DataType)
		if c.Nullable {
			b.WriteString(" nullable")
		}
	}
	return b.String()
}

// renderPassages formats retrieved knowledge with provenance.
func renderPassages(passages []tools.Passage) string {
	if len(passages) == 0 {
		return "(no relevant passages)"
	}
	var b strings.Builder
	for i, p := range passages {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "- [%s] %s", p.SourceID, p.Content)
	}
	return b.String()
}

// renderSearchResults formats web search hits.
func renderSearchResults(results []tools.SearchResult) string {
	if len(results) == 0 {
		return "(no results)"
	}
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "- %s (%s): %s", r.Title, r.URL, r.Snippet)
	}
	return b.String()
}
