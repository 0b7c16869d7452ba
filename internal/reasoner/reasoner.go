// Package reasoner implements the decision step of a turn on top of genkit.
// Each call presents the conversation window to the model together with the
// tool catalog and maps the model's tool requests back into orchestrator
// actions. Tool handlers never execute here; requests are returned to the
// caller, which dispatches them under its own policy.
package reasoner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/ingridandradedev/smart-query/internal/orchestrator"
	"github.com/ingridandradedev/smart-query/internal/thread"
)

// fallbackAnswer is used when the model produces neither text nor tool
// requests.
const fallbackAnswer = "I couldn't produce an answer for that. Please try rephrasing your question."

// Config contains the required parameters for the Engine.
type Config struct {
	Genkit *genkit.Genkit
	Logger *slog.Logger

	// ModelName is the provider-qualified model, e.g. "googleai/gemini-2.5-flash".
	ModelName string
}

func (cfg Config) validate() error {
	if cfg.Genkit == nil {
		return errors.New("genkit instance is required")
	}
	if cfg.ModelName == "" {
		return errors.New("model name is required")
	}
	return nil
}

// Engine is the genkit-backed Reasoner. It is stateless and safe for
// concurrent use; all configuration is captured at construction.
type Engine struct {
	g         *genkit.Genkit
	modelName string
	toolRefs  []ai.ToolRef
	logger    *slog.Logger
}

// New creates an Engine and registers the tool catalog with genkit. The
// registered handlers are schema carriers only; generation runs with tool
// requests returned to the caller, so they are never invoked.
func New(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		g:         cfg.Genkit,
		modelName: cfg.ModelName,
		logger:    logger,
	}
	e.toolRefs = registerTools(cfg.Genkit)
	return e, nil
}

// registerTools defines the action catalog. Descriptions are what the model
// sees; they carry the usage policy for each tool.
func registerTools(g *genkit.Genkit) []ai.ToolRef {
	executeSQL := genkit.DefineTool(
		g, string(orchestrator.ActionExecuteSQL),
		"Run a single read-only SQL statement against the tenant's database. "+
			"Only SELECT-style statements are accepted; writes and DDL are rejected.",
		func(ctx *ai.ToolContext, input struct {
			Statement string `json:"statement" jsonschema_description:"The SQL statement to run. Must be a single read-only statement."`
		}) (string, error) {
			return "", errNotDispatchedHere
		},
	)

	listTables := genkit.DefineTool(
		g, string(orchestrator.ActionListTables),
		"List the tables available in the tenant's schema.",
		func(ctx *ai.ToolContext, input struct{}) (string, error) {
			return "", errNotDispatchedHere
		},
	)

	tableColumns := genkit.DefineTool(
		g, string(orchestrator.ActionTableColumns),
		"Describe the columns of one table in the tenant's schema.",
		func(ctx *ai.ToolContext, input struct {
			Table string `json:"table" jsonschema_description:"The table name to describe."`
		}) (string, error) {
			return "", errNotDispatchedHere
		},
	)

	searchKnowledge := genkit.DefineTool(
		g, string(orchestrator.ActionSearchKnowledge),
		"Search the tenant's knowledge base for passages relevant to a question. "+
			"Use this for business context, policies and documentation.",
		func(ctx *ai.ToolContext, input struct {
			Query string `json:"query" jsonschema_description:"The natural language question to search for."`
		}) (string, error) {
			return "", errNotDispatchedHere
		},
	)

	webSearch := genkit.DefineTool(
		g, string(orchestrator.ActionWebSearch),
		"Search the public web for current information not available in the database or knowledge base.",
		func(ctx *ai.ToolContext, input struct {
			Query string `json:"query" jsonschema_description:"The search query."`
		}) (string, error) {
			return "", errNotDispatchedHere
		},
	)

	return []ai.ToolRef{executeSQL, listTables, tableColumns, searchKnowledge, webSearch}
}

var errNotDispatchedHere = errors.New("tool requests are dispatched by the orchestrator")

// Decide implements orchestrator.Reasoner.
func (e *Engine) Decide(ctx context.Context, in orchestrator.DecideInput) (*orchestrator.Decision, error) {
	messages := buildMessages(in.Turns)

	opts := []ai.GenerateOption{
		ai.WithModelName(e.modelName),
		ai.WithSystem(systemPrompt(in.SchemaBinding, in.Mode, time.Now())),
		ai.WithMessages(messages...),
	}
	if in.Mode == orchestrator.ModeTools {
		opts = append(opts,
			ai.WithTools(e.toolRefs...),
			ai.WithReturnToolRequests(true),
		)
	}
	if in.Stream != nil {
		stream := in.Stream
		opts = append(opts, ai.WithStreaming(func(ctx context.Context, chunk *ai.ModelResponseChunk) error {
			text := chunk.Text()
			if text == "" {
				return nil
			}
			return stream(ctx, text)
		}))
	}

	resp, err := genkit.Generate(ctx, e.g, opts...)
	if err != nil {
		return nil, fmt.Errorf("generating decision: %w", err)
	}

	requests := resp.ToolRequests()
	if in.Mode == orchestrator.ModeTools && len(requests) > 0 {
		actions := make([]orchestrator.Action, 0, len(requests))
		for _, req := range requests {
			action, err := actionFromRequest(req)
			if err != nil {
				e.logger.Warn("dropping malformed tool request", "tool", req.Name, "error", err)
				continue
			}
			actions = append(actions, action)
		}
		if len(actions) > 0 {
			return &orchestrator.Decision{Actions: actions}, nil
		}
	}

	answer := strings.TrimSpace(resp.Text())
	if answer == "" {
		e.logger.Warn("model returned empty response with no tool requests")
		answer = fallbackAnswer
	}
	return &orchestrator.Decision{Answer: answer}, nil
}

// buildMessages maps persisted turns onto model messages. Tool observations
// become user messages carrying a results preamble; genkit's tool role is
// reserved for its own request/response pairing, which this loop does not
// use.
func buildMessages(turns []thread.Turn) []*ai.Message {
	messages := make([]*ai.Message, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case thread.RoleUser:
			messages = append(messages, ai.NewUserMessage(ai.NewTextPart(t.Text)))
		case thread.RoleAssistant:
			messages = append(messages, ai.NewModelMessage(ai.NewTextPart(t.Text)))
		case thread.RoleTool:
			messages = append(messages, ai.NewUserMessage(ai.NewTextPart("Tool results:\n"+t.Text)))
		}
	}
	return messages
}

// actionFromRequest converts one model tool request into an action,
// extracting the single argument each tool carries.
func actionFromRequest(req *ai.ToolRequest) (orchestrator.Action, error) {
	name := orchestrator.ActionName(req.Name)
	switch name {
	case orchestrator.ActionListTables:
		return orchestrator.Action{Name: name}, nil
	case orchestrator.ActionExecuteSQL:
		arg, err := stringField(req.Input, "statement")
		if err != nil {
			return orchestrator.Action{}, err
		}
		return orchestrator.Action{Name: name, Argument: arg}, nil
	case orchestrator.ActionTableColumns:
		arg, err := stringField(req.Input, "table")
		if err != nil {
			return orchestrator.Action{}, err
		}
		return orchestrator.Action{Name: name, Argument: arg}, nil
	case orchestrator.ActionSearchKnowledge, orchestrator.ActionWebSearch:
		arg, err := stringField(req.Input, "query")
		if err != nil {
			return orchestrator.Action{}, err
		}
		return orchestrator.Action{Name: name, Argument: arg}, nil
	default:
		return orchestrator.Action{}, fmt.Errorf("unknown tool %q", req.Name)
	}
}

// stringField pulls a required string out of a tool request's input map.
func stringField(input any, key string) (string, error) {
	m, ok := input.(map[string]any)
	if !ok {
		return "", fmt.Errorf("tool input is %T, want object", input)
	}
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("tool input missing %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("tool input field %q is %T, want string", key, v)
	}
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("tool input field %q is empty", key)
	}
	return s, nil
}

// systemPrompt builds the per-call system instruction. The schema binding
// and date change per thread; everything else is fixed policy.
func systemPrompt(schemaBinding string, mode orchestrator.DecideMode, now time.Time) string {
	var b strings.Builder
	b.WriteString("You are a data analysis assistant for a single tenant.\n")
	fmt.Fprintf(&b, "Current date: %s.\n", now.Format("2006-01-02"))
	if schemaBinding != "" {
		fmt.Fprintf(&b, "All SQL runs against the %q schema; never reference other schemas.\n", schemaBinding)
	}
	b.WriteString("Only read-only SQL is permitted. " +
		"Inspect the schema with list_tables and get_table_columns before writing queries against unfamiliar tables. " +
		"Prefer the knowledge base for business context and the web only for current external facts.\n")
	if mode == orchestrator.ModeFinalOnly {
		b.WriteString("You have used all available investigation steps. " +
			"Answer now from the information already gathered, and say plainly what you could not verify.\n")
	} else {
		b.WriteString("When you have enough information, answer directly without requesting more tools.\n")
	}
	return b.String()
}
