package llm

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/proposal-insights/backend/internal/catalog"
	"github.com/proposal-insights/backend/internal/rag"
)

const classifySystemPrompt = `You translate business questions about a project and proposal database into a single function call.

Today is %s (%s).

Available functions:
%s

Rules:
- Choose exactly one function from the list, or "none" when no function can answer the question.
- Use only parameter names defined for the chosen function. Omit parameters the question does not mention.
- Dates are ISO YYYY-MM-DD. When the question contains a time phrase, copy it verbatim into "time_reference" as well.
- Fees are plain numbers in US dollars ("5 million" is 5000000).
- Spell US states out in full ("CA" is "California").
- Respond with JSON only, no prose and no code fences:
{"function_name": "<name>", "arguments": {"<parameter>": <value>}}`

const correctionSystemPrompt = `You fix a previous classification of a business question that failed when executed.

Today is %s (%s).

Available functions (abbreviated):
%s

Correction policy:
- For "no_results": relax exactly ONE filter. Relax category or status filters first. Keep point-of-contact and explicit date filters.
- Never drop more than one filter when three or more filters were present.
- Never change a date range the user stated ("this year", "in 2025", "Q4 2024").
- When valid database values are listed for a field, use the closest listed value instead of inventing one.
- For "sql_error" or "classification_error": fix the function or parameter names so the call is valid.
- Respond with JSON only:
{"function_name": "<name>", "arguments": {"<parameter>": <value>}}`

type promptFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]promptParam `json:"parameters"`
}

type promptParam struct {
	Type        string   `json:"type"`
	Required    bool     `json:"required,omitempty"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

func renderFunctions(functions []catalog.FunctionSpec) string {
	out := make([]promptFunction, 0, len(functions))
	for _, f := range functions {
		pf := promptFunction{
			Name:        f.Name,
			Description: f.Description,
			Parameters:  make(map[string]promptParam, len(f.Parameters)),
		}
		for _, p := range f.Parameters {
			pf.Parameters[p.Name] = promptParam{
				Type:        p.Type,
				Required:    p.Required,
				Description: p.Description,
				Enum:        p.Enum,
			}
		}
		out = append(out, pf)
	}
	data, _ := json.MarshalIndent(out, "", "  ")
	return string(data)
}

func dateLine(now time.Time) (string, string) {
	return now.Format("2006-01-02"), now.Weekday().String()
}

func buildClassificationMessages(now time.Time, req ClassificationRequest) []openai.ChatCompletionMessage {
	day, weekday := dateLine(now)
	system := fmt.Sprintf(classifySystemPrompt, day, weekday, renderFunctions(req.Functions))

	msgs := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: system}}

	for _, ex := range req.Examples {
		answer, err := json.Marshal(map[string]any{"function_name": ex.Function, "arguments": ex.Arguments})
		if err != nil {
			continue
		}
		msgs = append(msgs,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: ex.Question},
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: string(answer)},
		)
	}

	var user strings.Builder
	if ctx := renderContext(req.Context); ctx != "" {
		user.WriteString("Relevant context:\n")
		user.WriteString(ctx)
		user.WriteString("\n")
	}
	if len(req.Hints) > 0 {
		user.WriteString("Resolved from the question:\n")
		for _, h := range req.Hints {
			user.WriteString("- ")
			user.WriteString(h)
			user.WriteString("\n")
		}
		user.WriteString("\n")
	}
	user.WriteString("Question: ")
	user.WriteString(req.Question)

	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: user.String()})
}

func renderContext(c *rag.RAGContext) string {
	if c == nil || c.IsEmpty() {
		return ""
	}
	var b strings.Builder
	section := func(title string, blocks []string) {
		if len(blocks) == 0 {
			return
		}
		b.WriteString(title)
		b.WriteString(":\n")
		for _, block := range blocks {
			b.WriteString("- ")
			b.WriteString(strings.ReplaceAll(block, "\n", " "))
			b.WriteString("\n")
		}
	}
	section("Functions", c.Functions)
	section("Parameters", c.Parameters)
	section("Schema", c.Schemas)
	section("Examples", c.Examples)
	return b.String()
}

func buildCorrectionMessages(now time.Time, question string, functions []catalog.FunctionSpec, fb ErrorFeedback) []openai.ChatCompletionMessage {
	day, weekday := dateLine(now)
	system := fmt.Sprintf(correctionSystemPrompt, day, weekday, renderFunctions(functions))

	prev, _ := json.Marshal(map[string]any{"function_name": fb.PreviousFunction, "arguments": fb.PreviousArgs})

	var user strings.Builder
	fmt.Fprintf(&user, "Question: %s\n\n", question)
	fmt.Fprintf(&user, "Previous classification: %s\n", prev)
	fmt.Fprintf(&user, "Error type: %s\n", fb.ErrorType)
	if fb.ErrorMessage != "" {
		fmt.Fprintf(&user, "Error: %s\n", fb.ErrorMessage)
	}
	if len(fb.DatabaseHints) > 0 {
		user.WriteString("\nValid database values:\n")
		fields := make([]string, 0, len(fb.DatabaseHints))
		for f := range fb.DatabaseHints {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			fmt.Fprintf(&user, "- %s: %s\n", f, strings.Join(fb.DatabaseHints[f], ", "))
		}
	}
	user.WriteString("\nReturn the corrected classification.")

	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
		{Role: openai.ChatMessageRoleUser, Content: user.String()},
	}
}
