package rag

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/proposal-insights/backend/internal/catalog"
	"github.com/proposal-insights/backend/pkg/utils"
)

// BuildDocuments splits the registry into atomic documents: one per
// function, parameter, schema fact and worked example.
func BuildDocuments(reg *catalog.Registry) []Document {
	var docs []Document

	for _, f := range reg.Functions {
		docs = append(docs, functionDocument(f))
		for _, p := range f.Parameters {
			docs = append(docs, parameterDocument(f, p))
		}
	}
	for _, s := range reg.Schema {
		docs = append(docs, schemaDocument(s))
	}
	for _, ex := range reg.Examples {
		docs = append(docs, exampleDocument(ex))
	}
	return docs
}

func newDocument(t DocType, key, category, content string, complete bool) Document {
	return Document{
		ID:       utils.StableID(string(t), key),
		Type:     t,
		Category: category,
		Atomic:   true,
		Complete: complete,
		Content:  content,
		Key:      key,
	}
}

func functionDocument(f catalog.FunctionSpec) Document {
	var b strings.Builder
	fmt.Fprintf(&b, "Function %s: %s", f.Name, strings.TrimSpace(f.Description))

	names := make([]string, 0, len(f.Parameters))
	for _, p := range f.Parameters {
		name := p.Name
		if p.Required {
			name += " (required)"
		}
		names = append(names, name)
	}
	if len(names) > 0 {
		fmt.Fprintf(&b, " Parameters: %s.", strings.Join(names, ", "))
	}

	return newDocument(DocFunction, f.Name, f.Category, b.String(), f.Description != "")
}

func parameterDocument(f catalog.FunctionSpec, p catalog.Parameter) Document {
	var b strings.Builder
	fmt.Fprintf(&b, "Parameter %s of %s (%s", p.Name, f.Name, p.Type)
	if p.Required {
		b.WriteString(", required")
	}
	b.WriteString(")")
	if p.Description != "" {
		fmt.Fprintf(&b, ": %s", p.Description)
	}
	if len(p.Aliases) > 0 {
		fmt.Fprintf(&b, " Also called: %s.", strings.Join(p.Aliases, ", "))
	}
	if len(p.Enum) > 0 {
		fmt.Fprintf(&b, " Allowed values: %s.", strings.Join(p.Enum, ", "))
	}

	return newDocument(DocParameter, f.Name+"."+p.Name, f.Category, b.String(), p.Type != "")
}

func schemaDocument(s catalog.SchemaFact) Document {
	var b strings.Builder
	fmt.Fprintf(&b, "Column %s.%s", s.Table, s.Column)
	if s.Type != "" {
		fmt.Fprintf(&b, " (%s)", s.Type)
	}
	fmt.Fprintf(&b, ": %s", strings.TrimSpace(s.Description))
	if len(s.Values) > 0 {
		fmt.Fprintf(&b, " Values: %s.", strings.Join(s.Values, ", "))
	}

	return newDocument(DocSchema, s.Table+"."+s.Column, "schema", b.String(), s.Description != "")
}

func exampleDocument(ex catalog.Example) Document {
	args := "{}"
	if len(ex.Arguments) > 0 {
		// encoding/json sorts map keys, so the text is stable across runs.
		if data, err := json.Marshal(ex.Arguments); err == nil {
			args = string(data)
		}
	}
	content := fmt.Sprintf("Question: %q -> %s %s", ex.Question, ex.Function, args)

	return newDocument(DocExample, ex.Question, "example", content, ex.Question != "" && ex.Function != "")
}
