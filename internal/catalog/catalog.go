// Package catalog is the query-template registry: the functions a question
// may be classified into, the schema facts that describe the data, and
// worked examples. The LLM client and retriever only ever read it.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrUnknownFunction = errors.New("unknown function")

// NoneFunction is the sentinel for questions no function can answer.
const NoneFunction = "none"

const (
	OpEq       = "eq"
	OpLike     = "like"
	OpGte      = "gte"
	OpLte      = "lte"
	OpDateFrom = "date_from"
	OpDateTo   = "date_to"
	OpTier     = "tier"
	OpLimit    = "limit"
)

var operators = map[string]bool{
	OpEq: true, OpLike: true, OpGte: true, OpLte: true,
	OpDateFrom: true, OpDateTo: true, OpTier: true, OpLimit: true,
}

// GroupByTier groups on the size-tier expression rather than a column.
const GroupByTier = "size_tier"

//go:embed catalog.yaml
var defaultCatalog []byte

type Parameter struct {
	Name        string   `yaml:"name" json:"name"`
	Type        string   `yaml:"type" json:"type"`
	Required    bool     `yaml:"required" json:"required"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Column      string   `yaml:"column" json:"column,omitempty"`
	Operator    string   `yaml:"operator" json:"operator,omitempty"`
	Aliases     []string `yaml:"aliases" json:"aliases,omitempty"`
	// Hint marks parameters whose distinct database values are offered to
	// the self-correction prompt.
	Hint bool     `yaml:"hint" json:"hint,omitempty"`
	Enum []string `yaml:"enum" json:"enum,omitempty"`
}

// IsDate reports whether the parameter bounds a date column.
func (p Parameter) IsDate() bool {
	return p.Operator == OpDateFrom || p.Operator == OpDateTo
}

// IsFilter reports whether the parameter narrows the row set.
func (p Parameter) IsFilter() bool {
	return p.Operator != OpLimit
}

type FunctionSpec struct {
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description" json:"description"`
	Category    string      `yaml:"category" json:"category"`
	Table       string      `yaml:"table" json:"table"`
	Columns     []string    `yaml:"columns" json:"columns,omitempty"`
	OrderBy     string      `yaml:"orderBy" json:"order_by,omitempty"`
	GroupBy     string      `yaml:"groupBy" json:"group_by,omitempty"`
	Parameters  []Parameter `yaml:"parameters" json:"parameters"`
}

type ParamSchema struct {
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

func (f FunctionSpec) Parameter(name string) (Parameter, bool) {
	for _, p := range f.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

func (f FunctionSpec) ParameterSchema() map[string]ParamSchema {
	schema := make(map[string]ParamSchema, len(f.Parameters))
	for _, p := range f.Parameters {
		schema[p.Name] = ParamSchema{Type: p.Type, Required: p.Required}
	}
	return schema
}

// Compact drops everything but the name, parameter schema and a description
// cut to n runes.
func (f FunctionSpec) Compact(n int) FunctionSpec {
	desc := []rune(f.Description)
	if n > 0 && len(desc) > n {
		desc = append(desc[:n], '…')
	}
	params := make([]Parameter, len(f.Parameters))
	for i, p := range f.Parameters {
		params[i] = Parameter{Name: p.Name, Type: p.Type, Required: p.Required}
	}
	return FunctionSpec{Name: f.Name, Description: string(desc), Parameters: params}
}

type SchemaFact struct {
	Table       string   `yaml:"table" json:"table"`
	Column      string   `yaml:"column" json:"column"`
	Type        string   `yaml:"type" json:"type,omitempty"`
	Description string   `yaml:"description" json:"description"`
	Values      []string `yaml:"values" json:"values,omitempty"`
}

type Example struct {
	Question  string         `yaml:"question" json:"question"`
	Function  string         `yaml:"function" json:"function_name"`
	Arguments map[string]any `yaml:"arguments" json:"arguments"`
}

type Registry struct {
	Functions []FunctionSpec `yaml:"functions"`
	Schema    []SchemaFact   `yaml:"schema"`
	Examples  []Example      `yaml:"examples"`

	byName map[string]int
}

func Default() (*Registry, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog file, falling back to the embedded default when path is empty.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Registry, error) {
	var r Registry
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := r.index(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Registry) index() error {
	r.byName = make(map[string]int, len(r.Functions))
	for i := range r.Functions {
		f := &r.Functions[i]
		if f.Name == "" || f.Name == NoneFunction {
			return fmt.Errorf("catalog function %d has an invalid name %q", i, f.Name)
		}
		if _, dup := r.byName[f.Name]; dup {
			return fmt.Errorf("duplicate catalog function %q", f.Name)
		}
		if f.Table == "" {
			f.Table = "projects"
		}
		for _, p := range f.Parameters {
			if !operators[p.Operator] {
				return fmt.Errorf("function %s parameter %s: unknown operator %q", f.Name, p.Name, p.Operator)
			}
			if p.Column == "" && p.Operator != OpLimit && p.Operator != OpTier {
				return fmt.Errorf("function %s parameter %s has no column", f.Name, p.Name)
			}
		}
		r.byName[f.Name] = i
	}
	for _, ex := range r.Examples {
		if _, ok := r.byName[ex.Function]; !ok && ex.Function != NoneFunction {
			return fmt.Errorf("example %q: %w %q", ex.Question, ErrUnknownFunction, ex.Function)
		}
	}
	return nil
}

func (r *Registry) Function(name string) (FunctionSpec, error) {
	i, ok := r.byName[name]
	if !ok {
		return FunctionSpec{}, fmt.Errorf("%w: %q", ErrUnknownFunction, name)
	}
	return r.Functions[i], nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.Functions))
	for _, f := range r.Functions {
		names = append(names, f.Name)
	}
	return names
}

// HintColumns lists the distinct columns whose values can correct enum guesses.
func (r *Registry) HintColumns() []string {
	seen := map[string]bool{}
	var cols []string
	for _, f := range r.Functions {
		for _, p := range f.Parameters {
			if p.Hint && !seen[p.Column] {
				seen[p.Column] = true
				cols = append(cols, p.Column)
			}
		}
	}
	sort.Strings(cols)
	return cols
}

// ResolveAlias maps a user or model supplied argument name to the canonical
// parameter name of fn, matching case-insensitively on names and aliases.
func (f FunctionSpec) ResolveAlias(arg string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(arg))
	for _, p := range f.Parameters {
		if strings.ToLower(p.Name) == key {
			return p.Name, true
		}
		for _, a := range p.Aliases {
			if strings.ToLower(a) == key {
				return p.Name, true
			}
		}
	}
	return "", false
}
