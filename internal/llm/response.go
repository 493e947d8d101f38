package llm

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/proposal-insights/backend/internal/catalog"
)

func parseClassification(content string) (Classification, error) {
	body := stripCodeFence(content)
	if body == "" {
		return Classification{}, fmt.Errorf("%w: empty response", ErrMalformedResponse)
	}

	obj, ok := firstJSONObject(body)
	if !ok {
		return Classification{}, fmt.Errorf("%w: no JSON object in %q", ErrMalformedResponse, truncate(body, 120))
	}
	if !gjson.Valid(obj) {
		return Classification{}, fmt.Errorf("%w: invalid JSON %q", ErrMalformedResponse, truncate(obj, 120))
	}

	res := gjson.Parse(obj)
	cls := Classification{
		FunctionName: strings.TrimSpace(res.Get("function_name").String()),
		Arguments:    map[string]any{},
	}
	if cls.FunctionName == "" {
		cls.FunctionName = catalog.NoneFunction
	}

	args := res.Get("arguments")
	// Some models double-encode the arguments object as a string.
	if args.Type == gjson.String && gjson.Valid(args.String()) {
		args = gjson.Parse(args.String())
	}
	if args.IsObject() {
		if m, ok := args.Value().(map[string]any); ok {
			cls.Arguments = m
		}
	}
	return cls, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// drop the language tag line
		s = s[nl+1:]
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}

// firstJSONObject returns the first balanced {...} span, skipping braces
// inside string literals.
func firstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
