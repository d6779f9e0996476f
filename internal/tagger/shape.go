package tagger

import "github.com/JakeFAU/web-progress/internal/progress"

// CodeKey is the parameter key carrying the correlation code.
const CodeKey = "progress_code"

// Shape classifies where a call's parameters can carry a correlation code.
type Shape int

// Parameter shapes, decided before anything is mutated.
const (
	// Untaggable calls have neither a context mapping nor a mapping as their
	// last positional argument.
	Untaggable Shape = iota
	// ContextShaped calls carry kwargs.context.
	ContextShaped
	// PositionalShaped calls end their positional arguments with an
	// options mapping.
	PositionalShaped
)

func (s Shape) String() string {
	switch s {
	case ContextShaped:
		return "context"
	case PositionalShaped:
		return "positional"
	default:
		return "untaggable"
	}
}

// Classify inspects params without modifying them.
func Classify(params map[string]any) Shape {
	if _, ok := contextOf(params); ok {
		return ContextShaped
	}
	if _, ok := lastArgOf(params); ok {
		return PositionalShaped
	}
	return Untaggable
}

// ExtractCode recovers a code previously injected into params, looking at the
// context mapping first and the last positional argument second.
func ExtractCode(params map[string]any) (progress.Code, bool) {
	if ctx, ok := contextOf(params); ok {
		if code, ok := ctx[CodeKey].(string); ok && code != "" {
			return code, true
		}
	}
	if last, ok := lastArgOf(params); ok {
		if code, ok := last[CodeKey].(string); ok && code != "" {
			return code, true
		}
	}
	return "", false
}

func contextOf(params map[string]any) (map[string]any, bool) {
	kwargs, ok := params["kwargs"].(map[string]any)
	if !ok {
		return nil, false
	}
	ctx, ok := kwargs["context"].(map[string]any)
	return ctx, ok
}

func lastArgOf(params map[string]any) (map[string]any, bool) {
	args, ok := params["args"].([]any)
	if !ok || len(args) == 0 {
		return nil, false
	}
	last, ok := args[len(args)-1].(map[string]any)
	return last, ok
}
