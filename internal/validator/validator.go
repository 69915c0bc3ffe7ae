// Package validator implements the Code Validator: a static check of
// submitted Starlark source that runs both on the admin-surface draft and
// again, unconditionally, inside the executor before every invocation.
package validator

import (
	"fmt"
	"regexp"

	"go.starlark.net/syntax"
)

// MaxSourceBytes is the size cap imposed on a submission.
const MaxSourceBytes = 100 * 1024

// FailureKind enumerates the deterministic validation failure reasons.
type FailureKind string

const (
	FailureNone                   FailureKind = ""
	FailureSizeExceeded           FailureKind = "SizeExceeded"
	FailureParseError             FailureKind = "ParseError"
	FailureMissingEntryPoint      FailureKind = "MissingEntryPoint"
	FailureForbiddenName          FailureKind = "ForbiddenName"
	FailureBadEntryPointSignature FailureKind = "BadEntryPointSignature"
)

// EntryPointName is the single allowed entry point function name.
const EntryPointName = "main"

// forbiddenNames is the textual denylist. Detection is by
// literal spelling via a pre-compiled regular expression, independent of
// the parse tree, so the cost of checking it is bounded even on inputs
// that fail to parse as valid Starlark in some other way.
var forbiddenNames = []string{
	"eval", "exec", "compile", "open", "__import__",
	"globals", "locals", "vars",
	"getattr", "hasattr", "setattr", "delattr",
	"type", "object",
}

// denylistPattern matches any forbidden identifier, plus any dunder-shaped
// identifier (begins and ends with "__"), as whole words only.
var denylistPattern = regexp.MustCompile(
	`\b(` + joinAlternatives(forbiddenNames) + `)\b|\b__[A-Za-z0-9_]*__\b`,
)

func joinAlternatives(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += "|"
		}
		out += regexp.QuoteMeta(n)
	}
	return out
}

// Parameter describes one parameter of the entry point, as inferred from
// its signature. Type is empty when the parameter carries no annotation
// (Starlark itself has no type annotation syntax, so MCPBox recovers this
// from a `# types: {...}` leading comment convention — see inferSchema).
type Parameter struct {
	Name string
	Type string
}

// Result is the outcome of validating one source submission.
type Result struct {
	Valid             bool
	EntryPointPresent bool
	Parameters        []Parameter
	InputSchema       map[string]any
	Failure           FailureKind
	Message           string
}

// Validate runs every validation rule against source and returns a Result. It
// never returns an error: all failure modes are expressed as a FailureKind
// in the Result so callers (admin API, executor) can render a deterministic
// machine-readable response.
func Validate(source string) Result {
	if len(source) > MaxSourceBytes {
		return Result{Failure: FailureSizeExceeded, Message: fmt.Sprintf("source is %d bytes, exceeds %d byte cap", len(source), MaxSourceBytes)}
	}

	if loc := denylistPattern.FindString(source); loc != "" {
		return Result{Failure: FailureForbiddenName, Message: fmt.Sprintf("forbidden identifier %q", loc)}
	}

	file, err := syntax.Parse("tool.star", source, 0)
	if err != nil {
		return Result{Failure: FailureParseError, Message: err.Error()}
	}

	def := findEntryPoint(file)
	if def == nil {
		return Result{Failure: FailureMissingEntryPoint, Message: fmt.Sprintf("no top-level function named %q", EntryPointName)}
	}

	params, ok := extractParameters(def)
	if !ok {
		return Result{Failure: FailureBadEntryPointSignature, EntryPointPresent: true, Message: "main must take only plain or annotated positional parameters, no *args/**kwargs"}
	}

	schema := inferSchema(source, params)

	return Result{
		Valid:             true,
		EntryPointPresent: true,
		Parameters:        params,
		InputSchema:       schema,
	}
}

// findEntryPoint looks for a single top-level `def main(...):`.
func findEntryPoint(file *syntax.File) *syntax.DefStmt {
	for _, stmt := range file.Stmts {
		if def, ok := stmt.(*syntax.DefStmt); ok && def.Name.Name == EntryPointName {
			return def
		}
	}
	return nil
}

// extractParameters walks the entry point's parameter list. Starlark does
// not support *args/**kwargs in def statements destined for this sandbox
// (rejected below), so every parameter is a plain or defaulted Ident.
func extractParameters(def *syntax.DefStmt) ([]Parameter, bool) {
	params := make([]Parameter, 0, len(def.Params))
	for _, p := range def.Params {
		switch v := p.(type) {
		case *syntax.Ident:
			params = append(params, Parameter{Name: v.Name})
		case *syntax.BinaryExpr: // name = default
			if id, ok := v.X.(*syntax.Ident); ok {
				params = append(params, Parameter{Name: id.Name})
				continue
			}
			return nil, false
		default:
			// *args, **kwargs (syntax.UnaryExpr with Op STAR/STARSTAR) are rejected.
			return nil, false
		}
	}
	return params, true
}

// typeHintPattern recovers a `name: type` annotation from a leading
// `# types: name=str, other=int` comment convention, since Starlark's
// grammar carries no native type-annotation syntax.
var (
	typeHintPattern    = regexp.MustCompile(`(\w+)\s*=\s*(\w+)`)
	typeCommentPattern = regexp.MustCompile(`#\s*types:\s*(.*)`)
)

// inferSchema derives the JSON-schema input_schema from the entry point's
// parameter list, defaulting unannotated parameters to "any".
func inferSchema(source string, params []Parameter) map[string]any {
	hints := map[string]string{}
	if m := typeCommentPattern.FindStringSubmatch(source); m != nil {
		for _, pair := range typeHintPattern.FindAllStringSubmatch(m[1], -1) {
			hints[pair[1]] = pair[2]
		}
	}

	properties := map[string]any{}
	required := make([]string, 0, len(params))
	for i := range params {
		t := hints[params[i].Name]
		if t == "" {
			t = "any"
		} else {
			params[i].Type = t
		}
		properties[params[i].Name] = map[string]any{"type": jsonSchemaType(t)}
		required = append(required, params[i].Name)
	}

	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

func jsonSchemaType(t string) string {
	switch t {
	case "str":
		return "string"
	case "int", "float":
		return "number"
	case "bool":
		return "boolean"
	case "list":
		return "array"
	case "dict":
		return "object"
	default:
		return "any"
	}
}
