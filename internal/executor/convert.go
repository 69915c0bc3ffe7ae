package executor

import (
	"fmt"

	"go.starlark.net/starlark"

	"github.com/mcpbox/mcpbox/internal/domainerr"
)

// toStarlarkValue converts an argument parsed from the invocation's JSON
// input into the corresponding Starlark value.
func toStarlarkValue(v any) (starlark.Value, error) {
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(x), nil
	case string:
		return starlark.String(x), nil
	case float64:
		if x == float64(int64(x)) {
			return starlark.MakeInt64(int64(x)), nil
		}
		return starlark.Float(x), nil
	case int:
		return starlark.MakeInt(x), nil
	case []any:
		elems := make([]starlark.Value, len(x))
		for i, e := range x {
			val, err := toStarlarkValue(e)
			if err != nil {
				return nil, err
			}
			elems[i] = val
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		dict := starlark.NewDict(len(x))
		for k, e := range x {
			val, err := toStarlarkValue(e)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), val); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, domainerr.New(domainerr.KindValidation, "argument of type %T has no Starlark equivalent", v)
	}
}

// fromStarlarkValue converts a Starlark result value back into a plain Go
// value suitable for JSON serialization in the tool's call result.
func fromStarlarkValue(v starlark.Value) any {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil
	case starlark.Bool:
		return bool(x)
	case starlark.String:
		return string(x)
	case starlark.Int:
		i, _ := x.Int64()
		return i
	case starlark.Float:
		return float64(x)
	case *starlark.List:
		out := make([]any, 0, x.Len())
		for i := 0; i < x.Len(); i++ {
			out = append(out, fromStarlarkValue(x.Index(i)))
		}
		return out
	case starlark.Tuple:
		out := make([]any, 0, len(x))
		for _, e := range x {
			out = append(out, fromStarlarkValue(e))
		}
		return out
	case *starlark.Dict:
		out := make(map[string]any, x.Len())
		for _, item := range x.Items() {
			key := fmt.Sprintf("%v", fromStarlarkValue(item[0]))
			out[key] = fromStarlarkValue(item[1])
		}
		return out
	default:
		return v.String()
	}
}
