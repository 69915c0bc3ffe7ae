package executor

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	mathrand "math/rand"

	startlib_json "go.starlark.net/lib/json"
	startlib_math "go.starlark.net/lib/math"
	startlib_time "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
)

// standardModules is the limited set of stdlib-equivalent modules the
// executor itself can resolve, once the module policy has already
// approved the bare name. json/math/time are the real
// go.starlark.net library modules; base64/hashlib/random are thin
// wrappers over Go's standard crypto/encoding packages exposed only
// through the narrow surface guest code is allowed to see.
var standardModules = map[string]starlark.StringDict{
	"json": {"json": startlib_json.Module},
	"math": {"math": startlib_math.Module},
	"time": {"time": startlib_time.Module},
	"base64": {
		"base64": &starlarkstruct{
			name: "base64",
			methods: starlark.StringDict{
				"encode": starlark.NewBuiltin("base64.encode", base64Encode),
				"decode": starlark.NewBuiltin("base64.decode", base64Decode),
			},
		},
	},
	"hashlib": {
		"hashlib": &starlarkstruct{
			name: "hashlib",
			methods: starlark.StringDict{
				"sha256": starlark.NewBuiltin("hashlib.sha256", hashSHA256),
			},
		},
	},
	"random": {
		"random": &starlarkstruct{
			name: "random",
			methods: starlark.StringDict{
				"random": starlark.NewBuiltin("random.random", randomFloat),
			},
		},
	},
}

func base64Encode(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var s string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "s", &s); err != nil {
		return nil, err
	}
	return starlark.String(base64.StdEncoding.EncodeToString([]byte(s))), nil
}

func base64Decode(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var s string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "s", &s); err != nil {
		return nil, err
	}
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return starlark.String(out), nil
}

func hashSHA256(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var s string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "s", &s); err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(s))
	return starlark.String(hex.EncodeToString(sum[:])), nil
}

func randomFloat(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return starlark.Float(mathrand.Float64()), nil
}

// starlarkstruct is a minimal HasAttrs value grouping a module's exported
// builtins under one predeclared name, avoiding a dependency on the
// go.starlark.net/starlarkstruct package for these narrow, hand-built
// wrapper modules.
type starlarkstruct struct {
	name    string
	methods starlark.StringDict
}

func (s *starlarkstruct) String() string       { return s.name }
func (s *starlarkstruct) Type() string         { return "module" }
func (s *starlarkstruct) Freeze()              {}
func (s *starlarkstruct) Truth() starlark.Bool { return starlark.True }
func (s *starlarkstruct) Hash() (uint32, error) { return 0, nil }

func (s *starlarkstruct) Attr(name string) (starlark.Value, error) {
	if v, ok := s.methods[name]; ok {
		return v, nil
	}
	return nil, nil
}

func (s *starlarkstruct) AttrNames() []string {
	names := make([]string, 0, len(s.methods))
	for k := range s.methods {
		names = append(names, k)
	}
	return names
}
