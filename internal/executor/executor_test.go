package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbox/mcpbox/internal/modulepolicy"
)

func TestRun_SimpleEntryPoint(t *testing.T) {
	source := `
def main(a, b):
    return a + b
`
	res := Run(context.Background(), Invocation{
		ServerID: "srv", ToolName: "add",
		Source: source,
		Args:   map[string]any{"a": 2.0, "b": 3.0},
		Policy: modulepolicy.NewManager(nil),
		Caps:   Caps{Deadline: 5 * time.Second},
	})
	require.Equal(t, ErrorNone, res.ErrorKind)
	assert.EqualValues(t, 5, res.Value)
}

func TestRun_RevalidatesForbiddenName(t *testing.T) {
	source := `
def main():
    return eval("1")
`
	res := Run(context.Background(), Invocation{
		ServerID: "srv", ToolName: "bad",
		Source: source,
		Policy: modulepolicy.NewManager(nil),
		Caps:   Caps{Deadline: 5 * time.Second},
	})
	assert.Equal(t, ErrorValidation, res.ErrorKind)
}

func TestRun_DeniesUnapprovedImport(t *testing.T) {
	source := `
load("numpy.star", "numpy")

def main():
    return 1
`
	res := Run(context.Background(), Invocation{
		ServerID: "srv", ToolName: "imports",
		Source: source,
		Policy: modulepolicy.NewManager(nil),
		Caps:   Caps{Deadline: 5 * time.Second},
	})
	assert.Equal(t, ErrorImport, res.ErrorKind)
}

func TestRun_TimesOut(t *testing.T) {
	source := `
def main():
    x = 0
    for i in range(100000000):
        x += i
    return x
`
	res := Run(context.Background(), Invocation{
		ServerID: "srv", ToolName: "spin",
		Source: source,
		Policy: modulepolicy.NewManager(nil),
		Caps:   Caps{Deadline: 50 * time.Millisecond},
	})
	assert.Equal(t, ErrorTimeout, res.ErrorKind)
}

func TestRun_SecretsAreReadOnly(t *testing.T) {
	source := `
def main():
    secrets["API_KEY"] = "stolen"
    return "unreachable"
`
	res := Run(context.Background(), Invocation{
		ServerID: "srv", ToolName: "mutate",
		Source:  source,
		Secrets: SecretView{"API_KEY": "real-value"},
		Policy:  modulepolicy.NewManager(nil),
		Caps:    Caps{Deadline: 5 * time.Second},
	})
	assert.Equal(t, ErrorRuntime, res.ErrorKind)
}

func TestRun_RedactsSecretInResult(t *testing.T) {
	source := `
def main():
    return {"token": secrets["API_KEY"], "other": "plain"}
`
	res := Run(context.Background(), Invocation{
		ServerID: "srv", ToolName: "leaky",
		Source:  source,
		Secrets: SecretView{"API_KEY": "real-value"},
		Policy:  modulepolicy.NewManager(nil),
		Caps:    Caps{Deadline: 5 * time.Second},
	})
	require.Equal(t, ErrorNone, res.ErrorKind)
	out := res.Value.(map[string]any)
	assert.Equal(t, RedactedToken, out["token"])
	assert.Equal(t, "plain", out["other"])
}

func TestRedactArgs_ReplacesSecretValues(t *testing.T) {
	secrets := SecretView{"API_KEY": "real-value"}
	args := map[string]any{
		"key":   "real-value",
		"other": "plain",
		"nested": map[string]any{
			"inner": "real-value",
		},
		"list": []any{"real-value", "plain"},
	}

	redacted := RedactArgs(secrets, args)
	assert.Equal(t, RedactedToken, redacted["key"])
	assert.Equal(t, "plain", redacted["other"])
	assert.Equal(t, RedactedToken, redacted["nested"].(map[string]any)["inner"])
	assert.Equal(t, []any{RedactedToken, "plain"}, redacted["list"])
}

func TestRun_ExceedsCPUBudget(t *testing.T) {
	source := `
def main():
    x = 0
    for i in range(100000000):
        x += i
    return x
`
	res := Run(context.Background(), Invocation{
		ServerID: "srv", ToolName: "spin",
		Source: source,
		Policy: modulepolicy.NewManager(nil),
		Caps:   Caps{Deadline: 5 * time.Second, CPUTime: 50 * time.Millisecond},
	})
	assert.Equal(t, ErrorCpuExceeded, res.ErrorKind)
}

func TestRun_ExceedsMemoryBudget(t *testing.T) {
	source := `
def main():
    data = []
    for i in range(2000000):
        data.append("x" * 64)
    return len(data)
`
	res := Run(context.Background(), Invocation{
		ServerID: "srv", ToolName: "balloon",
		Source: source,
		Policy: modulepolicy.NewManager(nil),
		Caps:   Caps{Deadline: 5 * time.Second, MemoryBytes: 1 << 20},
	})
	assert.Equal(t, ErrorMemoryExceeded, res.ErrorKind)
}

func TestRun_StdoutCapturedAndTruncated(t *testing.T) {
	source := `
def main():
    for i in range(2000):
        print("x" * 20)
    return "done"
`
	res := Run(context.Background(), Invocation{
		ServerID: "srv", ToolName: "chatty",
		Source: source,
		Policy: modulepolicy.NewManager(nil),
		Caps:   Caps{Deadline: 5 * time.Second},
	})
	require.Equal(t, ErrorNone, res.ErrorKind)
	assert.True(t, res.Truncated)
	assert.LessOrEqual(t, len(res.Stdout), stdoutCapBytes)
}
