package sandboxservice

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbox/mcpbox/internal/executor"
	"github.com/mcpbox/mcpbox/internal/models"
	"github.com/mcpbox/mcpbox/internal/modulepolicy"
	"github.com/mcpbox/mcpbox/internal/registry"
)

// fakeLogs is an in-memory ExecutionLogger for tests.
type fakeLogs struct {
	mu      sync.Mutex
	entries []*models.ExecutionLog
}

func (f *fakeLogs) CreateExecutionLog(ctx context.Context, l *models.ExecutionLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, l)
	return nil
}

func testService() (*Service, *httptest.Server) {
	s := &Service{
		Registry:     registry.New(nil),
		Policy:       modulepolicy.NewManager(nil),
		ServiceToken: "s3cr3t",
	}
	return s, httptest.NewServer(s.NewRouter())
}

func TestHealth_NoAuthRequired(t *testing.T) {
	_, srv := testService()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegister_RequiresServiceToken(t *testing.T) {
	_, srv := testService()
	defer srv.Close()

	body, _ := json.Marshal(registerRequest{Tools: []registry.Artifact{{ToolName: "forecast"}}})
	resp, err := http.Post(srv.URL+"/servers/weather/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func doWithToken(t *testing.T, method, url, token string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Service-Token", token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestRegisterThenExecute(t *testing.T) {
	s, srv := testService()
	defer srv.Close()

	body, _ := json.Marshal(registerRequest{Tools: []registry.Artifact{
		{ServerID: "weather", ToolName: "forecast", Source: "def main(city):\n    return {\"city\": city, \"temp\": 20}\n"},
	}})
	resp := doWithToken(t, http.MethodPost, srv.URL+"/servers/weather/register", "s3cr3t", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	_, err := s.Registry.Lookup("weather", "forecast")
	require.NoError(t, err)

	execBody, _ := json.Marshal(executeRequest{ServerID: "weather", ToolName: "forecast", Args: map[string]any{"city": "Paris"}})
	resp = doWithToken(t, http.MethodPost, srv.URL+"/execute", "s3cr3t", execBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	var out executeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Empty(t, out.ErrorKind)
	result := out.Result.(map[string]any)
	assert.Equal(t, "Paris", result["city"])
}

func TestExecute_PersistsRedactedExecutionLog(t *testing.T) {
	logs := &fakeLogs{}
	s := &Service{
		Registry:     registry.New(nil),
		Policy:       modulepolicy.NewManager(nil),
		ServiceToken: "s3cr3t",
		Secrets: func(serverID string) executor.SecretView {
			return executor.SecretView{"API_KEY": "real-value"}
		},
		Logs: logs,
	}
	srv := httptest.NewServer(s.NewRouter())
	defer srv.Close()

	body, _ := json.Marshal(registerRequest{Tools: []registry.Artifact{
		{ServerID: "weather", ToolName: "forecast", Source: "def main(city, passphrase):\n    return {\"city\": city, \"token\": secrets[\"API_KEY\"]}\n"},
	}})
	resp := doWithToken(t, http.MethodPost, srv.URL+"/servers/weather/register", "s3cr3t", body)
	resp.Body.Close()

	execBody, _ := json.Marshal(executeRequest{
		ServerID: "weather", ToolName: "forecast",
		Args:  map[string]any{"city": "Paris", "passphrase": "real-value"},
		Actor: "mcp",
	})
	resp = doWithToken(t, http.MethodPost, srv.URL+"/execute", "s3cr3t", execBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	logs.mu.Lock()
	defer logs.mu.Unlock()
	require.Len(t, logs.entries, 1)
	entry := logs.entries[0]
	assert.Equal(t, "weather", entry.ServerID)
	assert.Equal(t, "forecast", entry.ToolName)
	assert.Equal(t, "mcp", entry.Actor)
	assert.True(t, entry.Success)
	assert.Equal(t, executor.RedactedToken, entry.Args["passphrase"])
	assert.Equal(t, "Paris", entry.Args["city"])
	assert.Contains(t, entry.Result, executor.RedactedToken)
}

func TestExecute_UnregisteredTool_NotFound(t *testing.T) {
	_, srv := testService()
	defer srv.Close()

	execBody, _ := json.Marshal(executeRequest{ServerID: "weather", ToolName: "forecast", Args: map[string]any{}})
	resp := doWithToken(t, http.MethodPost, srv.URL+"/execute", "s3cr3t", execBody)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExecute_WrongServiceToken_Rejected(t *testing.T) {
	_, srv := testService()
	defer srv.Close()

	execBody, _ := json.Marshal(executeRequest{ServerID: "weather", ToolName: "forecast"})
	resp := doWithToken(t, http.MethodPost, srv.URL+"/execute", "wrong-token", execBody)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUnregister_DropsTools(t *testing.T) {
	s, srv := testService()
	defer srv.Close()

	s.Registry.Register("weather", []registry.Artifact{{ServerID: "weather", ToolName: "forecast"}})

	resp := doWithToken(t, http.MethodPost, srv.URL+"/servers/weather/unregister", "s3cr3t", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	_, err := s.Registry.Lookup("weather", "forecast")
	require.Error(t, err)
}
