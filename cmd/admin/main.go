// Command admin is a flag-based CLI for scripted/operator use against the
// Admin HTTP API (internal/adminapi). A browser admin UI is a separate
// consumer of the same API and lives outside this repo.
//
// Usage:
//
//	admin server create -name foo
//	admin server list
//	admin server start -id <id>
//	admin tool publish -id <id>
//	admin tool rollback -id <id> -version 3
//	admin approval list -kind tools
//	admin approval approve -kind tools -id <id>
//	admin approval reject -kind tools -id <id>
//	admin secret set -server <id> -key API_KEY -value s3cr3t
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	if len(os.Args) < 3 {
		usage()
		os.Exit(2)
	}

	c := &cliClient{
		baseURL: getenv("MCPBOX_ADMIN_URL", "http://localhost:8080"),
		token:   os.Getenv("MCPBOX_ADMIN_TOKEN"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}

	resource, verb := os.Args[1], os.Args[2]
	args := os.Args[3:]

	var err error
	switch resource {
	case "server":
		err = runServer(c, verb, args)
	case "tool":
		err = runTool(c, verb, args)
	case "approval":
		err = runApproval(c, verb, args)
	case "secret":
		err = runSecret(c, verb, args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "admin:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: admin {server|tool|approval|secret} <verb> [flags]")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// cliClient is a thin bearer-token HTTP client for the Admin API.
type cliClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c *cliClient) do(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, string(raw))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(string(b))
}

func runServer(c *cliClient, verb string, args []string) error {
	switch verb {
	case "create":
		fs := flag.NewFlagSet("server create", flag.ExitOnError)
		name := fs.String("name", "", "server name")
		desc := fs.String("description", "", "server description")
		networkMode := fs.String("network-mode", "isolated", "isolated|allowlist")
		fs.Parse(args)

		var out map[string]any
		err := c.do(http.MethodPost, "/api/servers", map[string]any{
			"name":         *name,
			"description":  *desc,
			"network_mode": *networkMode,
		}, &out)
		if err != nil {
			return err
		}
		printJSON(out)
		return nil

	case "list":
		var out map[string]any
		if err := c.do(http.MethodGet, "/api/servers", nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil

	case "start":
		fs := flag.NewFlagSet("server start", flag.ExitOnError)
		id := fs.String("id", "", "server id")
		fs.Parse(args)
		var out map[string]any
		if err := c.do(http.MethodPost, "/api/servers/"+*id+"/start", nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil

	case "stop":
		fs := flag.NewFlagSet("server stop", flag.ExitOnError)
		id := fs.String("id", "", "server id")
		fs.Parse(args)
		var out map[string]any
		if err := c.do(http.MethodPost, "/api/servers/"+*id+"/stop", nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil

	default:
		return fmt.Errorf("unknown server verb %q", verb)
	}
}

func runTool(c *cliClient, verb string, args []string) error {
	switch verb {
	case "create":
		fs := flag.NewFlagSet("tool create", flag.ExitOnError)
		serverID := fs.String("server", "", "server id")
		name := fs.String("name", "", "tool name")
		description := fs.String("description", "", "tool description")
		sourcePath := fs.String("source-file", "", "path to a Starlark source file")
		fs.Parse(args)

		src, err := os.ReadFile(*sourcePath)
		if err != nil {
			return fmt.Errorf("read source file: %w", err)
		}

		var out map[string]any
		err = c.do(http.MethodPost, "/api/tools", map[string]any{
			"server_id":   *serverID,
			"name":        *name,
			"description": *description,
			"source":      string(src),
		}, &out)
		if err != nil {
			return err
		}
		printJSON(out)
		return nil

	case "publish":
		fs := flag.NewFlagSet("tool publish", flag.ExitOnError)
		id := fs.String("id", "", "tool id")
		fs.Parse(args)
		var out map[string]any
		if err := c.do(http.MethodPost, "/api/tools/"+*id+"/publish", nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil

	case "rollback":
		fs := flag.NewFlagSet("tool rollback", flag.ExitOnError)
		id := fs.String("id", "", "tool id")
		version := fs.String("version", "", "version to roll back to")
		fs.Parse(args)
		var out map[string]any
		if err := c.do(http.MethodPost, "/api/tools/"+*id+"/versions/"+*version+"/rollback", nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil

	case "list":
		var out map[string]any
		if err := c.do(http.MethodGet, "/api/tools", nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil

	default:
		return fmt.Errorf("unknown tool verb %q", verb)
	}
}

func runApproval(c *cliClient, verb string, args []string) error {
	fs := flag.NewFlagSet("approval "+verb, flag.ExitOnError)
	kind := fs.String("kind", "tools", "tools|modules|network")
	id := fs.String("id", "", "approval request id")
	fs.Parse(args)

	switch verb {
	case "list":
		var out map[string]any
		if err := c.do(http.MethodGet, "/api/approvals/"+*kind, nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil

	case "approve", "reject":
		var out map[string]any
		err := c.do(http.MethodPost, "/api/approvals/"+*kind+"/"+*id+"/action", map[string]any{
			"approve": verb == "approve",
		}, &out)
		if err != nil {
			return err
		}
		printJSON(out)
		return nil

	default:
		return fmt.Errorf("unknown approval verb %q", verb)
	}
}

func runSecret(c *cliClient, verb string, args []string) error {
	switch verb {
	case "set":
		fs := flag.NewFlagSet("secret set", flag.ExitOnError)
		serverID := fs.String("server", "", "server id")
		key := fs.String("key", "", "secret key name")
		value := fs.String("value", "", "secret plaintext value")
		fs.Parse(args)
		var out map[string]any
		err := c.do(http.MethodPut, "/api/servers/"+*serverID+"/secrets/"+*key, map[string]any{
			"value": *value,
		}, &out)
		if err != nil {
			return err
		}
		printJSON(out)
		return nil

	case "delete":
		fs := flag.NewFlagSet("secret delete", flag.ExitOnError)
		serverID := fs.String("server", "", "server id")
		key := fs.String("key", "", "secret key name")
		fs.Parse(args)
		return c.do(http.MethodDelete, "/api/servers/"+*serverID+"/secrets/"+*key, nil, nil)

	default:
		return fmt.Errorf("unknown secret verb %q", verb)
	}
}
