// Package querypilotctl implements the command-line client for the
// querypilot API. It is a thin HTTP wrapper; all behavior lives
// server-side.
package querypilotctl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("querypilotctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "querypilot API base URL")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 30*time.Second), "HTTP timeout (e.g. 30s)")
	sessionID := fs.String("session", "", "session ID to continue a conversation")
	mode := fs.String("mode", "", "execution mode override (direct, dry_run, remote)")
	prefix := fs.String("prefix", "", "table-name prefix filter override")
	maxTables := fs.Int("max-tables", 0, "max tables override for selection")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	command := strings.TrimSpace(fs.Arg(0))
	method := ""
	path := ""
	var body []byte
	switch command {
	case "health":
		method, path = http.MethodGet, "/v1/health"
	case "ready":
		method, path = http.MethodGet, "/v1/ready"
	case "schema":
		method, path = http.MethodGet, "/v1/schema"
		query := url.Values{}
		if *prefix != "" {
			query.Set("prefix", *prefix)
		}
		if *maxTables > 0 {
			query.Set("max_tables", fmt.Sprintf("%d", *maxTables))
		}
		if encoded := query.Encode(); encoded != "" {
			path += "?" + encoded
		}
	case "schema-invalidate":
		method, path = http.MethodPost, "/v1/schema/invalidate"
	case "session":
		if fs.NArg() < 2 {
			_, _ = fmt.Fprintln(stderr, "session requires a session ID")
			return 2
		}
		method, path = http.MethodGet, "/v1/sessions/"+url.PathEscape(fs.Arg(1))
	case "session-delete":
		if fs.NArg() < 2 {
			_, _ = fmt.Fprintln(stderr, "session-delete requires a session ID")
			return 2
		}
		method, path = http.MethodDelete, "/v1/sessions/"+url.PathEscape(fs.Arg(1))
	case "query":
		if fs.NArg() < 2 {
			_, _ = fmt.Fprintln(stderr, "query requires the request text")
			return 2
		}
		method, path = http.MethodPost, "/v1/query"
		payload := map[string]any{"text": strings.Join(fs.Args()[1:], " ")}
		if *sessionID != "" {
			payload["session_id"] = *sessionID
		}
		if *mode != "" {
			payload["mode"] = *mode
		}
		if *prefix != "" {
			payload["table_prefix"] = *prefix
		}
		if *maxTables > 0 {
			payload["max_tables"] = *maxTables
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "encode request: %v\n", err)
			return 1
		}
		body = encoded
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}

	endpoint := strings.TrimRight(*baseURL, "/") + path
	code, responseBody, err := doRequest(ctx, client, method, endpoint, body)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

func doRequest(ctx context.Context, client *http.Client, method, endpoint string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, responseBody, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `usage: querypilotctl [flags] <command> [args]

commands:
  health                 check service liveness
  ready                  check service readiness
  schema                 fetch the cached schema snapshot
  schema-invalidate      drop all cached schema snapshots
  session <id>           show a session transcript and SQL history
  session-delete <id>    delete a session
  query <text...>        generate (and maybe execute) SQL for a request

flags:
  -base-url, -timeout, -session, -mode, -prefix, -max-tables`)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}
