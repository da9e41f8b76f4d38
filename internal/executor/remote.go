package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Remote forwards statements to an external execution server speaking
// JSON-RPC 2.0. The server exposes a single tool, execute_query, and
// owns its own database credentials; this process never sees them.
type Remote struct {
	serverURL string
	client    *http.Client
	requestID atomic.Int64
}

func NewRemote(serverURL string, timeout time.Duration) (*Remote, error) {
	if strings.TrimSpace(serverURL) == "" {
		return nil, fmt.Errorf("remote executor server URL is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Remote{
		serverURL: strings.TrimRight(strings.TrimSpace(serverURL), "/"),
		client:    &http.Client{Timeout: timeout},
	}, nil
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int64     `json:"id"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
}

type rpcParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type rpcResponse struct {
	Result *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type remotePayload struct {
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"row_count"`
	Error    string           `json:"error"`
}

// Execute calls tools/call on the remote server. Remote-side failures
// (RPC errors, tool errors, unreachable server) fold into Result.Err
// like any other execution failure.
func (r *Remote) Execute(ctx context.Context, sqlText string) (Result, error) {
	start := time.Now()

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      r.requestID.Add(1),
		Method:  "tools/call",
		Params: rpcParams{
			Name:      "execute_query",
			Arguments: map[string]any{"sql": sqlText},
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal rpc request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.serverURL, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build rpc request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return Result{Elapsed: time.Since(start), Err: fmt.Sprintf("execution server unreachable: %v", err)}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return Result{Elapsed: time.Since(start), Err: fmt.Sprintf("execution server returned status %d", resp.StatusCode)}, nil
	}

	var rpc rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
		return Result{Elapsed: time.Since(start), Err: fmt.Sprintf("decode rpc response: %v", err)}, nil
	}
	if rpc.Error != nil {
		return Result{Elapsed: time.Since(start), Err: fmt.Sprintf("rpc error %d: %s", rpc.Error.Code, rpc.Error.Message)}, nil
	}
	if rpc.Result == nil || len(rpc.Result.Content) == 0 {
		return Result{Elapsed: time.Since(start), Err: "rpc response carried no content"}, nil
	}

	text := rpc.Result.Content[0].Text
	if rpc.Result.IsError {
		return Result{Elapsed: time.Since(start), Err: text}, nil
	}

	var payload remotePayload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return Result{Elapsed: time.Since(start), Err: fmt.Sprintf("decode execution payload: %v", err)}, nil
	}
	if payload.Error != "" {
		return Result{Elapsed: time.Since(start), Err: payload.Error}, nil
	}

	count := payload.RowCount
	if count == 0 {
		count = len(payload.Rows)
	}
	return Result{
		Rows:     payload.Rows,
		RowCount: count,
		Elapsed:  time.Since(start),
	}, nil
}
