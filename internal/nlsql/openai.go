package nlsql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/querypilot/querypilot/internal/observability"
	"github.com/querypilot/querypilot/internal/schema"
)

type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// OpenAIReasoner implements Reasoner against any OpenAI-compatible
// chat-completions endpoint.
type OpenAIReasoner struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	client      *http.Client
}

func NewOpenAIReasoner(cfg OpenAIConfig) (*OpenAIReasoner, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-5"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIReasoner{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       model,
		temperature: cfg.Temperature,
		client:      &http.Client{Timeout: timeout},
	}, nil
}

func (r *OpenAIReasoner) SelectTables(ctx context.Context, userQuery string, catalog schema.Snapshot, maxTables int) (TableSelection, error) {
	start := time.Now()
	content, err := r.complete(ctx, selectionSystemPrompt, buildSelectionPrompt(userQuery, catalog, maxTables))
	observability.ObserveAICall("select_tables", err, time.Since(start))
	if err != nil {
		return TableSelection{}, err
	}

	payload, err := parseSelectionResponse(content)
	if err != nil {
		return TableSelection{}, err
	}

	selection := TableSelection{Confidence: payload.Confidence}
	for i, name := range payload.SelectedTables {
		selection.Tables = append(selection.Tables, SelectedTable{
			Name:      name,
			Rationale: payload.Reasoning[name],
			Rank:      i + 1,
		})
	}
	return selection, nil
}

func (r *OpenAIReasoner) GenerateSQL(ctx context.Context, userQuery string, schemaSlice schema.Snapshot) (GeneratedQuery, error) {
	start := time.Now()
	content, err := r.complete(ctx, generationSystemPrompt, buildGenerationPrompt(userQuery, schemaSlice))
	observability.ObserveAICall("generate_sql", err, time.Since(start))
	if err != nil {
		return GeneratedQuery{}, err
	}

	payload, err := parseGenerationResponse(content)
	if err != nil {
		return GeneratedQuery{}, err
	}
	return GeneratedQuery{
		SQL:         payload.SQLQuery,
		Explanation: payload.Explanation,
		Confidence:  payload.Confidence,
		TablesUsed:  payload.TablesUsed,
		GeneratedAt: time.Now().UTC(),
	}, nil
}

func (r *OpenAIReasoner) ImproveSQL(ctx context.Context, instruction, currentSQL string, schemaSlice schema.Snapshot, conversationContext string) (GeneratedQuery, error) {
	start := time.Now()
	content, err := r.complete(ctx, improvementSystemPrompt, buildImprovementPrompt(instruction, currentSQL, schemaSlice, conversationContext))
	observability.ObserveAICall("improve_sql", err, time.Since(start))
	if err != nil {
		return GeneratedQuery{}, err
	}

	payload, err := parseImprovementResponse(content)
	if err != nil {
		return GeneratedQuery{}, err
	}
	return GeneratedQuery{
		SQL:               payload.ImprovedSQL,
		Explanation:       payload.Explanation,
		Confidence:        payload.Confidence,
		TablesUsed:        schemaSlice.TableNames(),
		ChangesMade:       payload.ChangesMade,
		ContextUnderstood: payload.ContextUnderstood,
		GeneratedAt:       time.Now().UTC(),
	}, nil
}

func (r *OpenAIReasoner) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model": r.model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
		"temperature": r.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request chat completion: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read chat response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("chat completion failed status=%d body=%s", resp.StatusCode, string(rawBody))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(rawBody, &parsed); err != nil {
		return "", fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("empty chat completion choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
