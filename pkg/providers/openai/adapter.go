package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/reliefops/triagecall/pkg/errorsx"
	"github.com/reliefops/triagecall/pkg/llm"
	"github.com/reliefops/triagecall/pkg/resilience"
)

// Adapter implements field extraction and prompt phrasing over any
// chat-completions compatible endpoint.
type Adapter struct {
	APIKey  string
	Model   string
	BaseURL string
	Client  *http.Client

	// Breaker, when set, sheds requests while the vendor is rate limiting.
	Breaker *resilience.CircuitBreaker
}

func NewAdapter(apiKey, model string) *Adapter {
	return &Adapter{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: "https://api.openai.com/v1",
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *Adapter) Name() string { return "openai" }

const extractSystem = `You extract one structured field from an emergency caller's words.
Respond with strict JSON only, no prose: {"found":bool,"value":string,"confidence":number}.
confidence is 0..1. When the caller did not answer the question, return found=false.`

const promptSystem = `You are the voice of an automated emergency triage line.
Phrase exactly one short, calm sentence for the situation described.
Plain spoken language only, no markup, no emoji.`

// extractPayload is the strict JSON shape the model must return.
type extractPayload struct {
	Found      bool    `json:"found"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

func (a *Adapter) ExtractField(ctx context.Context, req llm.ExtractRequest) (llm.Extraction, error) {
	user := a.extractUserPrompt(req)
	content, err := a.complete(ctx, extractSystem, user, true)
	if err != nil {
		return llm.Extraction{}, err
	}
	var payload extractPayload
	if derr := json.Unmarshal([]byte(strings.TrimSpace(content)), &payload); derr != nil {
		return llm.Extraction{}, errorsx.Wrap(derr, errorsx.ReasonExtractDecode)
	}
	return llm.Extraction{
		Value:      payload.Value,
		Confidence: payload.Confidence,
		Found:      payload.Found,
	}, nil
}

func (a *Adapter) GeneratePrompt(ctx context.Context, req llm.PromptRequest) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Dialogue state: %s.\n", req.State)
	if req.Question != "" {
		fmt.Fprintf(&sb, "Information needed: %s\n", req.Question)
	}
	if req.Retry > 0 {
		fmt.Fprintf(&sb, "The caller's previous answer was unclear (attempt %d); rephrase more simply.\n", req.Retry)
	}
	if req.Candidate != "" {
		fmt.Fprintf(&sb, "Ask the caller to confirm the value %q with a yes or no.\n", req.Candidate)
	}
	if len(req.Known) > 0 {
		fmt.Fprintf(&sb, "Already collected: %v\n", req.Known)
	}

	content, err := a.complete(ctx, promptSystem, sb.String(), false)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonPromptGenerate)
	}
	return strings.TrimSpace(content), nil
}

func (a *Adapter) extractUserPrompt(req llm.ExtractRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Field: %s (kind %s)\n", req.FieldID, req.Kind)
	if len(req.Allowed) > 0 {
		fmt.Fprintf(&sb, "Allowed values: %s\n", strings.Join(req.Allowed, ", "))
	}
	if req.Kind == llm.KindNumeric {
		fmt.Fprintf(&sb, "Valid range: %v..%v\n", req.Min, req.Max)
	}
	if len(req.Known) > 0 {
		fmt.Fprintf(&sb, "Context already known: %v\n", req.Known)
	}
	fmt.Fprintf(&sb, "Caller said: %q\n", req.TurnText)
	return sb.String()
}

func (a *Adapter) complete(ctx context.Context, system, user string, jsonMode bool) (string, error) {
	if a.Breaker != nil && !a.Breaker.Allow() {
		return "", errorsx.Wrap(errors.New("circuit open"), errorsx.ReasonLLMRateLimit)
	}
	content, err := a.doComplete(ctx, system, user, jsonMode)
	if a.Breaker != nil {
		if err != nil {
			a.Breaker.OnError(err)
		} else {
			a.Breaker.OnSuccess()
		}
	}
	return content, err
}

func (a *Adapter) doComplete(ctx context.Context, system, user string, jsonMode bool) (string, error) {
	reqBody := map[string]any{
		"model": a.Model,
		"messages": []map[string]any{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
		"temperature": 0.2,
	}
	if jsonMode {
		reqBody["response_format"] = map[string]any{"type": "json_object"}
	}
	b, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/chat/completions", bytes.NewBuffer(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.APIKey)

	resp, err := a.client().Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", errorsx.Wrap(err, errorsx.ReasonExtractTimeout)
		}
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(resp.Body)
		return "", resilience.RateLimitError{Provider: "openai", Message: string(body)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", errors.New(string(body))
	}

	var payload struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	if len(payload.Choices) == 0 {
		return "", errors.New("no choices in completion")
	}
	return payload.Choices[0].Message.Content, nil
}

func (a *Adapter) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return http.DefaultClient
}

var _ llm.Adapter = (*Adapter)(nil)
