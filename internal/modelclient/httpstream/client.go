// Package httpstream implements modelclient.Client against any
// OpenAI-chat-completions-compatible SSE endpoint. Grounded on the
// teacher's `groq/groq.go` (`ChatCompletionStream`, `parseStreamingResponse`,
// `isRetryableError`), generalized so one implementation serves every
// candidate backend named in a race (base URL and API key vary per
// model), rather than one bespoke client per provider.
package httpstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/racebandit/llmrace/internal/modelclient"
	"github.com/racebandit/llmrace/internal/racetypes"
	"github.com/racebandit/llmrace/internal/retry"
)

// Endpoint describes one candidate model's backend.
type Endpoint struct {
	BaseURL string
	APIKey  string
	Model   string // provider-side model name, may differ from ModelID
}

// Client fans Stream calls out to the Endpoint registered for each
// ModelID.
type Client struct {
	endpoints   map[racetypes.ModelID]Endpoint
	httpClient  *http.Client
	retryConfig retry.Config
	log         retry.Logger
}

// New builds a Client. endpoints maps every candidate ModelID this race
// will use to its backend connection details.
func New(endpoints map[racetypes.ModelID]Endpoint, httpClient *http.Client, log retry.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		endpoints:   endpoints,
		httpClient:  httpClient,
		retryConfig: retry.DefaultConfig(),
		log:         log,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Stream implements modelclient.Client.
func (c *Client) Stream(ctx context.Context, model racetypes.ModelID, query racetypes.Query, tokenCap int, onToken func(string)) (modelclient.StreamResult, error) {
	ep, ok := c.endpoints[model]
	if !ok {
		return modelclient.StreamResult{}, &racetypes.PermanentBackendError{Model: model, Op: "stream", Err: fmt.Errorf("no endpoint configured")}
	}

	opts := retry.Options{
		Config:       c.retryConfig,
		ErrorChecker: isRetryableError,
		Logger:       c.log,
		OpName:       "model-stream:" + string(model),
	}

	var result modelclient.StreamResult
	retryableFn := func(attempt int) (interface{}, int, []byte, error) {
		result = modelclient.StreamResult{}
		req := chatRequest{
			Model:     ep.Model,
			Messages:  []chatMessage{{Role: "user", Content: query.Text}},
			Stream:    true,
			MaxTokens: tokenCap,
		}
		body, err := json.Marshal(req)
		if err != nil {
			return nil, 0, nil, err
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.BaseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, 0, nil, err
		}
		httpReq.Header.Set("Authorization", "Bearer "+ep.APIKey)
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, nil, ctx.Err()
			}
			return nil, 0, nil, &racetypes.TransientBackendError{Model: model, Op: "stream", Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(resp.Body)
			return nil, resp.StatusCode, raw, classifyHTTPError(model, resp.StatusCode, raw)
		}

		tokens, err := parseSSE(ctx, resp.Body, onToken)
		if err != nil {
			if ctx.Err() != nil {
				return nil, resp.StatusCode, nil, ctx.Err()
			}
			return nil, resp.StatusCode, nil, &racetypes.TransientBackendError{Model: model, Op: "stream", Err: err}
		}
		result.Text = tokens.text
		result.TokensConsumed = tokens.tokenCount
		result.CompletionStatus = modelclient.StatusOK
		return nil, resp.StatusCode, nil, nil
	}

	_, err := retry.Execute(ctx, opts, retryableFn)
	if err != nil {
		if ctx.Err() != nil {
			result.CompletionStatus = modelclient.StatusCancelled
			return result, ctx.Err()
		}
		result.CompletionStatus = modelclient.StatusError
		return result, err
	}
	return result, nil
}

func classifyHTTPError(model racetypes.ModelID, statusCode int, body []byte) error {
	var parsed apiErrorBody
	_ = json.Unmarshal(body, &parsed)
	err := fmt.Errorf("model backend returned status %d: %s", statusCode, parsed.Error.Message)
	if statusCode >= 500 || statusCode == 429 {
		return &racetypes.TransientBackendError{Model: model, Op: "stream", Err: err}
	}
	return &racetypes.PermanentBackendError{Model: model, Op: "stream", Err: err}
}

// isRetryableError mirrors groq.go's isRetryableError: network failures and
// 5xx/429 are retryable, everything else (4xx other than 429) is not.
func isRetryableError(err error, statusCode int, _ []byte) bool {
	if err != nil {
		return statusCode == 0 || statusCode >= 500 || statusCode == 429
	}
	return statusCode >= 500 || statusCode == 429
}

type sseResult struct {
	text       string
	tokenCount int
}

// parseSSE parses Server-Sent Events from body, mirroring groq.go's
// `parseStreamingResponse`: bufio.Scanner over "data: "-prefixed lines,
// checking ctx.Done() on every line so cancellation is immediate.
func parseSSE(ctx context.Context, body io.Reader, onToken func(string)) (sseResult, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var text strings.Builder
	tokenCount := 0

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return sseResult{}, ctx.Err()
		default:
		}

		line := scanner.Text()
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			tokenCount = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta != nil && *delta != "" {
			text.WriteString(*delta)
			if tokenCount == 0 {
				tokenCount++
			}
			if onToken != nil {
				onToken(*delta)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return sseResult{}, err
	}
	if tokenCount == 0 {
		tokenCount = len(strings.Fields(text.String()))
	}
	return sseResult{text: text.String(), tokenCount: tokenCount}, nil
}
