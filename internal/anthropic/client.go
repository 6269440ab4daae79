package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/casesmith/internal/llm"
)

const defaultBaseURL = "https://api.anthropic.com"

// Client streams completions from the Anthropic Messages API.
type Client struct {
	apiKey    string
	model     string
	baseURL   string
	maxTokens int
	client    *http.Client
}

func NewClient(apiKey, model string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		apiKey:    apiKey,
		model:     model,
		baseURL:   defaultBaseURL,
		maxTokens: 8192,
		client:    &http.Client{Timeout: timeout},
	}
}

// SetBaseURL points the client at a different host, e.g. a proxy or test server.
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = strings.TrimRight(baseURL, "/")
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
	Stream    bool      `json:"stream"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// StreamComplete implements llm.Gateway. Text deltas are forwarded as they
// arrive; the final delta carries the accumulated text.
func (c *Client) StreamComplete(ctx context.Context, systemPrompt, task string) (<-chan llm.Delta, error) {
	body, err := json.Marshal(request{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    systemPrompt,
		Messages:  []message{{Role: "user", Content: task}},
		Stream:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", llm.ErrGatewayUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Type != "" {
			err = fmt.Errorf("api error %d: %s: %s", resp.StatusCode, errResp.Error.Type, errResp.Error.Message)
		} else {
			err = fmt.Errorf("api error %d: %s", resp.StatusCode, string(respBody))
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: %v", llm.ErrGatewayUnavailable, err)
		}
		return nil, err
	}

	out := make(chan llm.Delta, 16)
	go c.readStream(ctx, resp.Body, out)
	return out, nil
}

func (c *Client) readStream(ctx context.Context, body io.ReadCloser, out chan<- llm.Delta) {
	defer close(out)
	defer body.Close()

	emit := func(d llm.Delta) bool {
		select {
		case out <- d:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var full strings.Builder
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			emit(llm.Delta{Err: fmt.Errorf("decode stream event: %w", err)})
			return
		}

		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Type != "text_delta" || ev.Delta.Text == "" {
				continue
			}
			full.WriteString(ev.Delta.Text)
			if !emit(llm.Delta{Text: ev.Delta.Text}) {
				return
			}
		case "message_stop":
			emit(llm.Delta{Text: full.String(), Done: true})
			return
		case "error":
			emit(llm.Delta{Err: fmt.Errorf("stream error: %s: %s", ev.Error.Type, ev.Error.Message)})
			return
		}
	}

	if err := scanner.Err(); err != nil {
		emit(llm.Delta{Err: fmt.Errorf("read stream: %w", err)})
		return
	}
	emit(llm.Delta{Err: fmt.Errorf("stream ended without message_stop")})
}
