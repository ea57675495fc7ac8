// Package ollama is a minimal client for the Ollama chat API, supporting
// both streamed token delivery and one-shot completions.
package ollama

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

	"github.com/quietloop/memochat/internal/chat"
)

// Client talks to an Ollama server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an Ollama client. timeout bounds a whole request,
// including streaming.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type apiMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type chatRequest struct {
	Model    string       `json:"model"`
	Messages []apiMessage `json:"messages"`
	Stream   bool         `json:"stream"`
}

type chatChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

// ChatStream sends a streaming chat request and calls emit for each token
// as it arrives. An error returned by emit aborts the stream.
func (c *Client) ChatStream(ctx context.Context, model string, messages []chat.Message, emit func(token string) error) error {
	resp, err := c.send(ctx, model, messages, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk chatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Message.Content != "" {
			if err := emit(chunk.Message.Content); err != nil {
				return err
			}
		}
		if chunk.Done {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read ollama stream: %w", err)
	}
	return nil
}

// Chat sends a non-streaming chat request and returns the trimmed
// response content. Used for digest generation.
func (c *Client) Chat(ctx context.Context, model string, messages []chat.Message) (string, error) {
	resp, err := c.send(ctx, model, messages, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed reading ollama response: %w", err)
	}
	var chunk chatChunk
	if err := json.Unmarshal(body, &chunk); err != nil {
		return "", fmt.Errorf("failed to parse ollama response: %s", truncate(string(body), 400))
	}
	return strings.TrimSpace(chunk.Message.Content), nil
}

func (c *Client) send(ctx context.Context, model string, messages []chat.Message, stream bool) (*http.Response, error) {
	reqBody := chatRequest{
		Model:    model,
		Messages: make([]apiMessage, 0, len(messages)),
		Stream:   stream,
	}
	for _, m := range messages {
		reqBody.Messages = append(reqBody.Messages, apiMessage{
			Role:    m.Role,
			Content: m.Content,
			Images:  m.Images,
		})
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("ollama non-success status=%d body=%s", resp.StatusCode, truncate(string(body), 400))
	}
	return resp, nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
