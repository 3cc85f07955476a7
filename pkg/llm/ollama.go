package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Ollama implements Client on a local Ollama server's chat endpoint.
type Ollama struct {
	log        *slog.Logger
	baseURL    string
	httpClient *http.Client
	model      string
	maxTokens  int64
}

func NewOllama(log *slog.Logger, baseURL, model string, maxTokens int64, httpClient *http.Client) *Ollama {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &Ollama{
		log:        log,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		model:      model,
		maxTokens:  maxTokens,
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	Error           string        `json:"error,omitempty"`
	PromptEvalCount int64         `json:"prompt_eval_count"`
	EvalCount       int64         `json:"eval_count"`
}

func (c *Ollama) Complete(ctx context.Context, req Request) (Completion, error) {
	maxTokens := c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	msgs := make([]ollamaMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, ollamaMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, ollamaMessage{Role: "user", Content: req.Prompt})

	chatReq := ollamaChatRequest{
		Model:    c.model,
		Messages: msgs,
		Options:  map[string]any{"num_predict": maxTokens},
	}
	if req.JSON {
		chatReq.Format = "json"
	}

	start := time.Now()
	resp, err := c.chat(ctx, chatReq)
	if err != nil {
		c.log.Warn("llm: ollama call failed", "purpose", req.Purpose, "duration", time.Since(start), "error", err)
		return Completion{}, fmt.Errorf("failed to get response: %w", err)
	}
	c.log.Debug("llm: ollama call completed", "purpose", req.Purpose, "duration", time.Since(start))

	usage := Usage{InputTokens: resp.PromptEvalCount, OutputTokens: resp.EvalCount}
	if strings.TrimSpace(resp.Message.Content) == "" {
		return Completion{Usage: usage}, ErrEmptyResponse
	}
	return Completion{Text: resp.Message.Content, Usage: usage}, nil
}

func (c *Ollama) chat(ctx context.Context, req ollamaChatRequest) (ollamaChatResponse, error) {
	var out ollamaChatResponse

	b, err := json.Marshal(req)
	if err != nil {
		return out, fmt.Errorf("json marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(b))
	if err != nil {
		return out, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return out, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return out, &StatusError{Provider: "ollama", Code: resp.StatusCode, Body: string(body)}
	}

	// Ollama may send newline-delimited chunks even when stream=false.
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return out, fmt.Errorf("stream decode: %w (line=%q)", err, string(line))
		}
		if chunk.Error != "" {
			return out, fmt.Errorf("ollama error: %s", chunk.Error)
		}
		out.Message.Content += chunk.Message.Content
		if chunk.Message.Role != "" {
			out.Message.Role = chunk.Message.Role
		}
		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		if chunk.Done {
			out.Done = true
			out.PromptEvalCount = chunk.PromptEvalCount
			out.EvalCount = chunk.EvalCount
		}
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("stream read: %w", err)
	}
	return out, nil
}
