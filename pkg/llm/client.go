// Package llm provides a streaming client for a locally hosted Ollama model.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"ollama-chat-go/internal/config"
)

// ErrIncompleteStream 表示上游在 done=true 之前就关闭了连接。
var ErrIncompleteStream = errors.New("llm stream ended before completion")

// Client 定义了 token 源：一次调用对应一次上游流式请求。
type Client interface {
	// Generate 将 prompt 与语气前导语拼接后调用模型，把每个非空片段按顺序写入 out。
	// 上游正常结束时返回 nil；ctx 取消时立即停止读取并返回 ctx.Err()。
	// Generate 不会关闭 out。
	Generate(ctx context.Context, prompt, tone string, out chan<- string) error
}

type ollamaClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

// NewClient creates a new Ollama client from the config.
func NewClient(cfg config.LLMConfig) Client {
	return &ollamaClient{
		cfg: cfg,
		// 流式响应不设置整体超时，生命周期由 ctx 控制
		client: &http.Client{},
	}
}

type generateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

// BuildPrompt 生成最终发送给模型的文本：语气前导语 + "User prompt:\n" + 组合后的对话。
func BuildPrompt(preamble, tone, prompt string) string {
	if preamble == "" {
		preamble = config.DefaultPreamble
	}
	return strings.ReplaceAll(preamble, "{tone}", tone) + "User prompt:\n" + prompt
}

func (c *ollamaClient) options() map[string]interface{} {
	opts := map[string]interface{}{}
	if c.cfg.Generation.Temperature != 0 {
		opts["temperature"] = c.cfg.Generation.Temperature
	}
	if c.cfg.Generation.TopP != 0 {
		opts["top_p"] = c.cfg.Generation.TopP
	}
	if c.cfg.Generation.NumPredict != 0 {
		opts["num_predict"] = c.cfg.Generation.NumPredict
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

func (c *ollamaClient) Generate(ctx context.Context, prompt, tone string, out chan<- string) error {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	reqBody := generateRequest{
		Model:   c.cfg.Model,
		Prompt:  BuildPrompt(c.cfg.Prompt.Preamble, tone, prompt),
		Stream:  true,
		Options: c.options(),
	}
	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal generate request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/api/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBytes))
	if err != nil {
		return fmt.Errorf("failed to create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call generate api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("generate api returned non-200 status: %s, body: %s", resp.Status, strings.TrimSpace(string(bodyBytes)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk generateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("malformed stream line: %w", err)
		}
		if chunk.Error != "" {
			return fmt.Errorf("generate api error: %s", chunk.Error)
		}
		if chunk.Response != "" {
			select {
			case out <- chunk.Response:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if chunk.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to read from stream: %w", err)
	}
	return ErrIncompleteStream
}
