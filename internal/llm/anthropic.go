package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
	"go.uber.org/zap"
)

type AnthropicConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	MaxRetries  int
	Timeout     time.Duration
	HTTPClient  *http.Client
}

type AnthropicClient struct {
	msgs   *anthropicsdk.MessageService
	cfg    AnthropicConfig
	logger *zap.Logger
}

func NewAnthropicClient(cfg AnthropicConfig, logger *zap.Logger) *AnthropicClient {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	client := anthropicsdk.NewClient(opts...)
	return &AnthropicClient{
		msgs:   &client.Messages,
		cfg:    cfg,
		logger: logger.Named("anthropic"),
	}
}

func (c *AnthropicClient) buildParams(req Request) anthropicsdk.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.cfg.Temperature
	}

	params := anthropicsdk.MessageNewParams{
		Model:       anthropicsdk.Model(c.cfg.Model),
		MaxTokens:   int64(maxTokens),
		Messages:    convertAnthropicMessages(req.Messages),
		Temperature: param.NewOpt(temperature),
	}
	if req.System != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: req.System}}
	}
	return params
}

// convertAnthropicMessages merges consecutive turns of the same role and
// makes sure the conversation opens with a user turn
func convertAnthropicMessages(msgs []Message) []anthropicsdk.MessageParam {
	out := make([]anthropicsdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		role := anthropicsdk.MessageParamRoleUser
		if m.Role == RoleAssistant {
			role = anthropicsdk.MessageParamRoleAssistant
		}
		if len(out) == 0 && role == anthropicsdk.MessageParamRoleAssistant {
			out = append(out, anthropicsdk.MessageParam{
				Role:    anthropicsdk.MessageParamRoleUser,
				Content: []anthropicsdk.ContentBlockParamUnion{anthropicsdk.NewTextBlock(".")},
			})
		}

		blocks := make([]anthropicsdk.ContentBlockParamUnion, 0, len(m.Images)+1)
		for _, img := range m.Images {
			blocks = append(blocks, anthropicsdk.NewImageBlockBase64(img.MIMEType, base64.StdEncoding.EncodeToString(img.Data)))
		}
		text := m.Content
		if strings.TrimSpace(text) == "" {
			text = "."
		}
		blocks = append(blocks, anthropicsdk.NewTextBlock(text))

		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, anthropicsdk.MessageParam{Role: role, Content: blocks})
	}
	return out
}

func (c *AnthropicClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.Timeout)
}

func (c *AnthropicClient) Complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	resp, err := c.msgs.New(ctx, c.buildParams(req))
	if err != nil {
		return "", fmt.Errorf("error creating message: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		b.WriteString(block.Text)
	}
	answer := strings.TrimSpace(b.String())
	if answer == "" {
		return "", ErrEmptyResponse
	}
	c.logger.Debug("Message finished",
		zap.String("model", c.cfg.Model),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("chars", len(answer)))
	return answer, nil
}

func (c *AnthropicClient) Stream(ctx context.Context, req Request, onDelta func(string)) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	stream := c.msgs.NewStreaming(ctx, c.buildParams(req))
	defer stream.Close()

	var b strings.Builder
	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropicsdk.ContentBlockDeltaEvent:
			if text := ev.Delta.AsTextDelta().Text; text != "" {
				b.WriteString(text)
				if onDelta != nil {
					onDelta(text)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return b.String(), fmt.Errorf("error reading message stream: %w", err)
	}

	if strings.TrimSpace(b.String()) == "" {
		return "", ErrEmptyResponse
	}
	return b.String(), nil
}
