package openai

import (
	"context"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/jinford/repochat/internal/core/llm"
)

const (
	// DefaultModel はデフォルトで使用するOpenAIモデル
	DefaultModel = "gpt-4o-mini"

	// DefaultTimeout はストリーム全体のデフォルトタイムアウト
	DefaultTimeout = 5 * time.Minute
)

// Client は OpenAI API を使用した回答生成クライアント実装
type Client struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

// ClientOption は Client のオプション設定
type ClientOption func(*Client)

// WithModel はモデル名を上書きする
func WithModel(model string) ClientOption {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithTimeout はストリーム全体のタイムアウトを設定する
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// NewClient は新しい Client を作成する
func NewClient(apiKey string, opts ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	c := &Client{
		client:  openai.NewClient(option.WithAPIKey(apiKey)),
		model:   DefaultModel,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ModelName はモデル名を返す
func (c *Client) ModelName() string {
	return c.model
}

// Stream は応答をトークン単位のストリームとして返す。
// チャネルは応答完了またはエラーで閉じられ、エラーは最後の要素の
// Err フィールドに入る。
func (c *Client) Stream(ctx context.Context, req llm.Request) (<-chan llm.Delta, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: buildMessages(req),
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	streamCtx, cancel := context.WithTimeout(ctx, c.timeout)
	stream := c.client.Chat.Completions.NewStreaming(streamCtx, params)

	deltas := make(chan llm.Delta, 1)
	go func() {
		defer close(deltas)
		defer cancel()
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			content := chunk.Choices[0].Delta.Content
			if content == "" {
				continue
			}
			select {
			case deltas <- llm.Delta{Content: content}:
			case <-streamCtx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			select {
			case deltas <- llm.Delta{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return deltas, nil
}

var _ llm.Client = (*Client)(nil)

func buildMessages(req llm.Request) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, turn := range req.History {
		switch turn.Role {
		case llm.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(turn.Content))
		default:
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}
	messages = append(messages, openai.UserMessage(req.Prompt))
	return messages
}
