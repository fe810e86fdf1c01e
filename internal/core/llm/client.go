package llm

import "context"

// Role は対話の発話者を表す。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn は対話履歴の1発話を表す。
type Turn struct {
	Role    Role
	Content string
}

// Request は生成要求を表す。
type Request struct {
	System      string
	History     []Turn
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Delta はストリーミング生成の増分を表す。エラーが発生した場合は
// Err を持つ最後の要素が届き、その後チャネルが閉じられる。
type Delta struct {
	Content string
	Err     error
}

// Client はストリーミング生成を行うLLMクライアントを抽象化する。
// 返すチャネルはバッファ1で、消費されなければ生成側が待つ。
// チャネルは生成完了かエラーで必ず閉じられる。
type Client interface {
	Stream(ctx context.Context, req Request) (<-chan Delta, error)
}
