package agent

// EventType はストリームイベントの種別を表す。
type EventType string

const (
	EventSessionID EventType = "session_id"
	EventChunk     EventType = "chunk"
	EventSources   EventType = "sources"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

// Source は回答の根拠として提示するコード位置を表す。
type Source struct {
	FilePath   string  `json:"file_path"`
	StartLine  int     `json:"start_line"`
	EndLine    int     `json:"end_line"`
	Snippet    string  `json:"snippet,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Event は問い合わせ処理のストリームイベントを表す。
// 最初に session_id、本文の増分が chunk、根拠が sources、
// 最後に done または error が届く。
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Content   string    `json:"content,omitempty"`
	Sources   []Source  `json:"sources,omitempty"`
	Error     string    `json:"error,omitempty"`
}
