package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/jinford/repochat/internal/core/parser"
)

// Kind はチャンクの種別を表す。
type Kind string

const (
	KindFunction    Kind = "function"
	KindMethod      Kind = "method"
	KindClass       Kind = "class"
	KindModule      Kind = "module"
	KindImportBlock Kind = "import-block"
	KindOther       Kind = "other"
)

// Chunk は埋め込み・検索の最小単位を表す。
// 行番号は1始まりで両端を含み、Content は元ファイルの該当行と一致する。
type Chunk struct {
	ID           string
	CodebaseID   uuid.UUID
	FilePath     string
	Language     parser.Language
	Kind         Kind
	Name         string
	ParentClass  string
	StartLine    int
	EndLine      int
	Content      string
	DocComment   string
	Dependencies []string
	Tokens       int
}

// DeterministicID は同一入力に対して常に同じチャンクIDを返す。
// 再インデックス時に既存チャンクを上書きできるようにするため、
// ID はコードベース・パス・行範囲・種別から決まる。
func DeterministicID(codebaseID uuid.UUID, filePath string, startLine, endLine int, kind Kind) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s:%s:%d:%d:%s", codebaseID, filePath, startLine, endLine, kind))
	return hex.EncodeToString(h[:16])
}
