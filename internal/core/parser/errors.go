package parser

import "errors"

// ErrUnsupportedLanguage は対応外の言語を解析しようとした場合に返る。
var ErrUnsupportedLanguage = errors.New("unsupported language")
