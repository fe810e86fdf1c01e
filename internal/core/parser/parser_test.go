package parser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func regionByName(t *testing.T, regions []Region, kind RegionKind, name string) Region {
	t.Helper()
	for _, r := range regions {
		if r.Kind == kind && r.Name == name {
			return r
		}
	}
	t.Fatalf("region not found: kind=%s name=%s", kind, name)
	return Region{}
}

func TestParser_Parse_Go(t *testing.T) {
	src := `package calc

import "fmt"

// Add は2値の和を返す。
func Add(a, b int) int {
	return a + b
}

type Counter struct {
	n int
}

func (c *Counter) Incr() {
	c.n++
	fmt.Println(c.n)
}
`
	p := New()
	result, err := p.Parse(context.Background(), LangGo, "calc.go", []byte(src))
	require.NoError(t, err)
	assert.Zero(t, result.SyntaxErrors)
	assert.Contains(t, result.Imports, "fmt")

	add := regionByName(t, result.Regions, KindFunction, "Add")
	assert.Equal(t, 6, add.StartLine)
	assert.Equal(t, 8, add.EndLine)
	assert.Contains(t, add.DocComment, "2値の和")

	counter := regionByName(t, result.Regions, KindClass, "Counter")
	assert.Equal(t, 10, counter.StartLine)

	incr := regionByName(t, result.Regions, KindMethod, "Incr")
	assert.Equal(t, "Counter", incr.ParentClass)
}

func TestParser_Parse_Python(t *testing.T) {
	src := `import os
from typing import List

class Greeter:
    """挨拶を生成するクラス。"""

    def greet(self, name: str) -> str:
        """名前付きの挨拶を返す。"""
        return f"hello {name}"

def top_level(items: List[str]) -> int:
    return len(items)
`
	p := New()
	result, err := p.Parse(context.Background(), LangPython, "greeter.py", []byte(src))
	require.NoError(t, err)
	assert.Contains(t, result.Imports, "os")
	assert.Contains(t, result.Imports, "typing")

	greeter := regionByName(t, result.Regions, KindClass, "Greeter")
	assert.Contains(t, greeter.DocComment, "挨拶を生成")

	greet := regionByName(t, result.Regions, KindMethod, "greet")
	assert.Equal(t, "Greeter", greet.ParentClass)
	assert.Contains(t, greet.DocComment, "名前付きの挨拶")

	top := regionByName(t, result.Regions, KindFunction, "top_level")
	assert.Empty(t, top.ParentClass)
}

func TestParser_Parse_TypeScript(t *testing.T) {
	src := `import { readFile } from "fs";

export interface Store {
  get(key: string): string;
}

export class MemoryStore {
  private data = new Map<string, string>();

  get(key: string): string {
    return this.data.get(key) ?? "";
  }
}

export function makeStore(): MemoryStore {
  return new MemoryStore();
}
`
	p := New()
	result, err := p.Parse(context.Background(), LangTypeScript, "store.ts", []byte(src))
	require.NoError(t, err)
	assert.Contains(t, result.Imports, "fs")

	regionByName(t, result.Regions, KindClass, "Store")
	regionByName(t, result.Regions, KindClass, "MemoryStore")
	get := regionByName(t, result.Regions, KindMethod, "get")
	assert.NotEmpty(t, get.ParentClass)
	regionByName(t, result.Regions, KindFunction, "makeStore")
}

func TestParser_Parse_SyntaxErrorTolerance(t *testing.T) {
	src := `package broken

func ok() int {
	return 1
}

func broken( {
`
	p := New()
	result, err := p.Parse(context.Background(), LangGo, "broken.go", []byte(src))
	require.NoError(t, err)
	assert.Positive(t, result.SyntaxErrors)

	// 壊れていない関数は抽出できる
	regionByName(t, result.Regions, KindFunction, "ok")
}

func TestParser_Parse_UnsupportedLanguage(t *testing.T) {
	p := New()
	_, err := p.Parse(context.Background(), Language("cobol"), "x.cbl", []byte("IDENTIFICATION DIVISION."))
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
}

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		path string
		want Language
		ok   bool
	}{
		{"main.go", LangGo, true},
		{"app/models.py", LangPython, true},
		{"src/index.tsx", LangTypeScript, true},
		{"lib/util.cjs", LangJavaScript, true},
		{"Main.java", LangJava, true},
		{"src/lib.rs", LangRust, true},
		{"core.c", LangC, true},
		{"engine.cpp", LangCPP, true},
		{"README.md", "", false},
		{"photo.png", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := DetectLanguage(tt.path, nil, nil)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestDetectLanguage_Override(t *testing.T) {
	got, ok := DetectLanguage("script.inc", nil, map[string]Language{".inc": LangPython})
	require.True(t, ok)
	assert.Equal(t, LangPython, got)
}
