package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownMode is returned when a label is not present in the catalog.
// A closed selection set should make this unreachable, so callers treat it
// as a programming error and fail fast instead of defaulting.
var ErrUnknownMode = errors.New("unknown prompt mode")

// Mode pairs a human-readable label with the literal instruction string sent
// to the extraction service. No templating is applied.
type Mode struct {
	Label       string
	Instruction string
}

// Catalog is a read-only, ordered set of prompt modes.
type Catalog struct {
	modes []Mode
	index map[string]int
}

// Default returns the built-in catalog: plain text extraction, structure
// preserving Markdown, English-to-Japanese translation, and bullet summary.
func Default() *Catalog {
	c := &Catalog{index: make(map[string]int)}
	for _, m := range []Mode{
		{
			Label:       "標準（テキストのみ）",
			Instruction: "この画像に含まれているすべてのテキストを正確に抽出して出力してください。テキスト以外の説明文、マークダウン装飾、挨拶などは一切不要です。",
		},
		{
			Label:       "Markdown（表や構造の保持）",
			Instruction: "この画像に含まれている内容を読み取り、表データや見出し構造があれば可能な限りMarkdown形式（テーブルやヘッダー記法等）を維持して出力してください。",
		},
		{
			Label:       "翻訳（英語から日本語）",
			Instruction: "画像内の英語テキストを読み取り、自然な日本語に翻訳して出力してください。翻訳結果のみを出力し、元の英語や余計な説明は不要です。",
		},
		{
			Label:       "要約",
			Instruction: "画像内に書かれている文章の重要なポイントを抽出し、簡潔に要約して箇条書きで出力してください。",
		},
	} {
		c.index[m.Label] = len(c.modes)
		c.modes = append(c.modes, m)
	}
	return c
}

// Extend appends operator-configured modes. Labels must be unique across the
// whole catalog.
func (c *Catalog) Extend(modes []Mode) error {
	for _, m := range modes {
		label := strings.TrimSpace(m.Label)
		if label == "" {
			return errors.New("prompt mode label must not be empty")
		}
		if _, exists := c.index[label]; exists {
			return fmt.Errorf("prompt mode %q already defined", label)
		}
		c.index[label] = len(c.modes)
		c.modes = append(c.modes, Mode{Label: label, Instruction: m.Instruction})
	}
	return nil
}

// Resolve returns the instruction string for a label.
func (c *Catalog) Resolve(label string) (string, error) {
	i, ok := c.index[label]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, label)
	}
	return c.modes[i].Instruction, nil
}

// Labels returns all labels in catalog order.
func (c *Catalog) Labels() []string {
	out := make([]string, len(c.modes))
	for i, m := range c.modes {
		out[i] = m.Label
	}
	return out
}
