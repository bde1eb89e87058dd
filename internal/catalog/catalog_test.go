package catalog

import (
	"errors"
	"strings"
	"testing"
)

func TestDefault_HasFourModesInOrder(t *testing.T) {
	c := Default()
	labels := c.Labels()
	want := []string{
		"標準（テキストのみ）",
		"Markdown（表や構造の保持）",
		"翻訳（英語から日本語）",
		"要約",
	}
	if len(labels) != len(want) {
		t.Fatalf("labels = %v", labels)
	}
	for i := range want {
		if labels[i] != want[i] {
			t.Fatalf("labels[%d] = %q, want %q", i, labels[i], want[i])
		}
	}
}

func TestResolve_KnownModes(t *testing.T) {
	c := Default()

	instr, err := c.Resolve("標準（テキストのみ）")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !strings.Contains(instr, "すべてのテキストを正確に抽出") {
		t.Fatalf("plain-text instruction mismatch: %q", instr)
	}

	instr, err = c.Resolve("Markdown（表や構造の保持）")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !strings.Contains(instr, "Markdown形式") {
		t.Fatalf("markdown instruction mismatch: %q", instr)
	}
}

func TestResolve_UnknownModeFailsFast(t *testing.T) {
	c := Default()
	_, err := c.Resolve("nope")
	if err == nil {
		t.Fatalf("expected error for unknown label")
	}
	if !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("error should wrap ErrUnknownMode, got %v", err)
	}
}

func TestExtend_AddsAndRejectsDuplicates(t *testing.T) {
	c := Default()
	if err := c.Extend([]Mode{{Label: "custom", Instruction: "do it"}}); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if instr, err := c.Resolve("custom"); err != nil || instr != "do it" {
		t.Fatalf("custom mode not resolvable: %q, %v", instr, err)
	}
	if err := c.Extend([]Mode{{Label: "要約", Instruction: "x"}}); err == nil {
		t.Fatalf("expected duplicate label error")
	}
	if err := c.Extend([]Mode{{Label: "  ", Instruction: "x"}}); err == nil {
		t.Fatalf("expected empty label error")
	}
}
