package mock

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/yomitori/yomitori/internal/config"
)

func TestMockLLM_Extract(t *testing.T) {
	cfg := config.MockSettings{
		Delay:  0,
		Prefix: "MockPrefix",
	}
	c := New(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	text, err := c.Extract(ctx, "read the page", []byte("fakeimagedata"))
	if err != nil {
		t.Fatalf("Extract error: %v", err)
	}
	if !strings.Contains(text, "MockPrefix") {
		t.Fatalf("Extract missing prefix, got: %q", text)
	}
	if !strings.Contains(text, "read the page") {
		t.Fatalf("Extract missing instruction echo, got: %q", text)
	}
}

func TestMockLLM_RespectsContextCancel(t *testing.T) {
	cfg := config.MockSettings{
		Delay:  200 * time.Millisecond,
		Prefix: "x",
	}
	c := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	_, err := c.Extract(ctx, "read", []byte("x"))
	if err == nil {
		t.Fatalf("expected context cancellation error")
	}
}
