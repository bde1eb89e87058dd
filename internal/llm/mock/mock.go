package mock

import (
	"context"
	"fmt"
	"time"

	"github.com/yomitori/yomitori/internal/config"
	"github.com/yomitori/yomitori/internal/llm"
)

var _ llm.Client = (*Client)(nil)

// Client is a fake extraction client for tests and local development.
type Client struct {
	delay  time.Duration
	prefix string
}

// New creates a mock client from config.
func New(cfg config.MockSettings) *Client {
	return &Client{delay: cfg.Delay, prefix: cfg.Prefix}
}

// Extract waits for the configured delay and returns a canned response that
// echoes the instruction and the image size.
func (c *Client) Extract(ctx context.Context, instruction string, imageJPEG []byte) (string, error) {
	if c.delay > 0 {
		timer := time.NewTimer(c.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s: %q over %d image bytes", c.prefix, instruction, len(imageJPEG)), nil
}
