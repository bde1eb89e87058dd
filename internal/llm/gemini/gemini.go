package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/yomitori/yomitori/internal/common"
	"github.com/yomitori/yomitori/internal/config"
	"github.com/yomitori/yomitori/internal/llm"
	"github.com/yomitori/yomitori/internal/secrets"
)

var _ llm.Client = (*Client)(nil)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	headerAPIKey      = "x-goog-api-key" // #nosec G101 - header name constant, not a credential
	headerContentType = "Content-Type"

	methodGenerateContent = "generateContent"
	modelNamePrefix       = "models/"

	defaultTimeout    = 60 * time.Second
	listPageSize      = 200
	errorSnippetLimit = 400
)

// Preference order for multimodal extraction; the first available wins.
var defaultPreferredModels = []string{
	"gemini-1.5-flash",
	"gemini-1.5-flash-latest",
	"gemini-1.5-pro",
	"gemini-1.5-pro-latest",
	"gemini-pro-vision",
}

// Substrings suggesting vision capability, used when none of the preferred
// identifiers is available. Best effort: the backend does not expose precise
// capability metadata for this.
var capabilityMarkers = []string{"vision", "1.5"}

// Client implements llm.Client against the Gemini generative language REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	chain      []secrets.Provider
	preferred  []string
	log        *slog.Logger

	mu    sync.Mutex
	model string // cached after the first successful discovery
}

// New creates a Gemini extraction client. The credential is resolved lazily
// through chain on each call so operators can fix configuration without a
// restart.
func New(cfg config.GeminiSettings, chain []secrets.Provider, timeout time.Duration, logger *slog.Logger) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	preferred := cfg.PreferredModels
	if len(preferred) == 0 {
		preferred = defaultPreferredModels
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    base,
		chain:      chain,
		preferred:  preferred,
		log:        logger,
	}
}

// Extract submits the instruction and the normalized JPEG as one multimodal
// generateContent request and returns the full response text.
func (c *Client) Extract(ctx context.Context, instruction string, imageJPEG []byte) (string, error) {
	key, ok := secrets.Resolve(c.chain...)
	if !ok {
		return "", llm.NewError(llm.KindMissingCredential,
			secrets.GeminiAPIKeyName+" is not configured: set the environment variable or add it to the secrets file")
	}

	model, err := c.selectModel(ctx, key)
	if err != nil {
		return "", err
	}

	return c.generate(ctx, key, model, instruction, imageJPEG)
}

func (c *Client) selectModel(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.model != "" {
		return c.model, nil
	}

	available, err := c.listModels(ctx, key)
	if err != nil {
		return "", classify("list models", err)
	}
	model, ok := SelectModel(available, c.preferred, capabilityMarkers)
	if !ok {
		return "", llm.NewError(llm.KindNoCapableModel,
			"the backend reported no usable model; check the API key permissions")
	}

	c.model = model
	if c.log != nil {
		c.log.Info("extraction model selected", "model", model)
	}
	return model, nil
}

// SelectModel picks the extraction model: the first preference-list hit, then
// any available identifier carrying a capability marker, then the first
// listed model of any kind.
func SelectModel(available, preferred, markers []string) (string, bool) {
	set := make(map[string]struct{}, len(available))
	for _, a := range available {
		set[a] = struct{}{}
	}
	for _, p := range preferred {
		if _, ok := set[p]; ok {
			return p, true
		}
	}
	for _, a := range available {
		for _, m := range markers {
			if strings.Contains(a, m) {
				return a, true
			}
		}
	}
	if len(available) > 0 {
		return available[0], true
	}
	return "", false
}

// listModels returns the identifiers of all models supporting generateContent,
// with the "models/" name prefix stripped.
func (c *Client) listModels(ctx context.Context, key string) ([]string, error) {
	var available []string
	pageToken := ""
	for {
		q := url.Values{}
		q.Set("pageSize", fmt.Sprintf("%d", listPageSize))
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models?"+q.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("new request: %w", err)
		}
		req.Header.Set(headerAPIKey, key)

		body, err := c.do(req)
		if err != nil {
			return nil, err
		}

		var page listModelsResponse
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("parse model list: %w", err)
		}
		for _, m := range page.Models {
			if !supportsGenerate(m.SupportedGenerationMethods) {
				continue
			}
			available = append(available, strings.TrimPrefix(m.Name, modelNamePrefix))
		}
		if page.NextPageToken == "" {
			return available, nil
		}
		pageToken = page.NextPageToken
	}
}

func (c *Client) generate(ctx context.Context, key, model, instruction string, imageJPEG []byte) (string, error) {
	reqBody := generateContentRequest{
		Contents: []content{{
			Parts: []part{
				{Text: instruction},
				{InlineData: &inlineData{
					MimeType: common.ContentTypeJPEG,
					Data:     base64.StdEncoding.EncodeToString(imageJPEG),
				}},
			},
		}},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", classify("marshal request", err)
	}

	endpoint := fmt.Sprintf("%s/%s%s:%s", c.baseURL, modelNamePrefix, model, methodGenerateContent)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", classify("new request", err)
	}
	req.Header.Set(headerContentType, common.ContentTypeJSON)
	req.Header.Set(headerAPIKey, key)

	body, err := c.do(req)
	if err != nil {
		return "", classify("generate content", err)
	}

	var resp generateContentResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", classify("parse response", err)
	}
	text := resp.text()
	if text == "" {
		return "", llm.NewError(llm.KindExtractionFailed, "backend returned an empty response")
	}
	return text, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, req.Context().Err()
		}
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("backend status %d: %s", resp.StatusCode, truncate(string(body), errorSnippetLimit))
	}
	return body, nil
}

// classify converts transport failures into the extraction error taxonomy.
func classify(op string, err error) error {
	var le *llm.Error
	if errors.As(err, &le) {
		return le
	}
	if isTimeout(err) {
		return llm.NewError(llm.KindTimeout, fmt.Sprintf("%s timed out", op))
	}
	return llm.NewError(llm.KindExtractionFailed, fmt.Sprintf("%s: %v", op, err))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue) && ue.Timeout()
}

func supportsGenerate(methods []string) bool {
	for _, m := range methods {
		if m == methodGenerateContent {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Gemini REST request/response types

type generateContentRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generateContentResponse struct {
	Candidates []candidate `json:"candidates"`
}

type candidate struct {
	Content responseContent `json:"content"`
}

type responseContent struct {
	Parts []responsePart `json:"parts"`
}

type responsePart struct {
	Text string `json:"text"`
}

func (r *generateContentResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

type listModelsResponse struct {
	Models        []listedModel `json:"models"`
	NextPageToken string        `json:"nextPageToken"`
}

type listedModel struct {
	Name                       string   `json:"name"`
	SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
}
