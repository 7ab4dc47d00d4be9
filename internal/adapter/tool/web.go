package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"quill/internal/domain"
	"quill/internal/security"
)

const (
	defaultMaxBodySize     = 1 * 1024 * 1024 // 1MB raw body
	defaultMaxContentChars = 8000            // after markup stripping
	truncationMarker       = "\n\n[content truncated]"
	defaultFetchPerMinute  = 10
)

var (
	scriptRe = regexp.MustCompile(`(?is)<script\b.*?</script>`)
	styleRe  = regexp.MustCompile(`(?is)<style\b.*?</style>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	blankRe  = regexp.MustCompile(`\n{3,}`)
	spaceRe  = regexp.MustCompile(`[ \t]+`)
)

// WebFetchTool fetches a URL with SSRF protection and returns the page
// text with markup stripped. Outbound calls are rate limited.
type WebFetchTool struct {
	client          *http.Client
	limiter         *rate.Limiter
	maxBodySize     int64
	maxContentChars int
	logger          *slog.Logger
}

// NewWebFetchTool creates a web fetch tool. perMinute bounds outbound
// requests; 0 uses the default.
func NewWebFetchTool(perMinute int, logger *slog.Logger) *WebFetchTool {
	if perMinute <= 0 {
		perMinute = defaultFetchPerMinute
	}
	return &WebFetchTool{
		client: &http.Client{
			Transport: security.NewSSRFSafeTransport(), // validates IPs at dial time, prevents DNS rebinding
			Timeout:   30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				return security.ValidateURL(req.URL.String())
			},
		},
		limiter:         rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		maxBodySize:     defaultMaxBodySize,
		maxContentChars: defaultMaxContentChars,
		logger:          logger,
	}
}

func (t *WebFetchTool) Name() string        { return "web_fetch" }
func (t *WebFetchTool) Description() string { return "Fetch the text content of a web page" }

func (t *WebFetchTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url": {"type": "string", "description": "The URL to fetch (http or https)"}
			},
			"required": ["url"]
		}`),
	}
}

type webFetchParams struct {
	URL string `json:"url"`
}

func (t *WebFetchTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.web_fetch", t.logger, params,
		func(ctx context.Context, span trace.Span, p webFetchParams) (any, error) {
			// Policy checks run before any network traffic.
			if err := security.ValidateURL(p.URL); err != nil {
				return nil, err
			}
			if !t.limiter.Allow() {
				return ErrResult("web_fetch rate limit reached, try again shortly")
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
			if err != nil {
				return nil, fmt.Errorf("create request: %v", err)
			}

			resp, err := t.client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("http request: %v", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBodySize))
			if err != nil {
				return nil, fmt.Errorf("read body: %v", err)
			}

			text := stripMarkup(string(body))
			if len(text) > t.maxContentChars {
				text = truncateRunes(text, t.maxContentChars) + truncationMarker
			}

			t.logger.Debug("web fetch completed", "url", p.URL, "status", resp.StatusCode, "chars", len(text))
			return TextResult(fmt.Sprintf("HTTP %d\n\n%s", resp.StatusCode, text)), nil
		},
	)
}

// truncateRunes cuts s to at most max bytes without splitting a UTF-8
// sequence: the cut point backs up to the nearest rune start.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// stripMarkup removes script/style blocks, then all remaining tags, and
// collapses the leftover whitespace.
func stripMarkup(s string) string {
	s = scriptRe.ReplaceAllString(s, " ")
	s = styleRe.ReplaceAllString(s, " ")
	s = tagRe.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRe.ReplaceAllString(line, " "))
	}
	s = strings.Join(lines, "\n")
	s = blankRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
