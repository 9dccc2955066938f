// Package enrich holds the message-enrichment collaborators: first-URL
// extraction, open-graph link previews, markdown rendering and the
// automated-participant reply. Rendering and reply generation are
// external concerns; they enter the engine through the interfaces here.
package enrich

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"pigeon/internal/models"
)

// Renderer turns raw message text into the stored body.
type Renderer interface {
	Render(text string) string
}

// PlainRenderer stores text as-is; a markdown collaborator can replace it.
type PlainRenderer struct{}

func (PlainRenderer) Render(text string) string { return text }

// Previewer resolves a URL into an open-graph payload.
type Previewer interface {
	Preview(ctx context.Context, url string) (*models.LinkPreview, error)
}

// Responder generates the automated participant's reply to a message.
type Responder interface {
	Reply(ctx context.Context, text string) (string, error)
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"']+`)

// FirstURL returns the first URL in text, or "" if none. Only the first
// URL of a message is previewed.
func FirstURL(text string) string {
	return urlPattern.FindString(text)
}

const (
	fetchTimeout = 5 * time.Second
	maxFetchBody = 512 * 1024
)

// HTTPPreviewer fetches the page and scrapes its og: meta tags.
type HTTPPreviewer struct {
	Client *http.Client
}

func NewHTTPPreviewer() *HTTPPreviewer {
	return &HTTPPreviewer{Client: &http.Client{Timeout: fetchTimeout}}
}

// Attribute order inside a meta tag is not fixed, so tags are found
// first and their property/content attributes extracted separately.
var (
	metaTagPattern   = regexp.MustCompile(`(?is)<meta\s[^>]*>`)
	ogPropPattern    = regexp.MustCompile(`(?i)property\s*=\s*["']og:(title|description|image)["']`)
	ogContentPattern = regexp.MustCompile(`(?i)content\s*=\s*["']([^"']*)["']`)
)

func (p *HTTPPreviewer) Preview(ctx context.Context, url string) (*models.LinkPreview, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html")

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("preview fetch: unexpected status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return nil, fmt.Errorf("preview fetch: not an html page (%s)", ct)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return nil, err
	}

	preview := &models.LinkPreview{URL: url}
	for _, tag := range metaTagPattern.FindAllString(string(body), -1) {
		prop := ogPropPattern.FindStringSubmatch(tag)
		if prop == nil {
			continue
		}
		content := ogContentPattern.FindStringSubmatch(tag)
		if content == nil {
			continue
		}
		switch prop[1] {
		case "title":
			if preview.Title == "" {
				preview.Title = content[1]
			}
		case "description":
			if preview.Description == "" {
				preview.Description = content[1]
			}
		case "image":
			if preview.Image == "" {
				preview.Image = content[1]
			}
		}
	}
	if preview.Title == "" && preview.Description == "" && preview.Image == "" {
		return nil, fmt.Errorf("preview fetch: no open-graph tags at %s", url)
	}
	return preview, nil
}
