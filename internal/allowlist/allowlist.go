// Package allowlist loads known modifier templates, either from a trade
// stats document (local file or URL) or from a plain text list.
package allowlist

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rendis/autocraft/internal/expressions"
	"github.com/rendis/autocraft/pkg/schema"
)

// DefaultQuery selects the explicit modifier texts of a trade stats document.
const DefaultQuery = `.result[] | select(.id == "explicit") | .entries[].text`

// DefaultURL is the public trade stats endpoint.
const DefaultURL = "https://www.pathofexile.com/api/trade2/data/stats"

const maxDocumentSize = 32 << 20

// Loader reads modifier templates.
type Loader struct {
	Query  string
	Client *http.Client
	jq     *expressions.GoJQEngine
}

// NewLoader creates a Loader using DefaultQuery and a client with a 10s timeout.
func NewLoader() *Loader {
	return &Loader{
		Query:  DefaultQuery,
		Client: &http.Client{Timeout: 10 * time.Second},
		jq:     expressions.NewGoJQEngine(),
	}
}

// Load reads templates from source, an http(s) URL or a file path. JSON
// documents go through the jq query; anything else is read one template
// per line. Blank lines and "//" comments are skipped ("#" is the numeric
// placeholder, so it cannot start a comment).
func (l *Loader) Load(ctx context.Context, source string) ([]string, error) {
	data, err := l.read(ctx, source)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return l.FromJSON(ctx, trimmed)
	}
	return fromLines(trimmed), nil
}

// FromJSON extracts templates from a decoded trade stats document.
func (l *Loader) FromJSON(ctx context.Context, data []byte) ([]string, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "allow-list document is not valid JSON").WithCause(err)
	}

	query := l.Query
	if query == "" {
		query = DefaultQuery
	}
	results, err := l.jq.Run(ctx, query, doc)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(results))
	seen := make(map[string]struct{}, len(results))
	for _, r := range results {
		s, ok := r.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}

func (l *Loader) read(ctx context.Context, source string) ([]byte, error) {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		data, err := os.ReadFile(source)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "read allow-list %s", source).WithCause(err)
		}
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("allowlist: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "autocraft/1.0")

	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCapability, "fetch allow-list %s", source).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, schema.NewErrorf(schema.ErrCodeCapability, "fetch allow-list %s: HTTP %d", source, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
}

func fromLines(data []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		out = append(out, line)
	}
	return out
}
