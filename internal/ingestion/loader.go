// Package ingestion loads raw evidence text from local files, URLs and
// PDFs, and infers a display name, document ID and tags from where it came
// from. The loaded text is handed to the retrieval coordinator for
// chunking and indexing; this package never touches the index.
package ingestion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/54b3r/evidex-go/internal/logging"
	"github.com/54b3r/evidex-go/internal/rag"
)

// PageBreak separates PDF pages in loaded text. The chunker assigns page
// numbers by counting it.
const PageBreak = "\f"

// Defaults used when a Config field is zero.
const (
	DefaultHTTPTimeout = 30 * time.Second
	DefaultMaxBytes    = 50 << 20
	DefaultUserAgent   = "evidex/1.0 (evidence ingestion)"
)

// ErrUnsupported is returned for content that is neither text nor PDF.
var ErrUnsupported = errors.New("ingestion: unsupported content")

// Config holds the settings for a Loader.
type Config struct {
	// HTTPTimeout bounds each URL fetch.
	HTTPTimeout time.Duration
	// MaxBytes rejects sources larger than this.
	MaxBytes int64
	// UserAgent is sent with URL fetches.
	UserAgent string
	// Stdin is read when the source is "-".
	Stdin  io.Reader
	Logger *slog.Logger
}

// Source is loaded evidence, ready to become a rag.Document.
type Source struct {
	Text string
	// Name is the display name inferred from the source.
	Name string
	// URI is the canonical location: a file:// or http(s):// URL.
	URI string
	// Pages is the page count for PDFs, 0 otherwise.
	Pages int
	Meta  Metadata
}

// Document builds the rag.Document for s. An empty documentID is derived
// from the source name. Explicit tags are merged ahead of inferred ones.
func (s *Source) Document(engagementID, documentID string, tags []string) *rag.Document {
	if documentID == "" {
		documentID = s.Meta.DocumentID
	}
	return &rag.Document{
		ID:           documentID,
		EngagementID: engagementID,
		Name:         s.Name,
		SourceURI:    s.URI,
		UploadedAt:   time.Now().UTC(),
		Tags:         mergeTags(tags, s.Meta.Tags),
		Text:         s.Text,
	}
}

// Loader reads evidence from files, URLs and stdin.
type Loader struct {
	httpClient *http.Client
	maxBytes   int64
	userAgent  string
	stdin      io.Reader
	log        *slog.Logger
}

// NewLoader returns a Loader with cfg's settings.
func NewLoader(cfg Config) *Loader {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Stdin == nil {
		cfg.Stdin = os.Stdin
	}
	return &Loader{
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		maxBytes:   cfg.MaxBytes,
		userAgent:  cfg.UserAgent,
		stdin:      cfg.Stdin,
		log:        logging.Component(cfg.Logger, "ingestion"),
	}
}

// Load reads source: an http(s) URL, "-" for stdin, or a file path. PDFs
// are detected by content type, extension or magic bytes and converted to
// text with pages separated by PageBreak.
func (l *Loader) Load(ctx context.Context, source string) (*Source, error) {
	var (
		body        []byte
		contentType string
		uri         string
		err         error
	)
	switch {
	case isURL(source):
		body, contentType, err = l.fetch(ctx, source)
		uri = source
	case source == "-":
		body, err = l.readAll(l.stdin)
		uri = "stdin:"
	default:
		body, err = l.readFile(source)
		if abs, aerr := filepath.Abs(source); aerr == nil {
			uri = (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
		}
	}
	if err != nil {
		return nil, err
	}

	meta := InferMetadata(source)
	src := &Source{Name: meta.Name, URI: uri, Meta: meta}

	if isPDF(source, contentType, body) {
		text, pages, err := extractPDF(body)
		if err != nil {
			return nil, fmt.Errorf("ingestion: %s: %w", source, err)
		}
		src.Text, src.Pages = text, pages
		src.Meta.DocType = "pdf"
	} else {
		if !utf8.Valid(body) {
			return nil, fmt.Errorf("%w: %s is not UTF-8 text or PDF", ErrUnsupported, source)
		}
		src.Text = string(body)
	}

	l.log.InfoContext(ctx, "source loaded",
		slog.String("source", source),
		slog.String("doc_type", src.Meta.DocType),
		slog.Int("bytes", len(body)),
		slog.Int("pages", src.Pages),
	)
	return src, nil
}

// fetch retrieves a URL body and its media type.
func (l *Loader) fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("ingestion: creating request: %w", err)
	}
	req.Header.Set("User-Agent", l.userAgent)
	req.Header.Set("Accept", "application/pdf, text/plain, text/markdown, */*;q=0.5")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("ingestion: fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("ingestion: unexpected status %d for %s", resp.StatusCode, rawURL)
	}
	body, err := l.readAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return body, mediaType, nil
}

func (l *Loader) readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingestion: %w", err)
	}
	defer f.Close()
	return l.readAll(f)
}

// readAll reads r up to the size limit.
func (l *Loader) readAll(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, l.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("ingestion: reading body: %w", err)
	}
	if int64(len(body)) > l.maxBytes {
		return nil, fmt.Errorf("ingestion: source exceeds %d bytes", l.maxBytes)
	}
	return body, nil
}

// extractPDF returns the plain text of every page, pages joined by
// PageBreak. Pages without extractable text contribute an empty page so
// page numbers stay aligned.
func extractPDF(body []byte) (string, int, error) {
	r, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return "", 0, fmt.Errorf("open pdf: %w", err)
	}
	n := r.NumPage()
	fonts := make(map[string]*pdf.Font)
	pages := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		for _, name := range p.Fonts() {
			if _, ok := fonts[name]; !ok {
				f := p.Font(name)
				fonts[name] = &f
			}
		}
		text, err := p.GetPlainText(fonts)
		if err != nil {
			return "", 0, fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, strings.TrimSpace(text))
	}
	return strings.Join(pages, PageBreak), n, nil
}

func isURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func isPDF(source, contentType string, body []byte) bool {
	return contentType == "application/pdf" ||
		strings.EqualFold(filepath.Ext(stripQuery(source)), ".pdf") ||
		bytes.HasPrefix(body, []byte("%PDF-"))
}

func stripQuery(s string) string {
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		return s[:i]
	}
	return s
}
