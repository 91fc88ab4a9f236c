package ingestion

import (
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

// Metadata holds what can be inferred from a source's location. Explicit
// CLI flags take precedence over inferred values; this is the best-effort
// fallback when the user doesn't specify them.
type Metadata struct {
	// Name is the display name: the file name, or the last URL segment.
	Name string
	// DocumentID is a stable slug derived from Name.
	DocumentID string
	// DocType classifies the format (pdf, markdown, text, html, csv, json).
	DocType string
	// Tags are compliance frameworks and evidence kinds named in the path.
	Tags []string
}

// extDocTypes maps file extensions to DocType values.
var extDocTypes = map[string]string{
	".pdf":  "pdf",
	".md":   "markdown",
	".txt":  "text",
	".log":  "text",
	".html": "html",
	".htm":  "html",
	".csv":  "csv",
	".json": "json",
	".yaml": "yaml",
	".yml":  "yaml",
}

// tagAliases maps words found in a source path to canonical tags.
var tagAliases = map[string]string{
	"soc2":       "soc2",
	"soc":        "soc2",
	"iso27001":   "iso27001",
	"iso":        "iso27001",
	"pci":        "pci-dss",
	"pcidss":     "pci-dss",
	"hipaa":      "hipaa",
	"gdpr":       "gdpr",
	"nist":       "nist",
	"fedramp":    "fedramp",
	"policy":     "policy",
	"policies":   "policy",
	"procedure":  "procedure",
	"procedures": "procedure",
	"pentest":    "pentest",
	"audit":      "audit",
	"access":     "access-control",
	"backup":     "backup",
	"backups":    "backup",
	"incident":   "incident-response",
	"vendor":     "vendor-management",
	"training":   "training",
	"screenshot": "screenshot",
}

var (
	wordSplit   = regexp.MustCompile(`[^a-z0-9]+`)
	slugInvalid = regexp.MustCompile(`[^a-z0-9._-]+`)
)

// InferMetadata inspects a file path or URL and returns best-effort
// metadata. Unknown extensions are classified as "text".
//
// Examples:
//
//	evidence/soc2/Access Review Q3.pdf        → access-review-q3.pdf, pdf, [soc2 access-control]
//	https://wiki.example.com/policies/backup  → backup, text, [policy backup]
func InferMetadata(source string) Metadata {
	m := Metadata{DocType: "text"}

	p := source
	if u, err := url.Parse(source); err == nil && u.Scheme != "" && u.Host != "" {
		p = u.Path
	} else {
		p = filepath.ToSlash(p)
	}
	segments := trimSegments(p)

	if len(segments) > 0 {
		m.Name = segments[len(segments)-1]
	}
	if m.Name == "" || m.Name == "-" {
		m.Name = "stdin"
	}
	if dt, ok := extDocTypes[strings.ToLower(path.Ext(m.Name))]; ok {
		m.DocType = dt
	}
	m.DocumentID = Slug(m.Name)

	seen := make(map[string]bool)
	for _, seg := range segments {
		for _, w := range wordSplit.Split(strings.ToLower(seg), -1) {
			if tag, ok := tagAliases[w]; ok && !seen[tag] {
				seen[tag] = true
				m.Tags = append(m.Tags, tag)
			}
		}
	}
	return m
}

// Slug lower-cases s and replaces runs of characters outside [a-z0-9._-]
// with a single hyphen.
func Slug(s string) string {
	s = slugInvalid.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "-")
	return strings.Trim(s, "-")
}

// trimSegments splits a path into non-empty segments.
func trimSegments(p string) []string {
	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" && part != "." {
			out = append(out, part)
		}
	}
	return out
}

// mergeTags returns explicit followed by the inferred tags not already
// present, without duplicates.
func mergeTags(explicit, inferred []string) []string {
	out := make([]string, 0, len(explicit)+len(inferred))
	for _, t := range slices.Concat(explicit, inferred) {
		t = strings.TrimSpace(t)
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}
