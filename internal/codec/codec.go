// Package codec encodes and decodes atom records, and renders them as Markdown
// documents with YAML frontmatter for export.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/starford/ansuz/internal/models"
)

// Format is an on-disk record encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// Ext returns the file extension (with dot) for f.
func (f Format) Ext() string {
	return "." + string(f)
}

// Formats lists supported formats, preferred first.
func Formats() []Format {
	return []Format{FormatYAML, FormatJSON}
}

var errMissingID = errors.New("record has no id")

// Encode serializes a record.
func Encode(f Format, a *models.Atom) ([]byte, error) {
	switch f {
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(a); err != nil {
			return nil, fmt.Errorf("codec: encode yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("codec: encode yaml: %w", err)
		}
		return buf.Bytes(), nil
	case FormatJSON:
		data, err := json.MarshalIndent(a, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("codec: encode json: %w", err)
		}
		return append(data, '\n'), nil
	default:
		return nil, fmt.Errorf("codec: unknown format %q", f)
	}
}

// Decode parses a record. Content that parses but carries no id, or that
// fails model validation, is rejected.
func Decode(f Format, data []byte) (*models.Atom, error) {
	var a models.Atom
	switch f {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("codec: decode yaml: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("codec: decode json: %w", err)
		}
	default:
		return nil, fmt.Errorf("codec: unknown format %q", f)
	}
	if strings.TrimSpace(a.ID) == "" {
		return nil, fmt.Errorf("codec: decode %s: %w", f, errMissingID)
	}
	a.Normalize()
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("codec: decode %s: invalid record %s: %w", f, a.ID, err)
	}
	return &a, nil
}

// frontmatter is the subset of an atom rendered above the Markdown body.
type frontmatter struct {
	ID           string   `yaml:"id"`
	Title        string   `yaml:"title"`
	Type         string   `yaml:"type"`
	Status       string   `yaml:"status"`
	Confidence   string   `yaml:"confidence"`
	Language     string   `yaml:"language,omitempty"`
	Tags         []string `yaml:"tags,omitempty"`
	Created      string   `yaml:"created"`
	Updated      string   `yaml:"updated"`
	Supersedes   []string `yaml:"supersedes,omitempty"`
	SupersededBy string   `yaml:"superseded_by,omitempty"`
}

// EncodeMarkdown renders a as a Markdown note: YAML frontmatter between ---
// fences, an H1 title, the summary, then details, pitfalls, sources and links.
func EncodeMarkdown(a *models.Atom) ([]byte, error) {
	fm, err := yaml.Marshal(frontmatter{
		ID:           a.ID,
		Title:        a.Title,
		Type:         string(a.Type),
		Status:       string(a.Status),
		Confidence:   string(a.Confidence),
		Language:     a.Language,
		Tags:         a.Tags,
		Created:      a.CreatedAt,
		Updated:      a.UpdatedAt,
		Supersedes:   a.Supersedes,
		SupersededBy: a.SupersededBy,
	})
	if err != nil {
		return nil, fmt.Errorf("codec: encode frontmatter: %w", err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(fm)
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, "# %s\n\n", a.Title)
	if s := strings.TrimSpace(a.Content.Summary); s != "" {
		b.WriteString(s)
		b.WriteString("\n")
	}
	if d := strings.TrimSpace(a.Content.Details); d != "" {
		b.WriteString("\n## Details\n\n")
		b.WriteString(d)
		b.WriteString("\n")
	}
	if len(a.Content.Pitfalls) > 0 {
		b.WriteString("\n## Pitfalls\n\n")
		for _, p := range a.Content.Pitfalls {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}
	if len(a.Sources) > 0 {
		b.WriteString("\n## Sources\n\n")
		for _, s := range a.Sources {
			fmt.Fprintf(&b, "- %s: %s\n", s.Kind, s.Ref)
		}
	}
	if len(a.Links) > 0 {
		b.WriteString("\n## Links\n\n")
		for _, l := range a.Links {
			// [[id]] keeps links navigable in Markdown vaults.
			fmt.Fprintf(&b, "- %s [[%s]]\n", l.Rel, l.ID)
		}
	}
	return []byte(b.String()), nil
}
