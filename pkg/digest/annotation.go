package digest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Impact is the impact level a tag contribution carries.
type Impact string

// Impact levels.
const (
	ImpactHigh   Impact = "alto"
	ImpactMedium Impact = "medio"
	ImpactLow    Impact = "bajo"
)

// ParseImpact normalizes a free-form level. ok is false for unknown values.
func ParseImpact(s string) (Impact, bool) {
	switch Impact(strings.ToLower(strings.TrimSpace(s))) {
	case ImpactHigh:
		return ImpactHigh, true
	case ImpactMedium:
		return ImpactMedium, true
	case ImpactLow:
		return ImpactLow, true
	}
	return "", false
}

// Weight orders impacts: alto=3, medio=2, anything else=1.
func (i Impact) Weight() int {
	switch i {
	case ImpactHigh:
		return 3
	case ImpactMedium:
		return 2
	default:
		return 1
	}
}

// Matches "... (Nivel: Alto)" at the end of older explanations.
var levelSuffix = regexp.MustCompile(`(?i)\s*\(\s*nivel\s*:\s*([a-záéíóú]+)\s*\)\s*$`)

// SplitLevelSuffix removes a trailing "(Nivel: X)" from text and returns the
// parsed level, if any.
func SplitLevelSuffix(text string) (string, Impact, bool) {
	m := levelSuffix.FindStringSubmatchIndex(text)
	if m == nil {
		return text, "", false
	}
	level, ok := ParseImpact(text[m[2]:m[3]])
	return strings.TrimSpace(text[:m[0]]), level, ok
}

// TagNote is the normalized per-tag annotation on a document.
type TagNote struct {
	Explanation string
	Impact      Impact // Empty when the stored entry had no structured level
}

// Annotation is a user's annotation entry on a document. Stored entries come
// in three shapes (a list of tag names, a map of tag to explanation string,
// or a map of tag to {explicacion, nivel_impacto}); all decode to Notes.
type Annotation struct {
	Notes  map[string]TagNote
	Legacy bool // Decoded from the list-of-names shape
}

// Has reports whether tag is present in the annotation.
func (a Annotation) Has(tag string) bool {
	_, ok := a.Notes[tag]
	return ok
}

type currentNote struct {
	Explanation string `json:"explicacion"`
	Impact      string `json:"nivel_impacto,omitempty"`
}

// UnmarshalJSON decodes any of the stored annotation shapes.
func (a *Annotation) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	a.Notes = make(map[string]TagNote)
	a.Legacy = false

	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	switch data[0] {
	case '[':
		var names []string
		if err := json.Unmarshal(data, &names); err != nil {
			return fmt.Errorf("decode legacy annotation: %w", err)
		}
		a.Legacy = true
		for _, name := range names {
			a.Notes[name] = TagNote{}
		}
		return nil
	case '{':
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("decode annotation: %w", err)
		}
		for name, value := range raw {
			note, err := decodeNote(value)
			if err != nil {
				return fmt.Errorf("decode annotation tag %q: %w", name, err)
			}
			a.Notes[name] = note
		}
		return nil
	default:
		return fmt.Errorf("unsupported annotation shape: %.20s", data)
	}
}

func decodeNote(value json.RawMessage) (TagNote, error) {
	value = bytes.TrimSpace(value)
	if len(value) == 0 || bytes.Equal(value, []byte("null")) {
		return TagNote{}, nil
	}
	if value[0] == '"' {
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return TagNote{}, err
		}
		return TagNote{Explanation: s}, nil
	}
	var n struct {
		Explanation string          `json:"explicacion"`
		Impact      json.RawMessage `json:"nivel_impacto"`
	}
	if err := json.Unmarshal(value, &n); err != nil {
		return TagNote{}, err
	}
	note := TagNote{Explanation: n.Explanation}
	// A level that is not a string counts as absent.
	var level string
	if json.Unmarshal(n.Impact, &level) == nil {
		if impact, ok := ParseImpact(level); ok {
			note.Impact = impact
		}
	}
	return note, nil
}

// MarshalJSON writes the current keyed shape, or the list shape for legacy entries.
func (a Annotation) MarshalJSON() ([]byte, error) {
	if a.Legacy {
		names := make([]string, 0, len(a.Notes))
		for name := range a.Notes {
			names = append(names, name)
		}
		return json.Marshal(names)
	}
	out := make(map[string]currentNote, len(a.Notes))
	for name, note := range a.Notes {
		out[name] = currentNote{Explanation: note.Explanation, Impact: string(note.Impact)}
	}
	return json.Marshal(out)
}
