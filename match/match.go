// Package match decides which candidate documents match a user's tags.
package match

import (
	"errors"
	"log/slog"
	"strings"

	"boletin-digest/pkg/digest"
)

// Engine matches documents against users' tag definitions.
type Engine struct {
	logger             *slog.Logger
	fallbackCollection string
}

// New creates an engine. fallbackCollection is used for users whose coverage
// lists no collection at all.
func New(fallbackCollection string, logger *slog.Logger) *Engine {
	return &Engine{
		fallbackCollection: fallbackCollection,
		logger:             logger,
	}
}

// Collections returns the collections a user receives documents from.
func (e *Engine) Collections(u *digest.User) []string {
	if names := u.Coverage.Collections(); len(names) > 0 {
		return names
	}
	return []string{e.fallbackCollection}
}

// Match returns the documents that match at least one of the user's tags, in
// candidate order. A user without tags matches nothing.
func (e *Engine) Match(u *digest.User, docs []*digest.Document) ([]digest.Matched, error) {
	if u == nil {
		return nil, errors.New("nil user")
	}
	if u.ID == "" {
		return nil, errors.New("user has no id")
	}
	if len(u.Tags) == 0 {
		e.logger.Debug("User has no tag definitions", "user_id", u.ID)
		return nil, nil
	}

	collections := make(map[string]bool)
	for _, name := range e.Collections(u) {
		collections[name] = true
	}

	// An empty rank list receives nothing.
	ranks := make(map[string]bool, len(u.Ranks))
	for _, r := range u.Ranks {
		ranks[r] = true
	}

	var matched []digest.Matched
	for _, doc := range docs {
		if !collections[doc.Collection] || !ranks[doc.RankOrDefault()] {
			continue
		}
		ann, ok := doc.Annotations[u.ID]
		if !ok {
			continue
		}

		var contributions []digest.TagMatch
		for _, tag := range u.Tags {
			note, ok := ann.Notes[tag.Name]
			if !ok {
				continue
			}
			description, impact := Resolve(note)
			contributions = append(contributions, digest.TagMatch{
				Tag:         tag.Name,
				Description: description,
				Impact:      impact,
			})
		}
		if len(contributions) == 0 {
			continue
		}
		matched = append(matched, digest.Matched{Doc: doc, Matches: contributions})
	}

	e.logger.Debug("User matched",
		"user_id", u.ID,
		"candidates", len(docs),
		"matched", len(matched))

	return matched, nil
}

// Resolve returns a note's description and impact. A trailing "(Nivel: X)"
// is always stripped from the description; the structured level wins over
// the parsed suffix, and bajo applies when neither is valid.
func Resolve(note digest.TagNote) (string, digest.Impact) {
	description, suffixLevel, ok := digest.SplitLevelSuffix(note.Explanation)
	if level, valid := digest.ParseImpact(string(note.Impact)); valid {
		return description, level
	}
	if ok {
		return description, suffixLevel
	}
	return description, digest.ImpactLow
}

// Environment classifies a run: when the recipient set collapses to exactly
// one account equal to testAddress the run is a test run.
func Environment(recipients []string, testAddress string) digest.Environment {
	test := normalizeAddress(testAddress)
	if test == "" {
		return digest.Production
	}

	unique := make(map[string]bool)
	for _, r := range recipients {
		if addr := normalizeAddress(r); addr != "" {
			unique[addr] = true
		}
	}
	if len(unique) == 1 && unique[test] {
		return digest.Test
	}
	return digest.Production
}

func normalizeAddress(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
