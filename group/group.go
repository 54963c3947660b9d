// Package group arranges matched documents into the tag, collection and rank
// hierarchy rendered in a digest.
package group

import (
	"sort"

	"boletin-digest/pkg/digest"
)

// UnknownPriority is the position given to names absent from a priority list.
// It sorts before every listed name.
const UnknownPriority = -1

// BulletinOrder orders collection groups inside a tag.
var BulletinOrder = NewPriority("BOE", "DOUE", "DOG", "BOA", "BOCM", "BOCYL", "BOJA", "BOPV", "CNMV")

// RankOrder orders rank groups in the no-match view.
var RankOrder = NewPriority(
	"Legislación",
	"Normativa Reglamentaria",
	"Doctrina Administrativa",
	"Comunicados, Guías y Directivas",
	"Decisiones Judiciales",
	"Normativa Europea",
	"Acuerdos Internacionales",
	"Concentración de Empresas",
	"Dictámenes y Opiniones",
	"Subvenciones",
	"Impacto Ambiental",
	digest.DefaultRank,
)

// Priority maps names to their position in a fixed list.
type Priority map[string]int

// NewPriority builds a priority map from names in order.
func NewPriority(names ...string) Priority {
	p := make(Priority, len(names))
	for i, name := range names {
		if _, dup := p[name]; !dup {
			p[name] = i
		}
	}
	return p
}

// Of returns the position of name, or UnknownPriority.
func (p Priority) Of(name string) int {
	if i, ok := p[name]; ok {
		return i
	}
	return UnknownPriority
}

// Entry is a document as it appears under one tag.
type Entry struct {
	Doc         *digest.Document `json:"doc"`
	Description string           `json:"description,omitempty"`
	Impact      digest.Impact    `json:"impact,omitempty"`
}

// RankGroup holds the entries sharing a rank.
type RankGroup struct {
	Name string  `json:"rango"`
	Docs []Entry `json:"docs"`
}

// CollectionGroup holds the rank groups of one source collection.
type CollectionGroup struct {
	Name  string      `json:"collection"`
	Ranks []RankGroup `json:"rangos"`
}

// TagGroup is every matched document for one tag.
type TagGroup struct {
	Tag         string            `json:"tag"`
	Docs        []Entry           `json:"docs"` // Sorted by impact, then collection
	Collections []CollectionGroup `json:"collections"`
}

// Count returns the number of documents in the group.
func (g TagGroup) Count() int {
	return len(g.Docs)
}

// Group explodes matched documents into one entry per matched tag and builds
// the ordered hierarchy. Tag groups are ordered by document count descending;
// ties keep the order in which tags were first seen.
func Group(matched []digest.Matched) []TagGroup {
	var order []string
	byTag := make(map[string][]Entry)
	for _, m := range matched {
		for _, c := range m.Matches {
			if _, ok := byTag[c.Tag]; !ok {
				order = append(order, c.Tag)
			}
			byTag[c.Tag] = append(byTag[c.Tag], Entry{
				Doc:         m.Doc,
				Description: c.Description,
				Impact:      c.Impact,
			})
		}
	}

	groups := make([]TagGroup, 0, len(order))
	for _, tag := range order {
		docs := byTag[tag]
		SortEntries(docs)
		groups = append(groups, TagGroup{
			Tag:         tag,
			Docs:        docs,
			Collections: splitCollections(docs),
		})
	}

	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Count() > groups[j].Count()
	})
	return groups
}

// SortEntries orders entries by impact descending, then collection name.
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		wi, wj := entries[i].Impact.Weight(), entries[j].Impact.Weight()
		if wi != wj {
			return wi > wj
		}
		return entries[i].Doc.Collection < entries[j].Doc.Collection
	})
}

// splitCollections groups sorted entries by collection, then rank. Ranks keep
// the encounter order of the sorted entries.
func splitCollections(docs []Entry) []CollectionGroup {
	var collections []CollectionGroup
	index := make(map[string]int)
	for _, e := range docs {
		i, ok := index[e.Doc.Collection]
		if !ok {
			i = len(collections)
			index[e.Doc.Collection] = i
			collections = append(collections, CollectionGroup{Name: e.Doc.Collection})
		}
		collections[i].Ranks = appendToRank(collections[i].Ranks, e)
	}

	sort.SliceStable(collections, func(i, j int) bool {
		return BulletinOrder.Of(collections[i].Name) < BulletinOrder.Of(collections[j].Name)
	})
	return collections
}

func appendToRank(ranks []RankGroup, e Entry) []RankGroup {
	name := e.Doc.RankOrDefault()
	for i := range ranks {
		if ranks[i].Name == name {
			ranks[i].Docs = append(ranks[i].Docs, e)
			return ranks
		}
	}
	return append(ranks, RankGroup{Name: name, Docs: []Entry{e}})
}

// ByRank groups documents by rank only, ordered by RankOrder. Documents keep
// their input order inside a rank. No documents yields an empty slice.
func ByRank(docs []*digest.Document) []RankGroup {
	ranks := []RankGroup{}
	for _, d := range docs {
		ranks = appendToRank(ranks, Entry{Doc: d})
	}
	sort.SliceStable(ranks, func(i, j int) bool {
		return RankOrder.Of(ranks[i].Name) < RankOrder.Of(ranks[j].Name)
	})
	return ranks
}
