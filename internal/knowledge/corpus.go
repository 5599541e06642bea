package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"
)

// Document is one entry in the knowledge corpus.
type Document struct {
	ID    string   `json:"id"`
	Title string   `json:"title,omitempty"`
	Text  string   `json:"text"`
	Lang  string   `json:"lang,omitempty"`
	Tags  []string `json:"tags,omitempty"`
}

// Passage renders the document the way it is handed to the model.
func (d Document) Passage() string {
	if d.Title == "" {
		return d.Text
	}
	return d.Title + ": " + d.Text
}

type Hit struct {
	Doc   Document
	Score int
}

// Corpus is an in-memory keyword index. It is read-only after construction
// and safe for concurrent searches.
type Corpus struct {
	docs  []Document
	terms []map[string]int
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "you": {}, "your": {}, "what": {}, "with": {},
	"can": {}, "how": {}, "does": {}, "this": {}, "that": {}, "have": {}, "from": {}, "when": {},
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

func NewCorpus(docs []Document) *Corpus {
	c := &Corpus{docs: docs, terms: make([]map[string]int, len(docs))}
	for i, d := range docs {
		m := make(map[string]int)
		for _, t := range tokenize(d.Text) {
			m[t] = 1
		}
		for _, t := range tokenize(d.Title + " " + strings.Join(d.Tags, " ")) {
			m[t] = 2
		}
		c.terms[i] = m
	}
	return c
}

// LoadCorpus reads a JSON array of documents.
func LoadCorpus(path string) (*Corpus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var docs []Document
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("parse corpus %s: %w", path, err)
	}
	return NewCorpus(docs), nil
}

func (c *Corpus) Len() int { return len(c.docs) }

// Search returns up to k documents ranked by keyword overlap with query.
// A non-empty lang restricts results to documents in that language or with
// no language set.
func (c *Corpus) Search(query string, k int, lang string) []Hit {
	if k <= 0 {
		k = 3
	}
	q := tokenize(query)
	if len(q) == 0 {
		return nil
	}
	var hits []Hit
	for i, d := range c.docs {
		if lang != "" && d.Lang != "" && !strings.EqualFold(lang, d.Lang) {
			continue
		}
		score := 0
		for _, t := range q {
			score += c.terms[i][t]
		}
		if score > 0 {
			hits = append(hits, Hit{Doc: d, Score: score})
		}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
