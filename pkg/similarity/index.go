// Package similarity answers approximate lookups over cached prompts.
//
// Each indexed prompt is tokenized and cut into k-token shingles. An inverted
// index from shingle to cache keys generates candidates, so a query only
// scores prompts it shares at least one shingle with. Before shingle scoring
// a prompt-hash family check finds entries cached for the exact same prompt
// under a different context; those are reported with confidence 1.
package similarity

import (
	"crypto/sha256"
	"sort"
	"sync"

	"github.com/pario-ai/llmcache/pkg/keys"
)

const (
	DefaultShingleSize = 3
	DefaultPrefixLen   = 16
)

// Candidate is a similarity hit.
type Candidate struct {
	Key        string
	PromptHash string
	Confidence float64
	SameFamily bool
}

type document struct {
	promptHash string
	shingles   Set
}

// Index is an in-memory shingle index, safe for concurrent use.
type Index struct {
	mu          sync.RWMutex
	shingleSize int
	prefixLen   int
	docs        map[string]*document
	postings    map[string]map[string]struct{} // shingle -> keys
	families    map[string]map[string]struct{} // prompt hash prefix -> keys
}

// New creates an index. Non-positive arguments select the defaults.
func New(shingleSize, prefixLen int) *Index {
	if shingleSize <= 0 {
		shingleSize = DefaultShingleSize
	}
	if prefixLen <= 0 || prefixLen > sha256.Size*2 {
		prefixLen = DefaultPrefixLen
	}
	return &Index{
		shingleSize: shingleSize,
		prefixLen:   prefixLen,
		docs:        make(map[string]*document),
		postings:    make(map[string]map[string]struct{}),
		families:    make(map[string]map[string]struct{}),
	}
}

// Add indexes the normalized prompt of a cache entry, replacing any previous
// document for key.
func (x *Index) Add(key, promptHash, prompt string) {
	shingles := Shingles(Tokenize(prompt), x.shingleSize)

	x.mu.Lock()
	defer x.mu.Unlock()

	x.removeLocked(key)
	x.docs[key] = &document{promptHash: promptHash, shingles: shingles}
	for s := range shingles {
		addPosting(x.postings, s, key)
	}
	if len(promptHash) >= x.prefixLen {
		addPosting(x.families, promptHash[:x.prefixLen], key)
	}
}

// Remove drops key from the index. Unknown keys are ignored.
func (x *Index) Remove(key string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(key)
}

// Len returns the number of indexed documents.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs)
}

// FindSimilar returns every indexed entry whose similarity to prompt is at
// least threshold, best first. It never fails; no match yields an empty slice.
func (x *Index) FindSimilar(prompt string, threshold float64) []Candidate {
	results := []Candidate{}
	k, err := keys.Derive(prompt, nil)
	if err != nil {
		return results
	}
	promptHash := k.PromptHash
	query := Shingles(Tokenize(k.Normalized), x.shingleSize)

	x.mu.RLock()
	defer x.mu.RUnlock()

	seen := make(map[string]bool)

	for key := range x.families[promptHash[:x.prefixLen]] {
		doc := x.docs[key]
		if doc == nil || doc.promptHash != promptHash {
			continue
		}
		seen[key] = true
		results = append(results, Candidate{Key: key, PromptHash: doc.promptHash, Confidence: 1, SameFamily: true})
	}

	for s := range query {
		for key := range x.postings[s] {
			if seen[key] {
				continue
			}
			seen[key] = true
			doc := x.docs[key]
			score := Jaccard(query, doc.shingles)
			if score < threshold {
				continue
			}
			results = append(results, Candidate{Key: key, PromptHash: doc.promptHash, Confidence: score})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Confidence != results[j].Confidence {
			return results[i].Confidence > results[j].Confidence
		}
		return results[i].Key < results[j].Key
	})
	return results
}

func (x *Index) removeLocked(key string) {
	doc, ok := x.docs[key]
	if !ok {
		return
	}
	for s := range doc.shingles {
		removePosting(x.postings, s, key)
	}
	if len(doc.promptHash) >= x.prefixLen {
		removePosting(x.families, doc.promptHash[:x.prefixLen], key)
	}
	delete(x.docs, key)
}

func addPosting(m map[string]map[string]struct{}, term, key string) {
	set, ok := m[term]
	if !ok {
		set = make(map[string]struct{})
		m[term] = set
	}
	set[key] = struct{}{}
}

func removePosting(m map[string]map[string]struct{}, term, key string) {
	set, ok := m[term]
	if !ok {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(m, term)
	}
}
