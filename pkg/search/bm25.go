package search

import (
	"math"

	"github.com/tribridrag/tribrid/pkg/config"
)

// rescoreBM25 replaces the FTS recall rank with Okapi BM25 computed over
// the candidate set: document frequencies, lengths, and the average
// length all come from the candidates themselves, which keeps the score
// comparable within one request without a corpus-wide statistics table.
// Candidates without content keep their recall score.
func rescoreBM25(matches []ChunkMatch, terms []string, scoring config.ScoringSettings) {
	if len(matches) == 0 || len(terms) == 0 {
		return
	}

	docs := make([]map[string]int, len(matches))
	totalLen, withContent := 0, 0
	for i, m := range matches {
		if m.Content == "" {
			continue
		}
		freq := make(map[string]int)
		for _, tok := range Tokenize(m.Content, scoring.Tokenizer) {
			freq[tok]++
		}
		docs[i] = freq
		withContent++
		for _, n := range freq {
			totalLen += n
		}
	}
	if withContent == 0 || totalLen == 0 {
		return
	}

	n := float64(len(matches))
	avgLen := float64(totalLen) / float64(withContent)

	df := make(map[string]int, len(terms))
	for _, term := range terms {
		for _, freq := range docs {
			if freq[term] > 0 {
				df[term]++
			}
		}
	}

	k1, b := scoring.BM25K1, scoring.BM25B
	for i := range matches {
		freq := docs[i]
		if freq == nil {
			continue
		}
		docLen := 0
		for _, c := range freq {
			docLen += c
		}

		score := 0.0
		for _, term := range terms {
			tf := float64(freq[term])
			if tf == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df[term])+0.5)/(float64(df[term])+0.5))
			norm := tf * (k1 + 1) / (tf + k1*(1-b+b*float64(docLen)/avgLen))
			score += idf * norm
		}
		matches[i].Score = score
		matches[i].setMeta("bm25", true)
	}
}
