package search

import (
	"regexp"
	"strings"
)

// stopwords kept short on purpose: the sparse leg feeds Postgres FTS,
// which applies its own dictionary; this set only keeps noise words out
// of the relaxed-OR and graph token sets.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true,
	"at": true, "be": true, "by": true, "code": true, "do": true,
	"does": true, "for": true, "from": true, "how": true, "in": true,
	"is": true, "it": true, "of": true, "on": true, "or": true,
	"the": true, "to": true, "what": true, "where": true, "which": true,
	"why": true, "with": true,
}

var tokenSplit = regexp.MustCompile(`[^a-zA-Z0-9_./-]+`)

// Tokenize splits a query according to the configured pipeline. Modes:
// whitespace keeps case, lowercase folds it, stem additionally strips a
// few common English suffixes. The pipeline must match what the indexer
// used or sparse recall degrades silently.
func Tokenize(query, mode string) []string {
	var out []string
	for _, raw := range tokenSplit.Split(query, -1) {
		tok := strings.Trim(raw, "./-")
		if tok == "" {
			continue
		}
		if mode != "whitespace" {
			tok = strings.ToLower(tok)
		}
		if stopwords[strings.ToLower(tok)] {
			continue
		}
		if mode == "stem" {
			tok = lightStem(tok)
		}
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

// lightStem strips plural/participle suffixes without a dictionary.
// Deliberately conservative: identifiers like "address" must survive.
func lightStem(tok string) string {
	switch {
	case len(tok) > 5 && strings.HasSuffix(tok, "ies"):
		return tok[:len(tok)-3] + "y"
	case len(tok) > 5 && strings.HasSuffix(tok, "ing"):
		return tok[:len(tok)-3]
	case len(tok) > 4 && strings.HasSuffix(tok, "ed"):
		return tok[:len(tok)-2]
	case len(tok) > 3 && strings.HasSuffix(tok, "es"):
		return tok[:len(tok)-2]
	case len(tok) > 3 && strings.HasSuffix(tok, "s") && !strings.HasSuffix(tok, "ss"):
		return tok[:len(tok)-1]
	default:
		return tok
	}
}

// dedupeTokens keeps first occurrence order and caps the result.
func dedupeTokens(tokens []string, max int) []string {
	seen := make(map[string]bool, len(tokens))
	var out []string
	for _, tok := range tokens {
		if seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}

var (
	identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	pathishRe    = regexp.MustCompile(`[A-Za-z0-9_-]+\.[A-Za-z0-9]{1,6}$|/`)
	camelCaseRe  = regexp.MustCompile(`[a-z][A-Z]`)
)

// looksLikeFilename reports whether the query plausibly names a file or
// identifier: a path separator, an extension, snake_case, camelCase, or
// a short run of bare identifiers. Gates the file-path fallback stage.
func looksLikeFilename(query string) bool {
	q := strings.TrimSpace(query)
	if q == "" {
		return false
	}
	if pathishRe.MatchString(q) {
		return true
	}
	fields := strings.Fields(q)
	if len(fields) > 4 {
		return false
	}
	for _, f := range fields {
		if strings.Contains(f, "_") || camelCaseRe.MatchString(f) {
			return true
		}
		if !identifierRe.MatchString(f) {
			return false
		}
	}
	return true
}

// baseName returns the final path element without its extension,
// lowercased, for exact filename-boost comparison.
func baseName(filePath string) string {
	base := filePath
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	return strings.ToLower(base)
}

// pathComponents lowercases every directory and file segment, splitting
// the file segment further on underscores so "login_controller.py"
// exposes both "login" and "controller".
func pathComponents(filePath string) []string {
	var out []string
	for _, seg := range strings.Split(strings.ToLower(filePath), "/") {
		if seg == "" {
			continue
		}
		if i := strings.LastIndexByte(seg, '.'); i > 0 {
			seg = seg[:i]
		}
		out = append(out, seg)
		for _, part := range strings.Split(seg, "_") {
			if part != "" && part != seg {
				out = append(out, part)
			}
		}
	}
	return out
}
