package postgres

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildRelaxedTSQuery(t *testing.T) {
	tests := []struct {
		name   string
		tokens []string
		want   string
	}{
		{
			name:   "plain tokens",
			tokens: []string{"retry", "handler"},
			want:   "retry | handler",
		},
		{
			name:   "strips tsquery syntax",
			tokens: []string{"http://x", "a&b", "c|d"},
			want:   "httpx | ab | cd",
		},
		{
			name:   "drops empties and duplicates",
			tokens: []string{"auth", "!!", "auth", ""},
			want:   "auth",
		},
		{
			name:   "all empty",
			tokens: []string{"??", "--"},
			want:   "",
		},
		{
			name:   "keeps underscores",
			tokens: []string{"login_controller"},
			want:   "login_controller",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildRelaxedTSQuery(tt.tokens))
		})
	}
}

func TestFilePathPattern(t *testing.T) {
	assert.Equal(t, "%login%controller%", FilePathPattern([]string{"login", "controller"}))
	assert.Equal(t, "%auth%", FilePathPattern([]string{"auth", "??"}))
	assert.Equal(t, "", FilePathPattern(nil))
	assert.Equal(t, "", FilePathPattern([]string{"..", "//"}))
}

func TestSchemaCarriesEmbeddingDimension(t *testing.T) {
	var found bool
	for _, stmt := range schemaStatements(1536) {
		if strings.Contains(stmt, "vector(1536)") {
			found = true
		}
	}
	assert.True(t, found, "chunks DDL must carry the configured dimension")
}
