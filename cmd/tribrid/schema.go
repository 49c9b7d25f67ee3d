package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/tribridrag/tribrid/pkg/config"
)

// SchemaCmd generates the JSON Schema for the service configuration.
// Output goes to stdout so it can be redirected.
type SchemaCmd struct {
	Compact bool `short:"c" help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run(cli *CLI) error {
	reflector := &jsonschema.Reflector{
		// Unknown keys are config mistakes; reject them.
		AllowAdditionalProperties: false,
		// Inline definitions so form builders need no $ref resolution.
		DoNotReference: true,
	}

	schema := reflector.Reflect(&config.Config{})

	schema.ID = "https://tribrid.dev/schemas/config.json"
	schema.Title = "TriBrid Configuration Schema"
	schema.Description = "Service configuration for the TriBrid retrieval engine"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	schema.Examples = []any{
		map[string]any{
			"server": map[string]any{
				"host": "0.0.0.0",
				"port": 8080,
			},
			"postgres": map[string]any{
				"dsn": "${TRIBRID_PG_DSN}",
			},
			"neo4j": map[string]any{
				"uri":      "bolt://localhost:7687",
				"username": "neo4j",
				"password": "${NEO4J_PASSWORD}",
			},
			"embedding": map[string]any{
				"model":     "text-embedding-3-small",
				"dimension": 1536,
			},
			"providers": map[string]any{
				"openai": map[string]any{
					"model": "gpt-4o-mini",
				},
			},
			"defaults": map[string]any{
				"retrieval": map[string]any{
					"final_k": 10,
				},
				"fusion": map[string]any{
					"method": "rrf",
				},
			},
		},
	}

	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(schema); err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	return nil
}
