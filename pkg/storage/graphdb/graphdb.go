// Package graphdb reads the corpus entity/relationship graph from
// Neo4j. Single-database mode: every node carries a corpus_id property
// and every query filters on it. The graph builder owns writes.
package graphdb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/tribridrag/tribrid/pkg/config"
)

var (
	driversMu sync.Mutex
	drivers   = make(map[string]neo4j.DriverWithContext)
)

// acquireDriver returns the shared driver for a URI, creating it on
// first use. One driver per URI for the process lifetime.
func acquireDriver(cfg config.Neo4jConfig) (neo4j.DriverWithContext, error) {
	driversMu.Lock()
	defer driversMu.Unlock()

	if driver, ok := drivers[cfg.URI]; ok {
		return driver, nil
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	drivers[cfg.URI] = driver
	return driver, nil
}

// CloseDrivers closes every shared driver. Called on shutdown; request
// code never closes drivers.
func CloseDrivers(ctx context.Context) {
	driversMu.Lock()
	defer driversMu.Unlock()
	for uri, driver := range drivers {
		_ = driver.Close(ctx)
		delete(drivers, uri)
	}
}

// Store is the read-side graph client used by the graph leg.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
}

func Open(cfg config.Neo4jConfig) (*Store, error) {
	driver, err := acquireDriver(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{driver: driver, database: cfg.Database}, nil
}

// Ping verifies the graph store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

// EntityHit is one entity reached by traversal: the minimum hop count
// over all reaching paths and the best product of per-edge-type weights
// along any of them. Line spans come from properties_json when present.
type EntityHit struct {
	EntityID    string
	Name        string
	EntityType  string
	FilePath    string
	StartLine   int
	EndLine     int
	Hops        int
	PathWeight  float64
	DirectMatch bool
}

// traversalEdges is the typed-edge alternation expanded hops traverse.
const traversalEdges = "CALLS|IMPORTS|INHERITS|CONTAINS|REFERENCES|RELATED_TO"

const maxHopsCeiling = 5

// buildTraversalQuery inlines the bounds-checked hop limit into the
// variable-length pattern. Everything else is parameterized.
func buildTraversalQuery(maxHops int) string {
	if maxHops < 1 {
		maxHops = 1
	}
	if maxHops > maxHopsCeiling {
		maxHops = maxHopsCeiling
	}
	return fmt.Sprintf(`
		MATCH (seed:Entity {corpus_id: $corpus_id})
		WHERE toLower(seed.name) IN $tokens
		CALL {
			WITH seed
			RETURN seed AS entity, 0 AS hops, 1.0 AS path_weight
			UNION ALL
			WITH seed
			MATCH path = (seed)-[:%s*1..%d]-(entity:Entity {corpus_id: $corpus_id})
			RETURN entity, length(path) AS hops,
				reduce(w = 1.0, r IN relationships(path) | w * coalesce($weights[type(r)], 1.0)) AS path_weight
		}
		RETURN entity.entity_id AS entity_id,
			entity.name AS name,
			coalesce(entity.entity_type, '') AS entity_type,
			coalesce(entity.file_path, '') AS file_path,
			coalesce(entity.properties_json, '') AS properties_json,
			min(hops) AS hops,
			max(path_weight) AS path_weight
		ORDER BY hops, entity_id`, traversalEdges, maxHops)
}

// TraverseFromTokens seeds on entities whose name matches any token
// case-insensitively, then expands up to maxHops over typed edges in
// either direction. corpus_id and tokens travel as parameters; maxHops
// is inlined into the variable-length pattern (the driver cannot
// parameterize it) after bounds-checking to 1..5.
func (s *Store) TraverseFromTokens(ctx context.Context, corpusID string, tokens []string, maxHops int, weights map[string]float64) ([]EntityHit, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	lowered := make([]string, len(tokens))
	for i, tok := range tokens {
		lowered[i] = strings.ToLower(tok)
	}

	query := buildTraversalQuery(maxHops)

	params := map[string]any{
		"corpus_id": corpusID,
		"tokens":    lowered,
		"weights":   upperKeys(weights),
	}

	records, err := s.read(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("graph traversal: %w", err)
	}

	hits := make([]EntityHit, 0, len(records))
	for _, record := range records {
		hit := EntityHit{
			EntityID:   recordString(record, "entity_id"),
			Name:       recordString(record, "name"),
			EntityType: recordString(record, "entity_type"),
			FilePath:   recordString(record, "file_path"),
			Hops:       int(recordInt(record, "hops")),
			PathWeight: recordFloat(record, "path_weight"),
		}
		hit.DirectMatch = hit.Hops == 0
		hit.StartLine, hit.EndLine = parseLineSpan(recordString(record, "properties_json"))
		hits = append(hits, hit)
	}
	return hits, nil
}

// EntityChunks maps entities to chunk ids via IN_CHUNK edges. Entities
// with no edge are absent from the map; the caller falls back to a
// relational span lookup for those.
func (s *Store) EntityChunks(ctx context.Context, corpusID string, entityIDs []string) (map[string][]string, error) {
	if len(entityIDs) == 0 {
		return map[string][]string{}, nil
	}

	query := `
		MATCH (e:Entity {corpus_id: $corpus_id})-[:IN_CHUNK]->(c:Chunk {corpus_id: $corpus_id})
		WHERE e.entity_id IN $entity_ids
		RETURN e.entity_id AS entity_id, c.chunk_id AS chunk_id
		ORDER BY entity_id, chunk_id`

	records, err := s.read(ctx, query, map[string]any{
		"corpus_id":  corpusID,
		"entity_ids": entityIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("chunk hydration edges: %w", err)
	}

	out := make(map[string][]string, len(entityIDs))
	for _, record := range records {
		entityID := recordString(record, "entity_id")
		out[entityID] = append(out[entityID], recordString(record, "chunk_id"))
	}
	return out, nil
}

// Counts returns global entity and relationship totals for the gauges.
func (s *Store) Counts(ctx context.Context) (entities, relationships int64, err error) {
	records, err := s.read(ctx,
		`MATCH (e:Entity) RETURN count(e) AS n`, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("entity count: %w", err)
	}
	if len(records) > 0 {
		entities = recordInt(records[0], "n")
	}

	records, err = s.read(ctx,
		`MATCH ()-[r]->() RETURN count(r) AS n`, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("relationship count: %w", err)
	}
	if len(records) > 0 {
		relationships = recordInt(records[0], "n")
	}
	return entities, relationships, nil
}

// HasCorpus reports whether any entity exists for the corpus. Used by
// the readiness probe when a corpus_id is supplied.
func (s *Store) HasCorpus(ctx context.Context, corpusID string) (bool, error) {
	records, err := s.read(ctx,
		`MATCH (e:Entity {corpus_id: $corpus_id}) RETURN count(e) > 0 AS present`,
		map[string]any{"corpus_id": corpusID})
	if err != nil {
		return false, fmt.Errorf("corpus probe: %w", err)
	}
	if len(records) == 0 {
		return false, nil
	}
	present, _ := records[0].Get("present")
	b, _ := present.(bool)
	return b, nil
}

func (s *Store) read(ctx context.Context, query string, params map[string]any) ([]*neo4j.Record, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: s.database,
	})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.([]*neo4j.Record), nil
}

// upperKeys normalizes weight map keys to the uppercase relationship
// type names Cypher sees from type(r).
func upperKeys(weights map[string]float64) map[string]any {
	out := make(map[string]any, len(weights))
	for k, v := range weights {
		out[strings.ToUpper(k)] = v
	}
	return out
}

func parseLineSpan(propertiesJSON string) (int, int) {
	if propertiesJSON == "" {
		return 0, 0
	}
	var props struct {
		StartLine int `json:"start_line"`
		EndLine   int `json:"end_line"`
	}
	if err := json.Unmarshal([]byte(propertiesJSON), &props); err != nil {
		return 0, 0
	}
	return props.StartLine, props.EndLine
}

func recordString(record *neo4j.Record, key string) string {
	v, _ := record.Get(key)
	s, _ := v.(string)
	return s
}

func recordInt(record *neo4j.Record, key string) int64 {
	v, _ := record.Get(key)
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func recordFloat(record *neo4j.Record, key string) float64 {
	v, _ := record.Get(key)
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	default:
		return 0
	}
}
