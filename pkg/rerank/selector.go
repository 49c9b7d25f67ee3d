package rerank

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tribridrag/tribrid/pkg/config"
	"github.com/tribridrag/tribrid/pkg/httpclient"
)

// cohereKeyEnv names the environment variable the cloud mode reads.
const cohereKeyEnv = "COHERE_API_KEY"

// Selector builds rerankers from resolved corpus settings. One selector
// serves the whole process; it owns the learning-mode model cache so
// adapters survive across requests.
type Selector struct {
	cache *ModelCache
}

func NewSelector(idleUnload time.Duration) *Selector {
	return &Selector{cache: NewModelCache(idleUnload)}
}

// For returns the reranker for the settings, or nil for mode none. The
// API key for cloud mode is read per call so key rotation does not need
// a restart.
func (s *Selector) For(cfg config.RerankSettings, corpusID string) Reranker {
	switch cfg.Mode {
	case ModeLocal:
		return &localClient{
			http:      retryingClient(cfg.Timeout, httpclient.ParseOpenAIHeaders),
			endpoint:  cfg.Endpoint,
			model:     cfg.BaseModel,
			batchSize: cfg.BatchSize,
		}
	case ModeLearning:
		return &learningReranker{
			client: &localClient{
				http:      retryingClient(cfg.Timeout, httpclient.ParseOpenAIHeaders),
				endpoint:  cfg.Endpoint,
				batchSize: cfg.BatchSize,
			},
			cache:      s.cache,
			baseModel:  cfg.BaseModel,
			adapterDir: filepath.Join(cfg.ArtifactDir, corpusID),
		}
	case ModeCloud:
		return &cloudClient{
			http:   retryingClient(cfg.Timeout, httpclient.ParseCohereHeaders),
			apiKey: os.Getenv(cohereKeyEnv),
			model:  cfg.Model,
		}
	default:
		return nil
	}
}

// Close releases the model cache sweeper.
func (s *Selector) Close() {
	s.cache.Close()
}

func retryingClient(timeout time.Duration, parser httpclient.RateLimitHeaderParser) *httpclient.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
		httpclient.WithMaxRetries(2),
		httpclient.WithBaseDelay(500*time.Millisecond),
		httpclient.WithHeaderParser(parser),
	)
}
