package main

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"golang.org/x/time/rate"

	"github.com/WessleyAI/paperqa/engine/config"
	"github.com/WessleyAI/paperqa/engine/domain"
	"github.com/WessleyAI/paperqa/engine/graph"
	"github.com/WessleyAI/paperqa/engine/ingest"
	"github.com/WessleyAI/paperqa/engine/rag"
	"github.com/WessleyAI/paperqa/engine/search"
	"github.com/WessleyAI/paperqa/engine/semantic"
	"github.com/WessleyAI/paperqa/pkg/metrics"
	"github.com/WessleyAI/paperqa/pkg/natsutil"
	"github.com/WessleyAI/paperqa/pkg/ollama"
	"github.com/WessleyAI/paperqa/pkg/resilience"
)

// services holds the external clients a command needs. graph and nc are
// nil when their URLs are not configured or the service is unreachable.
type services struct {
	cfg   config.Config
	log   *slog.Logger
	reg   *metrics.Registry
	embed *ollama.EmbedClient
	gen   *ollama.GenerateClient
	store *semantic.VectorStore

	driver neo4j.DriverWithContext
	graph  *graph.PaperGraph
	nc     *nats.Conn
}

func openServices(ctx context.Context, cfg config.Config, log *slog.Logger, reg *metrics.Registry) (*services, error) {
	s := &services{cfg: cfg, log: log, reg: reg}
	limiter := newLimiter(cfg.Ollama.RateLimit)

	s.embed = ollama.NewEmbedClient(cfg.Ollama.URL, cfg.Ollama.EmbedModel, cfg.Ollama.Dimensions,
		ollama.WithTimeout(cfg.Ollama.EmbedTimeout),
		ollama.WithLimiter(limiter),
		ollama.WithBreaker(newBreaker()),
	)
	s.gen = ollama.NewGenerateClient(cfg.Ollama.URL, cfg.Ollama.ChatModel, cfg.Ollama.Sampling(),
		ollama.WithTimeout(cfg.Ollama.GenerateTimeout),
		ollama.WithLimiter(limiter),
		ollama.WithBreaker(newBreaker()),
	)

	store, err := semantic.New(grpcTarget(cfg.Qdrant.Addr), cfg.Qdrant.Collection)
	if err != nil {
		return nil, err
	}
	s.store = store

	if cfg.Neo4j.URL != "" {
		s.connectGraph(ctx)
	}
	if cfg.NATS.URL != "" {
		nc, err := natsutil.Connect(cfg.NATS.URL, "paperqa", log)
		if err != nil {
			log.Warn("nats unavailable, run reports disabled", "err", err)
		} else {
			s.nc = nc
		}
	}
	return s, nil
}

func (s *services) connectGraph(ctx context.Context) {
	driver, err := neo4j.NewDriverWithContext(s.cfg.Neo4j.URL, neo4j.BasicAuth(s.cfg.Neo4j.User, s.cfg.Neo4j.Pass, ""))
	if err != nil {
		s.log.Warn("neo4j driver failed, paper graph disabled", "err", err)
		return
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		s.log.Warn("neo4j unreachable, paper graph disabled", "url", s.cfg.Neo4j.URL, "err", err)
		driver.Close(ctx)
		return
	}
	s.driver = driver
	s.graph = graph.New(driver)
	s.log.Info("connected to neo4j", "url", s.cfg.Neo4j.URL)
}

func (s *services) Close(ctx context.Context) {
	if s.nc != nil {
		s.nc.Close()
	}
	if s.driver != nil {
		s.driver.Close(ctx)
	}
	if s.store != nil {
		s.store.Close()
	}
}

// graphSink returns the graph as an ingest sink, or a nil interface.
func (s *services) graphSink() ingest.GraphSink {
	if s.graph == nil {
		return nil
	}
	return s.graph
}

// relatedFinder returns the graph as a rag.RelatedFinder, or a nil interface.
func (s *services) relatedFinder() rag.RelatedFinder {
	if s.graph == nil {
		return nil
	}
	return s.graph
}

func (s *services) searcher() *search.Searcher {
	return search.NewSearcher(s.embed, s.store, s.cfg.Search.OverFetch, s.reg, s.log)
}

func (s *services) answerer() *rag.Service {
	opts := rag.Options{Timeout: s.cfg.Ollama.GenerateTimeout, RelatedLimit: s.cfg.Search.RelatedLimit}
	return rag.New(s.gen, s.relatedFinder(), opts, s.reg, s.log)
}

// check pings Ollama and Qdrant.
func (s *services) check(ctx context.Context) map[string]error {
	checks := map[string]error{"ollama": s.embed.Ping(ctx)}
	_, err := s.store.Exists(ctx)
	checks["qdrant"] = err
	return checks
}

// newBreaker trips on transient failures only; a malformed reply says
// nothing about service health.
func newBreaker() *resilience.Breaker {
	opts := resilience.DefaultBreakerOpts
	opts.IsFailure = func(err error) bool { return errors.Is(err, domain.ErrTransientService) }
	return resilience.NewBreaker(opts)
}

// newLimiter returns nil for a non-positive rate.
func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// grpcTarget accepts either host:port or an http(s) URL.
func grpcTarget(addr string) string {
	for _, scheme := range []string{"http://", "https://"} {
		if strings.HasPrefix(addr, scheme) {
			return strings.TrimSuffix(strings.TrimPrefix(addr, scheme), "/")
		}
	}
	return addr
}

// serviceHint explains a failed command to an interactive user.
func serviceHint(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return ""
	case errors.Is(err, domain.ErrTransientService):
		return "Please make sure both Qdrant and Ollama services are running"
	case errors.Is(err, domain.ErrMalformedResponse):
		return "Unexpected reply from a service; check that the configured models are pulled"
	}
	return ""
}
