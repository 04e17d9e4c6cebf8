package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/WessleyAI/paperqa/engine/domain"
	"github.com/WessleyAI/paperqa/engine/graph"
	"github.com/WessleyAI/paperqa/engine/ingest"
	"github.com/WessleyAI/paperqa/engine/search"
	"github.com/WessleyAI/paperqa/pkg/fn"
	"github.com/WessleyAI/paperqa/pkg/metrics"
	"github.com/WessleyAI/paperqa/pkg/mid"
	"github.com/WessleyAI/paperqa/pkg/natsutil"
)

var serveFlags struct {
	port string
	cors string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the search and question-answering HTTP API",
	Long: `Serves one process-wide session over HTTP. Papers returned by a search are
not returned again until the session is cleared.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.port, "port", "", "listen port (default from config)")
	serveCmd.Flags().StringVar(&serveFlags.cors, "cors", "", "allowed CORS origin (disabled when empty)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	log := newLogger(os.Stdout, true, verbose)
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveFlags.port != "" {
		cfg.Server.Port = serveFlags.port
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()
	svc, err := openServices(ctx, cfg, log, reg)
	if err != nil {
		return err
	}
	defer svc.Close(context.Background())

	api := &apiServer{
		searcher:     svc.searcher(),
		answerer:     svc.answerer(),
		sess:         search.NewSession(),
		health:       svc.check,
		defaultLimit: cfg.Search.DefaultLimit,
		log:          log,
	}
	if svc.graph != nil {
		api.papers = svc.graph
	}
	if svc.nc != nil {
		sub, err := natsutil.Subscribe(svc.nc, cfg.NATS.Subject, log, func(_ context.Context, rep ingest.Report) {
			api.setLastIngest(rep)
		})
		if err != nil {
			log.Warn("subscribe to run reports failed", "subject", cfg.NATS.Subject, "err", err)
		} else {
			defer sub.Unsubscribe()
		}
	}

	middleware := []mid.Middleware{
		mid.Recover(log),
		mid.RequestID(),
		mid.Logger(log),
		mid.Metrics(reg),
		mid.OTel("paperqa"),
		mid.MaxBody(1 << 20),
	}
	if serveFlags.cors != "" {
		middleware = append(middleware, mid.CORS(serveFlags.cors))
	}
	mux := api.routes()
	mux.Handle("GET /metrics", reg.Handler())

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      mid.Chain(mux, middleware...),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Ollama.GenerateTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "port", cfg.Server.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

type documentPapers interface {
	DocumentPapers(ctx context.Context, path string, limit int) ([]graph.PaperNode, error)
}

// apiServer serves the HTTP API over one shared session.
type apiServer struct {
	searcher     paperSearcher
	answerer     answerer
	sess         *search.Session
	health       func(context.Context) map[string]error
	papers       documentPapers // optional
	defaultLimit int
	log          *slog.Logger

	mu         sync.Mutex
	lastIngest *ingest.Report
}

func (a *apiServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", a.handleHealth)
	mux.HandleFunc("POST /api/search", a.handleSearch)
	mux.HandleFunc("POST /api/ask", a.handleAsk)
	mux.HandleFunc("GET /api/analytics", a.handleAnalytics)
	mux.HandleFunc("GET /api/history", a.handleHistory)
	mux.HandleFunc("POST /api/session/clear", a.handleClear)
	mux.HandleFunc("GET /api/ingest/last", a.handleLastIngest)
	mux.HandleFunc("GET /api/documents/papers", a.handleDocumentPapers)
	return mux
}

func (a *apiServer) setLastIngest(rep ingest.Report) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastIngest = &rep
}

// QueryRequest is the JSON body for POST /api/search and POST /api/ask.
type QueryRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// PaperResult is one search hit.
type PaperResult struct {
	domain.ScoredPaper
	Relevance string `json:"relevance"`
}

// SearchResponse is the JSON response for POST /api/search.
type SearchResponse struct {
	Query   string        `json:"query"`
	Results []PaperResult `json:"results"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *apiServer) decodeQuery(w http.ResponseWriter, r *http.Request) (QueryRequest, bool) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})
		return req, false
	}
	if req.Limit == 0 {
		req.Limit = a.defaultLimit
	}
	return req, true
}

func (a *apiServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeQuery(w, r)
	if !ok {
		return
	}
	results, err := a.searcher.Search(r.Context(), a.sess, req.Query, req.Limit)
	if err != nil {
		a.writeError(w, "search", err)
		return
	}
	resp := SearchResponse{Query: req.Query, Results: fn.Map(results, func(p domain.ScoredPaper) PaperResult {
		return PaperResult{ScoredPaper: p, Relevance: search.Explain(p.Score).String()}
	})}
	writeJSON(w, http.StatusOK, resp)
}

func (a *apiServer) handleAsk(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeQuery(w, r)
	if !ok {
		return
	}
	results, err := a.searcher.Search(r.Context(), a.sess, req.Query, req.Limit)
	if err != nil {
		a.writeError(w, "search", err)
		return
	}
	ans, err := a.answerer.Answer(r.Context(), a.sess, req.Query, results)
	if err != nil {
		a.writeError(w, "answer", err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

func (a *apiServer) handleAnalytics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.sess.Analytics())
}

func (a *apiServer) handleHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Searches []search.SearchEntry `json:"searches"`
		Answers  []search.QAEntry     `json:"answers"`
	}{a.sess.SearchHistory(), a.sess.QAHistory()})
}

func (a *apiServer) handleClear(w http.ResponseWriter, _ *http.Request) {
	a.sess.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (a *apiServer) handleLastIngest(w http.ResponseWriter, _ *http.Request) {
	a.mu.Lock()
	rep := a.lastIngest
	a.mu.Unlock()
	if rep == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"no ingestion run reported yet"})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *apiServer) handleDocumentPapers(w http.ResponseWriter, r *http.Request) {
	if a.papers == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"paper graph is not configured"})
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"path is required"})
		return
	}
	papers, err := a.papers.DocumentPapers(r.Context(), path, 0)
	if err != nil {
		a.writeError(w, "document papers", err)
		return
	}
	if papers == nil {
		papers = []graph.PaperNode{}
	}
	writeJSON(w, http.StatusOK, papers)
}

func (a *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	status, code := "ok", http.StatusOK
	for name, err := range a.health(r.Context()) {
		if err != nil {
			checks[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

// writeError maps the error taxonomy onto HTTP statuses.
func (a *apiServer) writeError(w http.ResponseWriter, op string, err error) {
	code := statusFor(err)
	if code >= 500 {
		a.log.Error("request failed", "op", op, "err", err)
	}
	writeJSON(w, code, errorResponse{err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrTransientService):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrMalformedResponse):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
