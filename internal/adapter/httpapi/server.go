package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/catalog"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/events"
)

const maxJobBytes = 1 << 20

// Runner executes one test job while streaming into sink.
type Runner interface {
	Execute(ctx context.Context, job domain.TestJob, sink domain.EventSink) (*domain.TestResult, error)
}

// Config contains HTTP front door configuration
type Config struct {
	// APIKey enables the X-API-Key check when non-empty
	APIKey string
	// RequestsPerWindow and Window define the token bucket; zero disables it
	RequestsPerWindow int
	Window            time.Duration
	// TestMaxDuration bounds each run; zero means unbounded
	TestMaxDuration time.Duration
	Limits          domain.JobLimits
}

// Server is the HTTP API in front of the orchestrator
type Server struct {
	Log *log.Entry

	cfg     Config
	runner  Runner
	catalog *catalog.Catalog
	results domain.ResultRepo
	mirror  func(testID string) domain.EventSink
	limiter *rate.Limiter
	router  *mux.Router
	now     func() time.Time
}

type Option func(*Server)

// WithResults serves stored results under /api/v1/results/{test_id}.
func WithResults(repo domain.ResultRepo) Option { return func(s *Server) { s.results = repo } }

// WithMirror adds a per-run sink next to the client stream. The factory may
// return nil.
func WithMirror(f func(testID string) domain.EventSink) Option {
	return func(s *Server) { s.mirror = f }
}

func WithLogger(l *log.Entry) Option { return func(s *Server) { s.Log = l } }

func NewServer(cfg Config, runner Runner, cat *catalog.Catalog, opts ...Option) *Server {
	s := &Server{
		Log:     log.WithField("component", "httpapi"),
		cfg:     cfg,
		runner:  runner,
		catalog: cat,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.RequestsPerWindow > 0 && cfg.Window > 0 {
		s.limiter = rate.NewLimiter(rate.Every(cfg.Window/time.Duration(cfg.RequestsPerWindow)), cfg.RequestsPerWindow)
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestID, s.logRequests)

	r.HandleFunc("/api/v1/health", s.health).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authenticate, s.rateLimit)
	api.HandleFunc("/cyberduel/execute", s.execute).Methods(http.MethodPost)
	api.HandleFunc("/attacks/list", s.listAttacks).Methods(http.MethodGet)
	api.HandleFunc("/attacks/{ttp_id}", s.getAttack).Methods(http.MethodGet)
	api.HandleFunc("/results/{test_id}", s.getResult).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	return r
}

// POST /api/v1/cyberduel/execute
func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxJobBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}
	job, err := domain.DecodeJob(body)
	if err == nil {
		err = job.Validate(s.cfg.Limits)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	logger := s.Log.WithFields(log.Fields{"test_id": job.TestID, "request_id": requestIDFrom(r.Context())})
	stream := events.NewStream(events.WithMirror(logger))
	var sink domain.EventSink = stream
	if s.mirror != nil {
		if m := s.mirror(job.TestID); m != nil {
			sink = events.Tee{m, stream}
		}
	}

	// The run outlives the client connection so the infrastructure is never
	// left half provisioned. Shutdown waits for it through Orchestrator.Drain.
	runCtx := context.WithoutCancel(r.Context())
	var cancel context.CancelFunc = func() {}
	if s.cfg.TestMaxDuration > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, s.cfg.TestMaxDuration)
	}
	go func() {
		defer cancel()
		if _, err := s.runner.Execute(runCtx, job, sink); err != nil {
			logger.WithError(err).Warn("test run failed")
		}
	}()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		ev, err := stream.Next(r.Context())
		if errors.Is(err, events.ErrStreamEnded) {
			if err := events.WriteSSECompletion(w); err != nil {
				logger.WithError(err).Debug("client gone before completion")
			}
			flusher.Flush()
			return
		}
		if err != nil {
			logger.WithError(err).Info("client disconnected, run continues")
			return
		}
		if err := events.WriteSSE(w, ev); err != nil {
			logger.WithError(err).Info("client disconnected, run continues")
			return
		}
		flusher.Flush()
	}
}

type attackList struct {
	Status  string                   `json:"status"`
	Total   int                      `json:"total"`
	Attacks []domain.AttackTechnique `json:"attacks"`
}

// GET /api/v1/attacks/list
func (s *Server) listAttacks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	attacks := s.catalog.Query(q.Get("tactic"), q.Get("severity"), q.Get("q"))
	writeJSON(w, http.StatusOK, attackList{Status: "success", Total: len(attacks), Attacks: attacks})
}

// GET /api/v1/attacks/{ttp_id}
func (s *Server) getAttack(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["ttp_id"]
	tech, ok := s.catalog.Get(strings.ToUpper(id))
	if !ok {
		writeError(w, http.StatusNotFound, "attack "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "attack": tech})
}

// GET /api/v1/results/{test_id}
func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["test_id"]
	if s.results == nil {
		writeError(w, http.StatusNotFound, "result storage disabled")
		return
	}
	res, err := s.results.Load(id)
	if errors.Is(err, domain.ErrResultNotFound) {
		writeError(w, http.StatusNotFound, "result "+id+" not found")
		return
	}
	if err != nil {
		s.Log.WithError(err).WithField("test_id", id).Error("load result")
		writeError(w, http.StatusInternalServerError, "could not load result")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "result": res})
}

// GET /api/v1/health
func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"service":   "CyberDuel API",
	})
}


func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": msg})
}
