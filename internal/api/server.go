package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dshills/stepgraph/graph"
)

// Engine is the part of *graph.Engine the server uses.
type Engine interface {
	StartWorkflow(ctx context.Context, templateID string, input []byte) (string, error)
	GetStatus(ctx context.Context, instanceID string) (*graph.WorkflowInstance, error)
	Cancel(ctx context.Context, instanceID string) error
	Templates() graph.TemplateStore
}

// Server serves the HTTP API.
type Server struct {
	engine       Engine
	logger       *zap.Logger
	gatherer     prometheus.Gatherer
	maxBodyBytes int64
	version      string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithGatherer serves g on /metrics. Without it /metrics is not registered.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithMaxBodyBytes limits request bodies. Default: 1 MiB.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithVersion is reported by /healthz.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer creates a server for engine.
func NewServer(engine Engine, opts ...Option) *Server {
	s := &Server{
		engine:       engine,
		logger:       zap.NewNop(),
		maxBodyBytes: 1 << 20,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "api"))
	return s
}

// Handler returns the routed handler wrapped in the standard middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/workflows", s.handleStart)
	mux.HandleFunc("GET /v1/workflows/{id}", s.handleStatus)
	mux.HandleFunc("POST /v1/workflows/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/templates", s.handleTemplates)
	mux.HandleFunc("GET /v1/templates/{id}", s.handleTemplate)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return Chain(mux,
		RequestID(),
		Recovery(s.logger),
		RequestLogger(s.logger),
		Tracing(),
	)
}

// StartRequest is the body of POST /v1/workflows.
type StartRequest struct {
	TemplateID string          `json:"template_id"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// StartResponse is returned by POST /v1/workflows.
type StartResponse struct {
	InstanceID string `json:"instance_id"`
	TemplateID string `json:"template_id"`
	StatusURL  string `json:"status_url"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	if req.TemplateID == "" {
		writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, "template_id is required")
		return
	}
	input := []byte(req.Input)
	if len(input) == 0 || string(input) == "null" {
		input = []byte(`{}`)
	}

	id, err := s.engine.StartWorkflow(r.Context(), req.TemplateID, input)
	if err != nil {
		writeEngineError(w, r, s.logger, err)
		return
	}
	w.Header().Set("Location", "/v1/workflows/"+id)
	writeData(w, r, http.StatusAccepted, StartResponse{
		InstanceID: id,
		TemplateID: req.TemplateID,
		StatusURL:  "/v1/workflows/" + id,
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return errors.New("content type must be application/json")
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return errors.New("request body too large")
		case errors.Is(err, io.EOF):
			return errors.New("request body is empty")
		default:
			return errors.New("invalid JSON body: " + err.Error())
		}
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	inst, err := s.engine.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, r, s.logger, err)
		return
	}
	tmpl, _ := s.engine.Templates().Load(inst.TemplateID)
	writeData(w, r, http.StatusOK, NewInstanceView(inst, tmpl))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Cancel(r.Context(), id); err != nil {
		writeEngineError(w, r, s.logger, err)
		return
	}
	s.logger.Info("instance cancelled", zap.String("instance_id", id))
	inst, err := s.engine.GetStatus(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, s.logger, err)
		return
	}
	writeData(w, r, http.StatusAccepted, map[string]interface{}{
		"instance_id": id,
		"status":      inst.Status,
	})
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.engine.Templates().(graph.TemplateLister)
	if !ok {
		writeError(w, r, http.StatusNotImplemented, CodeUnavailable, "template store cannot list templates")
		return
	}
	views := []TemplateView{}
	for _, id := range lister.IDs() {
		tmpl, err := s.engine.Templates().Load(id)
		if err != nil {
			s.logger.Warn("skipping template", zap.String("template_id", id), zap.Error(err))
			continue
		}
		views = append(views, NewTemplateView(tmpl))
	}
	writeData(w, r, http.StatusOK, views)
}

func (s *Server) handleTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := s.engine.Templates().Load(r.PathValue("id"))
	if err != nil {
		writeEngineError(w, r, s.logger, err)
		return
	}
	writeData(w, r, http.StatusOK, NewTemplateView(tmpl))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, r, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}
