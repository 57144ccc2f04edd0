// Package http exposes the service over HTTP: the observation retrieval
// endpoint plus health, readiness, and metrics routes.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hydrometrix/sos-engine/internal/domain"
)

// ObservationService answers observation queries.
type ObservationService interface {
	GetObservations(ctx context.Context, q domain.Query) ([]domain.Observation, error)
}

// ReadinessChecker reports whether the service is ready to serve traffic.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// Server exposes the observation API and the operational HTTP endpoints.
type Server struct {
	httpServer *http.Server
	service    ObservationService
	logger     *slog.Logger

	// Defaults applied when an aggregation request omits its sentinels.
	noData   float64
	noDataQI int
}

// NewServer creates an HTTP server with /observations, /healthz, /readyz,
// and /metrics routes.
func NewServer(addr string, svc ObservationService, ready ReadinessChecker, noData float64, noDataQI int, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		service:  svc,
		logger:   logger,
		noData:   noData,
		noDataQI: noDataQI,
	}

	mux.HandleFunc("GET /observations", s.handleObservations)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", handleReady(ready))
	mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r, s.noData, s.noDataQI)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}

	observations, err := s.service.GetObservations(r.Context(), q)
	if err != nil {
		status := errorStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("observation request failed", "error", err)
		}
		writeJSON(w, status, errorBody(err))
		return
	}

	writeJSON(w, http.StatusOK, renderObservations(q, observations))
}

// parseQuery translates request parameters into an engine query.
//
//	offering           required
//	procedure          required, comma-separated
//	observedProperty   optional, comma-separated
//	eventTime          optional, "begin/end" in RFC 3339
//	qualityIndex       optional, default true
//	qualityFilter      optional, operator plus threshold such as ">=200"
//	aggregateInterval  optional ISO-8601 duration, requires aggregateFunction
//	aggregateFunction  optional, requires aggregateInterval
//	aggregateNoData    optional sentinel override
//	aggregateNoDataQI  optional sentinel override
func parseQuery(r *http.Request, noData float64, noDataQI int) (domain.Query, error) {
	params := r.URL.Query()

	q := domain.Query{
		Offering:     params.Get("offering"),
		QualityIndex: true,
	}
	if q.Offering == "" {
		return domain.Query{}, errors.New("missing required parameter offering")
	}

	if p := params.Get("procedure"); p != "" {
		q.Procedures = splitList(p)
	}
	if len(q.Procedures) == 0 {
		return domain.Query{}, errors.New("missing required parameter procedure")
	}
	q.ObservedProperties = splitList(params.Get("observedProperty"))

	if v := params.Get("qualityIndex"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return domain.Query{}, errors.New("qualityIndex must be a boolean")
		}
		q.QualityIndex = b
	}

	if v := params.Get("eventTime"); v != "" {
		w, err := parseWindow(v)
		if err != nil {
			return domain.Query{}, err
		}
		q.Window = w
	}

	if v := params.Get("qualityFilter"); v != "" {
		f, err := parseQualityFilter(v)
		if err != nil {
			return domain.Query{}, err
		}
		q.QualityFilter = f
	}

	interval := params.Get("aggregateInterval")
	function := params.Get("aggregateFunction")
	if (interval == "") != (function == "") {
		return domain.Query{}, errors.New("aggregateInterval and aggregateFunction must be given together")
	}
	if interval != "" {
		agg := &domain.AggregationSpec{
			Interval: interval,
			Function: function,
			NoData:   noData,
			NoDataQI: noDataQI,
		}
		if v := params.Get("aggregateNoData"); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return domain.Query{}, errors.New("aggregateNoData must be a number")
			}
			agg.NoData = f
		}
		if v := params.Get("aggregateNoDataQI"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return domain.Query{}, errors.New("aggregateNoDataQI must be an integer")
			}
			agg.NoDataQI = n
		}
		q.Aggregation = agg
	}

	return q, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseWindow(s string) (*domain.TimeRange, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return nil, errors.New("eventTime must be begin/end")
	}
	begin, err := time.Parse(time.RFC3339, parts[0])
	if err != nil {
		return nil, errors.New("eventTime begin is not RFC 3339")
	}
	end, err := time.Parse(time.RFC3339, parts[1])
	if err != nil {
		return nil, errors.New("eventTime end is not RFC 3339")
	}
	if !begin.Before(end) {
		return nil, errors.New("eventTime begin must precede end")
	}
	return &domain.TimeRange{Begin: begin.UTC(), End: end.UTC()}, nil
}

func parseQualityFilter(s string) (*domain.QualityFilter, error) {
	for _, op := range []string{"<=", ">=", "<", ">", "="} {
		if strings.HasPrefix(s, op) {
			v, err := strconv.ParseFloat(strings.TrimSpace(s[len(op):]), 64)
			if err != nil {
				return nil, errors.New("qualityFilter threshold must be a number")
			}
			return &domain.QualityFilter{Op: op, Threshold: v}, nil
		}
	}
	return nil, errors.New("qualityFilter must start with <, <=, >, >= or =")
}

// Response shapes.

type observationsResponse struct {
	RequestID    string        `json:"request_id"`
	Offering     string        `json:"offering"`
	Observations []observation `json:"observations"`
}

type observation struct {
	Procedure    string     `json:"procedure"`
	SamplingTime *window    `json:"sampling_time,omitempty"`
	Columns      []column   `json:"columns"`
	Rows         []valueRow `json:"rows"`
}

type window struct {
	Begin *time.Time `json:"begin,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

type column struct {
	Definition string `json:"definition"`
	Name       string `json:"name"`
	UOM        string `json:"uom,omitempty"`
}

type valueRow struct {
	Time   time.Time  `json:"time"`
	Values []*float64 `json:"values"`
}

func renderObservations(q domain.Query, obs []domain.Observation) observationsResponse {
	resp := observationsResponse{
		RequestID:    q.RequestID,
		Offering:     q.Offering,
		Observations: make([]observation, 0, len(obs)),
	}
	for _, o := range obs {
		rendered := observation{Procedure: o.Procedure.Name}
		if !o.SamplingTime.Undefined() {
			rendered.SamplingTime = &window{Begin: o.SamplingTime.Begin, End: o.SamplingTime.End}
		}
		for _, c := range o.Series.Columns {
			rendered.Columns = append(rendered.Columns, column{
				Definition: c.Definition,
				Name:       c.Name,
				UOM:        c.UOM,
			})
		}
		for _, r := range o.Series.Rows {
			row := valueRow{Time: r.Time, Values: make([]*float64, len(r.Values))}
			for i, v := range r.Values {
				if v.Valid {
					f := v.Float
					row.Values[i] = &f
				}
			}
			rendered.Rows = append(rendered.Rows, row)
		}
		resp.Observations = append(resp.Observations, rendered)
	}
	return resp
}

// errorStatus maps engine errors to HTTP statuses: request-shaped failures
// are the client's fault, everything else is a server failure.
func errorStatus(err error) int {
	var (
		notFound *domain.ProcedureNotFoundError
		deps     *domain.DependencyNotFoundError
		agg      *domain.AggregationError
	)
	switch {
	case errors.As(err, &notFound), errors.As(err, &deps), errors.As(err, &agg):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func handleReady(checker ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := checker.CheckReadiness(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}
