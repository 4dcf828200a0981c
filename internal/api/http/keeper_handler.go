package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"keeper/internal/domain"
	"keeper/internal/metrics"
	"keeper/internal/usecase"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultPageSize = 20

// StatusProvider reports the replica's leadership and loop state.
type StatusProvider interface {
	Status() usecase.Report
}

// InFlightLister lists jobs with an outstanding work transaction.
type InFlightLister interface {
	Snapshot() []domain.JobID
}

// KeeperHandler serves the read-only status API.
type KeeperHandler struct {
	status   StatusProvider
	inFlight InFlightLister
	history  domain.ExecutionRepository
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

func NewKeeperHandler(status StatusProvider, inFlight InFlightLister, history domain.ExecutionRepository, logger *slog.Logger) *KeeperHandler {
	return &KeeperHandler{
		status:   status,
		inFlight: inFlight,
		history:  history,
		logger:   logger.With("component", "keeper-handler"),
		validate: validator.New(),
		tracer:   otel.Tracer("keeper-api"),
	}
}

// A helper struct to capture the status code
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// RegisterRoutes registers the status API on mux.
func (h *KeeperHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/jobs/", h.instrument(http.HandlerFunc(h.handleJobs)))
	mux.Handle("/status", h.instrument(http.HandlerFunc(h.handleStatus)))
}

func (h *KeeperHandler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := routeLabel(r.URL.Path)

		ctx, span := h.tracer.Start(r.Context(), "HTTP "+r.Method+" "+path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()

		r = r.WithContext(ctx)

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(iw, r)

		metrics.HttpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(iw.statusCode)).Inc()

		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})
}

// routeLabel keeps job ids out of metric labels.
func routeLabel(urlPath string) string {
	parts := strings.Split(strings.Trim(urlPath, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "jobs" && parts[1] == "in-flight":
		return "/jobs/in-flight"
	case len(parts) == 3 && parts[0] == "jobs" && parts[2] == "history":
		return "/jobs/{id}/history"
	case len(parts) == 4 && parts[0] == "jobs" && parts[2] == "history":
		return "/jobs/{id}/history/{execution_id}"
	case len(parts) == 1 && parts[0] == "status":
		return "/status"
	default:
		return "other"
	}
}

// handleJobs is a general dispatcher for the /jobs/ path.
func (h *KeeperHandler) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// e.g. /jobs/42/history -> ["jobs", "42", "history"]
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) == 2 && pathParts[1] == "in-flight" {
		h.handleInFlight(w, r)
		return
	}
	if len(pathParts) < 3 || pathParts[2] != "history" || len(pathParts) > 4 {
		http.NotFound(w, r)
		return
	}

	jobID, err := domain.ParseJobID(pathParts[1])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid job id"})
		return
	}
	if len(pathParts) == 4 {
		h.handleGetExecution(w, r, jobID, pathParts[3])
		return
	}
	h.handleGetJobHistory(w, r, jobID)
}

func (h *KeeperHandler) handleInFlight(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "handler.ListInFlight")
	defer span.End()

	jobs := h.inFlight.Snapshot()
	if jobs == nil {
		jobs = []domain.JobID{}
	}
	span.SetAttributes(attribute.Int("jobs.in_flight", len(jobs)))
	writeJSON(w, http.StatusOK, InFlightResponse{Jobs: jobs, Count: len(jobs)})
}

// handleGetJobHistory handles GET /jobs/{id}/history?page=&pageSize=.
func (h *KeeperHandler) handleGetJobHistory(w http.ResponseWriter, r *http.Request, jobID domain.JobID) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetJobHistory")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID.String()))

	query, err := parseHistoryQuery(r)
	if err == nil {
		err = h.validate.Struct(query)
	}
	if err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		span.RecordError(err)
		resp := errorResponse{Error: "Validation failed"}
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			for _, fe := range validationErrors {
				resp.Details = append(resp.Details, "Field '"+fe.Field()+"' failed on the '"+fe.Tag()+"' tag.")
			}
		} else {
			resp.Details = []string{err.Error()}
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}
	span.SetAttributes(attribute.Int("page", query.Page), attribute.Int("page_size", query.PageSize))

	records, err := h.history.ListByJobID(ctx, jobID, query.Page, query.PageSize)
	if err != nil {
		span.SetStatus(codes.Error, "Failed to list job history")
		span.RecordError(err)
		h.logger.Error("error listing job history", "job_id", jobID.String(), "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*domain.ExecutionRecord{}
	}

	writeJSON(w, http.StatusOK, HistoryResponse{
		JobID:    jobID,
		Page:     query.Page,
		PageSize: query.PageSize,
		Records:  records,
	})
}

func parseHistoryQuery(r *http.Request) (historyQuery, error) {
	q := historyQuery{Page: 1, PageSize: defaultPageSize}
	if raw := r.URL.Query().Get("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil {
			return q, errors.New("page must be an integer")
		}
		q.Page = page
	}
	if raw := r.URL.Query().Get("pageSize"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			return q, errors.New("pageSize must be an integer")
		}
		q.PageSize = size
	}
	return q, nil
}

func (h *KeeperHandler) handleGetExecution(w http.ResponseWriter, r *http.Request, jobID domain.JobID, executionID string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetExecution")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", jobID.String()),
		attribute.String("execution.id", executionID),
	)

	record, err := h.history.Get(ctx, jobID, executionID)
	if err != nil {
		span.SetStatus(codes.Error, "Failed to get execution record")
		span.RecordError(err)
		if errors.Is(err, domain.ErrExecutionNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.logger.Error("error getting execution record", "job_id", jobID.String(), "execution_id", executionID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *KeeperHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	_, span := h.tracer.Start(r.Context(), "handler.GetStatus")
	defer span.End()

	report := h.status.Status()
	span.SetAttributes(
		attribute.Bool("leader", report.Leader),
		attribute.Int64("block", int64(report.Loop.LastBlock)),
	)
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
