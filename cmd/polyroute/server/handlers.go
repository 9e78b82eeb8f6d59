package server

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/TFMV/polyroute/pkg/errors"
	"github.com/TFMV/polyroute/pkg/models"
)

// ArrowStreamContentType is the media type of Arrow IPC streams.
const ArrowStreamContentType = "application/vnd.apache.arrow.stream"

// StatusClientClosedRequest is reported for canceled routing requests.
const StatusClientClosedRequest = 499

type healthResponse struct {
	Status         string `json:"status"`
	CatalogVersion uint64 `json:"catalog_version,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.opts.View != nil {
		resp.CatalogVersion = s.opts.View.Current().Version()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRoute(explain bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.RouteRequest
		if !s.decode(w, r, &req) {
			return
		}
		if req.Plan == nil {
			s.writeError(w, errors.New(errors.CodeInvalidRequest, "plan is required"))
			return
		}
		stmt, err := req.Statement(s.opts.Node)
		if err != nil {
			s.writeError(w, err)
			return
		}

		route := s.service.Route
		if explain || req.Explain {
			route = s.service.Explain
		}
		decision, err := route(r.Context(), req.Plan, stmt)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, decision)
	}
}

func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	var report models.ExecutionReport
	if !s.decode(w, r, &report) {
		return
	}
	if err := s.service.RecordExecution(report.ClassID, report.Cost); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.CacheStats())
}

// handleCacheExport buffers the stream so that a failed export is still
// reported with an error status.
func (s *Server) handleCacheExport(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := s.service.ExportCache(&buf); err != nil {
		s.writeError(w, errors.Wrap(err, errors.CodeInternal, "failed to export plan cache"))
		return
	}
	w.Header().Set("Content-Type", ArrowStreamContentType)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write plan cache export")
	}
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "entityID")
	entityID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.writeError(w, errors.Newf(errors.CodeInvalidRequest, "invalid entity id %q", raw))
		return
	}
	n := s.service.Invalidate(entityID)
	s.writeJSON(w, http.StatusOK, models.InvalidationResult{EntityID: entityID, Invalidated: n})
}

func (s *Server) handleGetOptions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.Options())
}

// handlePutOptions applies the fields present in the body on top of the
// active options.
func (s *Server) handlePutOptions(w http.ResponseWriter, r *http.Request) {
	opts := s.service.Options()
	if !s.decode(w, r, &opts) {
		return
	}
	if err := s.service.UpdateOptions(opts); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info().Str("options", opts.String()).Msg("Routing options updated over the admin API")
	s.writeJSON(w, http.StatusOK, s.service.Options())
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, errors.Wrap(err, errors.CodeInvalidRequest, "invalid request body"))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write response")
	}
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	resp := errorResponse{Code: errors.GetCode(err), Message: err.Error()}
	var re *errors.RoutingError
	if stderrors.As(err, &re) {
		resp.Details = re.Details
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("code", resp.Code).Msg("Request failed")
	}
	s.writeJSON(w, status, resp)
}

// StatusFor maps an error code to an HTTP status.
func StatusFor(err error) int {
	switch errors.GetCode(err) {
	case errors.CodeNoValidPlacement, errors.CodeRoutingImpossible:
		return http.StatusUnprocessableEntity
	case errors.CodeInvalidRequest, errors.CodeInvalidConfig, errors.CodeMalformedIdentity:
		return http.StatusBadRequest
	case errors.CodeUnauthorized:
		return http.StatusUnauthorized
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeCanceled:
		return StatusClientClosedRequest
	case errors.CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
