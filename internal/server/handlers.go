package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/BadgerOps/resurrect/internal/engine"
	"github.com/BadgerOps/resurrect/internal/restoration"
	"github.com/BadgerOps/resurrect/internal/store"
	"github.com/BadgerOps/resurrect/internal/tier"
)

// ErrorBody is the JSON body of every failed API call. A submission that was
// admitted but then failed also carries the failed request.
type ErrorBody struct {
	Error      string                  `json:"error"`
	Kind       restoration.Kind        `json:"kind,omitempty"`
	Violations []restoration.Violation `json:"violations,omitempty"`
	Request    *restoration.Request    `json:"request,omitempty"`
}

// statusFor maps an error kind to its HTTP status code.
func statusFor(kind restoration.Kind) int {
	switch kind {
	case restoration.KindValidation:
		return http.StatusBadRequest
	case restoration.KindNotFound:
		return http.StatusNotFound
	case restoration.KindProjectBusy, restoration.KindInvalidTransition:
		return http.StatusConflict
	case restoration.KindUnsupportedCombination:
		return http.StatusUnprocessableEntity
	case restoration.KindProviderTransient, restoration.KindInterrupted:
		return http.StatusServiceUnavailable
	case restoration.KindProvider, restoration.KindIntegrity:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports a classified error, logging the ones that are not the caller's fault.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, req *restoration.Request) {
	body := ErrorBody{Error: err.Error(), Kind: restoration.KindOf(err), Request: req}
	var re *restoration.Error
	if errors.As(err, &re) {
		body.Violations = re.Violations
	}

	code := statusFor(body.Kind)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "kind", body.Kind, "error", err)
	}
	s.writeJSON(w, code, body)
}

// decodeBody reads a JSON request body into v, rejecting unknown fields.
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAPITiers returns the cost/time table in effect.
func (s *Server) handleAPITiers(w http.ResponseWriter, r *http.Request) {
	rows := s.model.Table()
	if rows == nil {
		rows = []tier.TableRow{}
	}
	s.writeJSON(w, http.StatusOK, rows)
}

// handleAPIEstimate previews the estimate and approvals of a request without creating it.
func (s *Server) handleAPIEstimate(w http.ResponseWriter, r *http.Request) {
	var in engine.SubmitInput
	if err := decodeBody(r, &in); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	plan, err := s.orch.Preview(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, plan)
}

// handleAPISubmit creates a restoration request.
func (s *Server) handleAPISubmit(w http.ResponseWriter, r *http.Request) {
	var in engine.SubmitInput
	if err := decodeBody(r, &in); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req, err := s.orch.Submit(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err, req)
		return
	}
	w.Header().Set("Location", "/api/requests/"+req.ID)
	s.writeJSON(w, http.StatusCreated, req)
}

// handleAPIListRequests lists requests, newest first, filtered by
// ?project=, ?status= (comma separated) and ?limit=.
func (s *Server) handleAPIListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListFilter{ProjectID: q.Get("project")}

	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := restoration.Status(strings.TrimSpace(part))
			if !st.Valid() {
				jsonError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(st)))
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			jsonError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	reqs, err := s.store.ListRequests(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	if reqs == nil {
		reqs = []*restoration.Request{}
	}
	s.writeJSON(w, http.StatusOK, reqs)
}

// handleAPIGetRequest returns one request.
func (s *Server) handleAPIGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.orch.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

// handleAPIRequestEvents returns the audit trail of a request.
func (s *Server) handleAPIRequestEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.orch.Get(r.Context(), id); err != nil {
		s.writeError(w, r, err, nil)
		return
	}

	events, err := s.store.ListEvents(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	if events == nil {
		events = []restoration.Event{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

// ApprovalBody is the expected request body for POST /api/requests/{id}/approvals.
type ApprovalBody struct {
	Role     restoration.Role `json:"role"`
	Decision engine.Decision  `json:"decision"`
	ActorID  string           `json:"actor_id"`
	Comment  string           `json:"comment"`
}

// handleAPIApproval records one role's decision.
func (s *Server) handleAPIApproval(w http.ResponseWriter, r *http.Request) {
	var body ApprovalBody
	if err := decodeBody(r, &body); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req, err := s.orch.RecordApproval(r.Context(), engine.ApprovalAction{
		RequestID: r.PathValue("id"),
		Role:      restoration.Role(strings.ToUpper(string(body.Role))),
		Decision:  body.Decision,
		ActorID:   body.ActorID,
		Comment:   body.Comment,
	})
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

// CancelBody is the expected request body for POST /api/requests/{id}/cancel.
type CancelBody struct {
	ActorID string `json:"actor_id"`
}

// handleAPICancel cancels a request. An executing request answers 202 while
// its in-flight restore calls settle in another process.
func (s *Server) handleAPICancel(w http.ResponseWriter, r *http.Request) {
	var body CancelBody
	if err := decodeBody(r, &body); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req, err := s.orch.CancelRequest(r.Context(), r.PathValue("id"), body.ActorID)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}

	code := http.StatusOK
	if !req.Status.IsTerminal() {
		code = http.StatusAccepted
	}
	s.writeJSON(w, code, req)
}
