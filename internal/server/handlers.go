package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/dativo-io/refguard/internal/chain"
	"github.com/dativo-io/refguard/internal/mailbox"
	"github.com/dativo-io/refguard/internal/policy"
	"github.com/dativo-io/refguard/internal/reference"
	"github.com/dativo-io/refguard/internal/router"
)

const maxBodyBytes = 1 << 20

var validate = validator.New()

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeBody reads a JSON body into dst and validates it. It writes the 400
// response itself and returns false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return false
	}
	return true
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "refguard",
		"version": s.version,
		"endpoints": []string{
			"POST /v1/chain", "POST /v1/check", "POST /v1/scan", "GET /v1/policy",
			"GET /health", "GET /metrics", "POST /mcp",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if r.URL.Query().Get("detail") == "true" {
		components := map[string]string{
			"policy_engine": "ok",
			"orchestrator":  "ok",
		}
		if s.orchestrator == nil {
			components["orchestrator"] = "disabled"
		}
		if s.mailbox != nil {
			components["mailbox"] = "ok"
			if _, err := s.mailbox.Count(r.Context()); err != nil {
				components["mailbox"] = "error"
				resp["status"] = "degraded"
			}
		}
		resp["components"] = components
		resp["policy_version"] = s.engine.Config().VersionTag()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChain runs one orchestration. A failed source stage returns 502 with
// the unsuccessful response as body.
func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		writeError(w, http.StatusServiceUnavailable, "disabled", "orchestrator not available")
		return
	}
	var p chain.Params
	if !decodeBody(w, r, &p) {
		return
	}

	resp, err := s.orchestrator.Run(r.Context(), p.Request())
	if err != nil {
		if !errors.Is(err, chain.ErrSourceFetch) {
			log.Error().Err(err).Msg("chain_run_error")
		}
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type checkRequest struct {
	References []string `json:"references" validate:"required_without=Text,max=50,dive,max=4096"`
	Text       string   `json:"text" validate:"max=100000"`
}

type checkResult struct {
	Raw     string         `json:"raw"`
	Kind    reference.Kind `json:"kind,omitempty"`
	Domain  string         `json:"domain,omitempty"`
	Verdict policy.Verdict `json:"verdict"`
	Tool    string         `json:"tool,omitempty"`
}

// handleCheck classifies explicit references and those extracted from text
// without dispatching anything.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !decodeBody(w, r, &req) {
		return
	}

	results := make([]checkResult, 0, len(req.References))
	for _, raw := range req.References {
		ref, ok := reference.New(raw, "request")
		if !ok {
			results = append(results, checkResult{Raw: raw, Verdict: s.engine.ClassifyString(raw)})
			continue
		}
		results = append(results, s.check(ref))
	}
	for _, ref := range reference.Extract(req.Text, "text") {
		results = append(results, s.check(ref))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"policyVersion": s.engine.Config().VersionTag(),
		"results":       results,
	})
}

func (s *Server) check(ref reference.Reference) checkResult {
	v := s.engine.Classify(ref)
	res := checkResult{Raw: ref.Raw, Kind: ref.Kind, Domain: ref.Domain, Verdict: v}
	if v.Allowed {
		res.Tool = router.Default.Route(ref.WithSanitized(v.Sanitized)).Tool
	}
	return res
}

type scanRequest struct {
	Text string `json:"text" validate:"required,max=100000"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.scanner.Scan(r.Context(), req.Text))
}

func (s *Server) handlePolicy(w http.ResponseWriter, _ *http.Request) {
	cfg := s.engine.Config()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":        cfg.Name(),
		"versionTag":  cfg.VersionTag(),
		"hash":        cfg.Hash(),
		"rules":       cfg.Summary(),
		"tool_access": cfg.ToolAccess(),
	})
}

func (s *Server) handleMailboxList(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 100")
			return
		}
		limit = n
	}
	msgs, err := s.mailbox.List(r.Context(), r.URL.Query().Get("query"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if msgs == nil {
		msgs = []mailbox.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

type addMessageRequest struct {
	From    string `json:"from" validate:"required,max=320"`
	Subject string `json:"subject" validate:"max=998"`
	Body    string `json:"body" validate:"required,max=200000"`
}

func (s *Server) handleMailboxAdd(w http.ResponseWriter, r *http.Request) {
	var req addMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	msg, err := s.mailbox.Add(r.Context(), mailbox.Message{From: req.From, Subject: req.Subject, Body: req.Body})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}
