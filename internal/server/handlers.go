package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/pattern-typer/internal/cache"
	"github.com/raaihank/pattern-typer/internal/classify"
	"github.com/raaihank/pattern-typer/internal/logger"
	"github.com/raaihank/pattern-typer/internal/token"
	"github.com/raaihank/pattern-typer/internal/websocket"
)

// ClassifyRequest is the body of POST /v1/classify
type ClassifyRequest struct {
	Tokens []*token.Token `json:"tokens"`
}

// ClassifyResponse returns the tokens in request order
type ClassifyResponse struct {
	Tokens  []*token.Token `json:"tokens"`
	Matched int            `json:"matched"`
}

// RuleInfo describes one rule of the table in force
type RuleInfo struct {
	Index    int    `json:"index"`
	Pattern  string `json:"pattern"`
	Template string `json:"template"`
	Flags    int    `json:"flags"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RuleIndex *int   `json:"rule_index,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
	Template  string `json:"template,omitempty"`
	Term      string `json:"term,omitempty"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	table := s.table.Load()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":               "pattern-typer",
		"version":            Version,
		"dialect":            table.Dialect(),
		"rules_count":        table.Len(),
		"fingerprint":        table.Fingerprint(),
		"cache_enabled":      s.cache != nil,
		"rate_limit_enabled": s.limiter != nil,
		"websocket_enabled":  s.config.WebSocket.Enabled,
	})
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	table := s.table.Load()
	rules := make([]RuleInfo, 0, table.Len())
	for i, rule := range table.All() {
		rules = append(rules, RuleInfo{
			Index:    i,
			Pattern:  rule.Pattern(),
			Template: rule.Template(),
			Flags:    rule.Flags(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dialect":     table.Dialect(),
		"fingerprint": table.Fingerprint(),
		"rules":       rules,
	})
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := getRequestID(r.Context())
	log := s.logger.WithRequestID(requestID)

	r.Body = http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodyBytes)

	var req ClassifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	for i, tok := range req.Tokens {
		if tok == nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("token %d is null", i))
			return
		}
	}

	// One snapshot per request; a concurrent reload does not split a batch
	// across two tables.
	table := s.table.Load()
	hits := s.lookupCache(r, table, req.Tokens)

	matched := 0
	typeCounts := make(map[string]int)
	misses := make(map[string]cache.Result)
	for _, tok := range req.Tokens {
		if hit, ok := hits[tok.Term]; ok {
			if hit.Matched {
				tok.Type = hit.Type
				tok.Flags = hit.Flags
				matched++
			}
			typeCounts[tok.Type]++
			continue
		}

		rule, err := classify.Apply(table, tok)
		if err != nil {
			s.writeClassifyError(w, log, err)
			return
		}
		result := cache.Result{RuleIndex: -1}
		if rule != nil {
			matched++
			result = cache.Result{Matched: true, Type: tok.Type, Flags: tok.Flags, RuleIndex: rule.Index()}
		}
		misses[tok.Term] = result
		typeCounts[tok.Type]++
	}

	if s.cache != nil && len(misses) > 0 {
		if err := s.cache.StoreMany(r.Context(), table.Fingerprint(), misses); err != nil {
			log.Warn("Failed to update result cache", zap.Error(err))
		}
	}

	processing := time.Since(start)
	log.Debug("Tokens classified",
		zap.Int("tokens", len(req.Tokens)),
		zap.Int("matched", matched),
		zap.Int("cache_hits", len(hits)),
		zap.Duration("duration", processing),
	)

	s.wsHub.BroadcastEvent(websocket.Event{
		Type:      websocket.EventTypeClassification,
		Timestamp: time.Now(),
		RequestID: requestID,
		Data: websocket.ClassificationEvent{
			RequestID:    requestID,
			Tokens:       len(req.Tokens),
			Matched:      matched,
			CacheHits:    len(hits),
			TypeCounts:   typeCounts,
			Fingerprint:  table.Fingerprint(),
			ProcessingMS: float64(processing.Microseconds()) / 1000,
		},
	})

	if req.Tokens == nil {
		req.Tokens = []*token.Token{}
	}
	writeJSON(w, http.StatusOK, ClassifyResponse{Tokens: req.Tokens, Matched: matched})
}

// lookupCache fetches cached results for the distinct terms of a request.
// Cache failures are logged and treated as misses.
func (s *Server) lookupCache(r *http.Request, table *classify.RuleTable, tokens []*token.Token) map[string]cache.Result {
	if s.cache == nil || len(tokens) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(tokens))
	terms := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if _, ok := seen[tok.Term]; !ok {
			seen[tok.Term] = struct{}{}
			terms = append(terms, tok.Term)
		}
	}

	hits, err := s.cache.GetMany(r.Context(), table.Fingerprint(), terms)
	if err != nil {
		s.logger.WithRequestID(getRequestID(r.Context())).Warn("Result cache lookup failed", zap.Error(err))
		return nil
	}
	return hits
}

func (s *Server) writeClassifyError(w http.ResponseWriter, log *logger.Logger, err error) {
	var tmplErr *classify.InvalidTemplateError
	var matchErr *classify.MatchError

	switch {
	case errors.As(err, &tmplErr):
		log.Warn("Invalid type template", zap.Int("rule_index", tmplErr.Index), zap.Error(err))
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:     err.Error(),
			RuleIndex: &tmplErr.Index,
			Pattern:   tmplErr.Pattern,
			Template:  tmplErr.Template,
		})
	case errors.As(err, &matchErr):
		log.Warn("Match failed", zap.Int("rule_index", matchErr.Index), zap.Error(err))
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:     err.Error(),
			RuleIndex: &matchErr.Index,
			Pattern:   matchErr.Pattern,
			Term:      matchErr.Term,
		})
	default:
		log.Warn("Classification failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
