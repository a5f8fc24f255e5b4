package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coldbrewlabs/attache/internal/agent"
	"github.com/coldbrewlabs/attache/internal/tools/personalize"
	"github.com/coldbrewlabs/attache/internal/tools/schedule"
	"github.com/coldbrewlabs/attache/internal/tools/sqlexec"
	"github.com/coldbrewlabs/attache/pkg/models"
)

const maxDirectiveBody = 1 << 20 // 1 MiB

type directiveResponse struct {
	FinalResponseText string `json:"finalResponseText"`
	ConversationID    string `json:"conversationId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleDirective runs one directive end to end: validate, assemble the
// per-directive tool set, drive the agent loop, deliver the answer to the
// callback URL, and echo it in the HTTP response.
func (s *Server) handleDirective(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	var directive models.Directive
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDirectiveBody)).Decode(&directive); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	if err := validateDirective(&directive); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	start := time.Now()
	loop, err := s.buildLoop(&directive)
	if err != nil {
		s.logger.Error("assemble agent loop", "conversation_id", directive.ConversationID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	// Scheduled firings arrive from pg_net, which hangs up after a few
	// seconds. The run and the delivery must outlive the inbound
	// connection, so detach from its cancellation.
	ctx := context.WithoutCancel(r.Context())

	final, runErr := loop.Run(ctx, &directive)

	outcome := "ok"
	if runErr != nil {
		outcome = "error"
	}
	directivesTotal.WithLabelValues(string(directive.Role), outcome).Inc()
	directiveDuration.Observe(time.Since(start).Seconds())

	s.dispatcher.Dispatch(ctx, directive.CallbackURL, &models.Dispatch{
		FinalResponseText: final,
		ConversationID:    directive.ConversationID,
		CallerID:          directive.CallerID,
		Metadata:          directive.Metadata,
		Timezone:          directive.Timezone,
	})

	status := http.StatusOK
	if runErr != nil {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, directiveResponse{
		FinalResponseText: final,
		ConversationID:    directive.ConversationID,
	})
}

func validateDirective(d *models.Directive) error {
	switch {
	case d.DirectiveText == "":
		return fmt.Errorf("directiveText is required")
	case d.ConversationID == "":
		return fmt.Errorf("conversationId is required")
	case d.CallerID == "":
		return fmt.Errorf("callerId is required")
	case d.CallbackURL == "":
		return fmt.Errorf("callbackUrl is required")
	case d.Role == "":
		return fmt.Errorf("role is required")
	}
	if !d.Role.Valid() {
		return fmt.Errorf("unknown role %q", d.Role)
	}
	return nil
}

// buildLoop assembles the tool registry and agent loop for a single
// directive. Scheduling and personalization tools carry directive context,
// so the registry is per-request.
func (s *Server) buildLoop(directive *models.Directive) (*agent.Loop, error) {
	registry := agent.NewRegistry()
	for _, tool := range []agent.Tool{
		sqlexec.NewExecTool(s.deps.Sandbox),
		sqlexec.NewDistinctTool(s.deps.Sandbox),
		schedule.NewTool(s.deps.Bridge, directive),
		personalize.NewTool(s.deps.Prompts, directive),
	} {
		if err := registry.Register(tool); err != nil {
			return nil, fmt.Errorf("register tool %s: %w", tool.Name(), err)
		}
	}

	return agent.New(
		s.deps.Provider,
		registry,
		s.deps.Store,
		s.deps.Assembler,
		s.deps.Prompts,
		s.deps.Sandbox,
		s.deps.Embedder,
		agent.Config{
			Model:       s.cfg.LLM.Model,
			MaxTokens:   s.cfg.LLM.MaxTokens,
			MaxSteps:    s.cfg.Agent.MaxSteps,
			MaxRecent:   s.cfg.Memory.MaxRecent,
			MaxRelevant: s.cfg.Memory.MaxRelevant,
		},
		s.logger,
	), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
