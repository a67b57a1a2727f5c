package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/trustcore/pkg/audit"
	"github.com/meridianhq/trustcore/pkg/auth"
	"github.com/meridianhq/trustcore/pkg/governance"
	"github.com/meridianhq/trustcore/pkg/ledger"
	"github.com/meridianhq/trustcore/pkg/proof"
	"github.com/meridianhq/trustcore/pkg/upgrade"
)

// Server holds the handler dependencies. Construct with NewServer.
type Server struct {
	ledger    ledger.Store
	proofs    *proof.Service
	policies  *governance.Lifecycle
	engine    *governance.Engine
	upgrades  *upgrade.Service
	chain     audit.Chain
	logger    *slog.Logger
	readOnly  atomic.Bool
	bodyLimit int64
	health    func(ctx context.Context) error
}

// NewServer wires the handler set.
func NewServer(
	ledgerStore ledger.Store,
	proofs *proof.Service,
	policies *governance.Lifecycle,
	engine *governance.Engine,
	upgrades *upgrade.Service,
	chain audit.Chain,
	logger *slog.Logger,
) *Server {
	return &Server{
		ledger:    ledgerStore,
		proofs:    proofs,
		policies:  policies,
		engine:    engine,
		upgrades:  upgrades,
		chain:     chain,
		logger:    logger,
		bodyLimit: 1 << 20,
	}
}

// ReadOnly reports whether the server refuses mutations. Set when chain
// verification finds a break; cleared by operators after investigation.
func (s *Server) ReadOnly() bool { return s.readOnly.Load() }

// SetReadOnly flips the mutation guard.
func (s *Server) SetReadOnly(v bool) { s.readOnly.Store(v) }

// SetHealthCheck installs a dependency check run by the healthz handler,
// typically a DB ping plus a signing-proxy ping when remote signing is
// mandatory.
func (s *Server) SetHealthCheck(f func(ctx context.Context) error) { s.health = f }

func (s *Server) guardMutation(w http.ResponseWriter) bool {
	if s.readOnly.Load() {
		WriteError(w, http.StatusServiceUnavailable, CodeReadOnly,
			"audit chain verification failed; mutations are disabled pending investigation")
		return false
	}
	return true
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.bodyLimit)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeValidation, "unreadable request body")
		return nil, false
	}
	return body, true
}

// --- Ledger ---

type ledgerPostResponse struct {
	OK        bool      `json:"ok"`
	JournalID string    `json:"journal_id"`
	PostedAt  time.Time `json:"posted_at"`
}

// HandleLedgerPost is POST /ledger/post.
func (s *Server) HandleLedgerPost(w http.ResponseWriter, r *http.Request) {
	if !s.guardMutation(w) {
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if err := validateBody(ledgerPostSchema, body); err != nil {
		WriteError(w, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	var j ledger.Journal
	if err := json.Unmarshal(body, &j); err != nil {
		WriteError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
		return
	}
	posted, err := s.ledger.Post(r.Context(), j)
	if err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, ledgerPostResponse{
		OK: true, JournalID: posted.JournalID, PostedAt: posted.PostedAt,
	})
}

// HandleLedgerReverse is POST /ledger/{journal_id}/reverse: posts the
// compensating journal for an existing one.
func (s *Server) HandleLedgerReverse(w http.ResponseWriter, r *http.Request) {
	if !s.guardMutation(w) {
		return
	}
	original, err := s.ledger.Get(r.Context(), r.PathValue("journal_id"))
	if err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	correction := ledger.Compensate(original, uuid.New().String())
	posted, err := s.ledger.Post(r.Context(), correction)
	if err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, ledgerPostResponse{
		OK: true, JournalID: posted.JournalID, PostedAt: posted.PostedAt,
	})
}

// HandleLedgerGet is GET /ledger/{journal_id}.
func (s *Server) HandleLedgerGet(w http.ResponseWriter, r *http.Request) {
	j, err := s.ledger.Get(r.Context(), r.PathValue("journal_id"))
	if err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "journal": j})
}

// HandleBalance is GET /ledger/accounts/{account_id}/balance.
func (s *Server) HandleBalance(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("account_id")
	balances, err := s.ledger.Balance(r.Context(), accountID)
	if err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"ok": true, "account_id": accountID, "balances": balances,
	})
}

// --- Proofs ---

type proofGenerateRequest struct {
	Range struct {
		FromTS time.Time `json:"from_ts"`
		ToTS   time.Time `json:"to_ts"`
	} `json:"range"`
}

// HandleProofGenerate is POST /proofs/generate.
func (s *Server) HandleProofGenerate(w http.ResponseWriter, r *http.Request) {
	if !s.guardMutation(w) {
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if err := validateBody(proofGenerateSchema, body); err != nil {
		WriteError(w, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	var req proofGenerateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
		return
	}
	p, err := s.proofs.Generate(r.Context(), proof.Range{FromTS: req.Range.FromTS, ToTS: req.Range.ToTS})
	if err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]any{
		"ok": true, "proof_id": p.ProofID, "status": "generated",
	})
}

// HandleProofGet is GET /proofs/{id}.
func (s *Server) HandleProofGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.proofs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "proof": p})
}

// --- Policies ---

// HandlePolicyCreate is POST /policy.
func (s *Server) HandlePolicyCreate(w http.ResponseWriter, r *http.Request) {
	if !s.guardMutation(w) {
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if err := validateBody(policyCreateSchema, body); err != nil {
		WriteError(w, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	var req governance.CreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = auth.PrincipalFrom(r.Context()).ID
	}
	p, err := s.policies.Create(r.Context(), req)
	if err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]any{"ok": true, "policy": p})
}

// HandlePolicyGet is GET /policy/{id}.
func (s *Server) HandlePolicyGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.policies.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "policy": p})
}

// HandlePolicyList is GET /policy with optional state and severity filters.
func (s *Server) HandlePolicyList(w http.ResponseWriter, r *http.Request) {
	policies, err := s.policies.List(r.Context())
	if err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	state := r.URL.Query().Get("state")
	severity := r.URL.Query().Get("severity")
	filtered := policies[:0:0]
	for _, p := range policies {
		if state != "" && string(p.State) != state {
			continue
		}
		if severity != "" && string(p.Severity) != severity {
			continue
		}
		filtered = append(filtered, p)
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "policies": filtered})
}

type policyStateRequest struct {
	To        governance.State `json:"to"`
	UpgradeID string           `json:"upgradeId,omitempty"`
}

// HandlePolicyState is PATCH /policy/{id}/state.
func (s *Server) HandlePolicyState(w http.ResponseWriter, r *http.Request) {
	if !s.guardMutation(w) {
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if err := validateBody(policyStateSchema, body); err != nil {
		WriteError(w, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	var req policyStateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
		return
	}
	p, err := s.policies.Transition(r.Context(), governance.TransitionRequest{
		PolicyID:  r.PathValue("id"),
		To:        req.To,
		Actor:     auth.PrincipalFrom(r.Context()).ID,
		UpgradeID: req.UpgradeID,
	})
	if err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "policy": p})
}

// HandlePolicyHistory is GET /policy/{id}/history.
func (s *Server) HandlePolicyHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := s.policies.History(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "history": hist})
}

// --- Decisions ---

// HandleSentinelCheck is POST /sentinel/check. Read-only: it stays available
// in read-only mode so enforcement never goes dark.
func (s *Server) HandleSentinelCheck(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if err := validateBody(sentinelCheckSchema, body); err != nil {
		WriteError(w, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	var input governance.DecisionInput
	if err := json.Unmarshal(body, &input); err != nil {
		WriteError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
		return
	}
	if input.Actor.ID == "" {
		p := auth.PrincipalFrom(r.Context())
		input.Actor = governance.Actor{ID: p.ID, Type: p.Type, Roles: p.Roles}
	}
	d, err := s.engine.EvaluateAction(r.Context(), input)
	if err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, d)
}

// --- Upgrades ---

// HandleUpgradeCreate is POST /upgrade.
func (s *Server) HandleUpgradeCreate(w http.ResponseWriter, r *http.Request) {
	if !s.guardMutation(w) {
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if err := validateBody(upgradeCreateSchema, body); err != nil {
		WriteError(w, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	var req upgrade.CreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
		return
	}
	if req.ProposedBy == "" {
		req.ProposedBy = auth.PrincipalFrom(r.Context()).ID
	}
	u, err := s.upgrades.Create(r.Context(), req)
	if err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]any{"ok": true, "upgrade": u})
}

// HandleUpgradeGet is GET /upgrade/{id}.
func (s *Server) HandleUpgradeGet(w http.ResponseWriter, r *http.Request) {
	u, err := s.upgrades.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	approvals, err := s.upgrades.Approvals(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"ok": true, "upgrade": u, "approvals": approvals,
	})
}

// HandleUpgradeApprove is POST /upgrade/{id}/approve.
func (s *Server) HandleUpgradeApprove(w http.ResponseWriter, r *http.Request) {
	if !s.guardMutation(w) {
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if err := validateBody(upgradeApproveSchema, body); err != nil {
		WriteError(w, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	var req upgrade.ApproveRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
		return
	}
	u, err := s.upgrades.Approve(r.Context(), r.PathValue("id"), req)
	if err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "upgrade": u})
}

type upgradeApplyRequest struct {
	Emergency bool `json:"emergency,omitempty"`
}

// HandleUpgradeApply is POST /upgrade/{id}/apply. With emergency=true the
// break-glass path runs, gated on the principal's roles.
func (s *Server) HandleUpgradeApply(w http.ResponseWriter, r *http.Request) {
	if !s.guardMutation(w) {
		return
	}
	var req upgradeApplyRequest
	if body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.bodyLimit)); err == nil && len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			WriteError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
			return
		}
	}
	principal := auth.PrincipalFrom(r.Context())

	var u upgrade.Upgrade
	var err error
	if req.Emergency {
		u, err = s.upgrades.ApplyEmergency(r.Context(), r.PathValue("id"), principal.ID, principal.Roles)
	} else {
		u, err = s.upgrades.Apply(r.Context(), r.PathValue("id"), principal.ID)
	}
	if err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "upgrade": u})
}

// --- Audit ---

// HandleAuditVerify is GET /audit/verify?shard=&from=&to=. A detected break
// flips the server into read-only mode.
func (s *Server) HandleAuditVerify(w http.ResponseWriter, r *http.Request) {
	shard := r.URL.Query().Get("shard")
	if shard == "" {
		shard = audit.ShardLedger
	}
	from := queryInt64(r, "from")
	to := queryInt64(r, "to")

	if err := s.chain.VerifyRange(r.Context(), shard, from, to); err != nil {
		var broken *audit.BrokenChainError
		if errors.As(err, &broken) {
			s.SetReadOnly(true)
			s.logger.Error("audit chain broken; entering read-only mode",
				"shard", shard, "event", broken.EventID, "reason", broken.Reason)
			WriteJSON(w, http.StatusOK, map[string]any{
				"ok": false,
				"error": &ErrorBody{
					Code:    CodeChainBroken,
					Message: broken.Error(),
					Details: map[string]string{"event_id": broken.EventID},
				},
			})
			return
		}
		WriteDomainError(w, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "shard": shard, "verified": true})
}

// HandleAuditEvents is GET /audit/events?shard=&from=&to=.
func (s *Server) HandleAuditEvents(w http.ResponseWriter, r *http.Request) {
	shard := r.URL.Query().Get("shard")
	if shard == "" {
		shard = audit.ShardLedger
	}
	events, err := s.chain.Events(r.Context(), shard, queryInt64(r, "from"), queryInt64(r, "to"))
	if err != nil {
		WriteDomainError(w, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "shard": shard, "events": events})
}

// HandleHealthz is GET /healthz.
func (s *Server) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.logger.Error("health check failed", "error", err)
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
				"ok":        false,
				"read_only": s.ReadOnly(),
				"ts":        time.Now().UTC(),
				"error": map[string]any{
					"code":    CodeInternal,
					"message": "dependency check failed",
				},
			})
			return
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"read_only": s.ReadOnly(),
		"ts":        time.Now().UTC(),
	})
}

// Routes builds the mux with the full middleware stack.
func (s *Server) Routes(idempotency IdempotencyStore, limiter LimiterStore, metrics RequestMetrics) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /ledger/post", s.HandleLedgerPost)
	mux.HandleFunc("POST /ledger/{journal_id}/reverse", s.HandleLedgerReverse)
	mux.HandleFunc("GET /ledger/{journal_id}", s.HandleLedgerGet)
	mux.HandleFunc("GET /ledger/accounts/{account_id}/balance", s.HandleBalance)

	mux.HandleFunc("POST /proofs/generate", s.HandleProofGenerate)
	mux.HandleFunc("GET /proofs/{id}", s.HandleProofGet)

	mux.HandleFunc("POST /policy", s.HandlePolicyCreate)
	mux.HandleFunc("GET /policy", s.HandlePolicyList)
	mux.HandleFunc("GET /policy/{id}", s.HandlePolicyGet)
	mux.HandleFunc("PATCH /policy/{id}/state", s.HandlePolicyState)
	mux.HandleFunc("GET /policy/{id}/history", s.HandlePolicyHistory)

	mux.HandleFunc("POST /sentinel/check", s.HandleSentinelCheck)

	mux.HandleFunc("POST /upgrade", s.HandleUpgradeCreate)
	mux.HandleFunc("GET /upgrade/{id}", s.HandleUpgradeGet)
	mux.HandleFunc("POST /upgrade/{id}/approve", s.HandleUpgradeApprove)
	mux.HandleFunc("POST /upgrade/{id}/apply", s.HandleUpgradeApply)

	mux.HandleFunc("GET /audit/verify", s.HandleAuditVerify)
	mux.HandleFunc("GET /audit/events", s.HandleAuditEvents)
	mux.HandleFunc("GET /healthz", s.HandleHealthz)

	return Chain(mux,
		RecoverMiddleware(s.logger),
		RequestIDMiddleware,
		ActorMiddleware,
		LoggingMiddleware(s.logger),
		MetricsMiddleware(metrics),
		RateLimitMiddleware(limiter),
		IdempotencyMiddleware(idempotency, s.bodyLimit, s.logger),
	)
}

func queryInt64(r *http.Request, name string) int64 {
	v, _ := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	return v
}
