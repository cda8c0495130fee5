package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"AgentPay-Chain/internal/agent"
	"AgentPay-Chain/internal/audit"
	"AgentPay-Chain/internal/budget"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/proposal"
	"AgentPay-Chain/internal/rules"
)

// ---- 智能体 ----

type agentCreateRequest struct {
	Name               string                  `json:"name"`
	Type               string                  `json:"type"`
	AutoExecuteEnabled bool                    `json:"auto_execute_enabled"`
	AutoExecuteRules   *agent.AutoExecuteRules `json:"auto_execute_rules,omitempty"`
	RateLimitPerMinute int                     `json:"rate_limit_per_minute,omitempty"`
	WebhookURL         string                  `json:"webhook_url,omitempty"`
	WebhookSecret      string                  `json:"webhook_secret,omitempty"`
}

type agentCreateResponse struct {
	Agent  *agent.Agent `json:"agent"`
	APIKey string       `json:"api_key"`
}

func (s *Server) handleAgentCreate(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req agentCreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	a, key, err := s.agents.Create(r.Context(), agent.CreateInput{
		OwnerAddress:       owner,
		Name:               req.Name,
		Type:               req.Type,
		AutoExecuteEnabled: req.AutoExecuteEnabled,
		AutoExecuteRules:   req.AutoExecuteRules,
		RateLimitPerMinute: req.RateLimitPerMinute,
		WebhookURL:         req.WebhookURL,
		WebhookSecret:      req.WebhookSecret,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.record(r.Context(), "agent.created", owner, "agent", a.ID, map[string]string{"name": a.Name})
	writeJSON(w, http.StatusCreated, agentCreateResponse{Agent: a, APIKey: key})
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	agents, err := s.agents.List(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	a, err := s.agents.Get(r.Context(), r.PathValue("id"), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type agentUpdateRequest struct {
	Name               *string                 `json:"name,omitempty"`
	Status             *string                 `json:"status,omitempty"`
	AutoExecuteEnabled *bool                   `json:"auto_execute_enabled,omitempty"`
	AutoExecuteRules   *agent.AutoExecuteRules `json:"auto_execute_rules,omitempty"`
	ClearRules         bool                    `json:"clear_rules,omitempty"`
	RateLimitPerMinute *int                    `json:"rate_limit_per_minute,omitempty"`
	WebhookURL         *string                 `json:"webhook_url,omitempty"`
	WebhookSecret      *string                 `json:"webhook_secret,omitempty"`
}

func (s *Server) handleAgentUpdate(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req agentUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	input := agent.UpdateInput{
		Name:               req.Name,
		AutoExecuteEnabled: req.AutoExecuteEnabled,
		AutoExecuteRules:   req.AutoExecuteRules,
		ClearRules:         req.ClearRules,
		RateLimitPerMinute: req.RateLimitPerMinute,
		WebhookURL:         req.WebhookURL,
		WebhookSecret:      req.WebhookSecret,
	}
	if req.Status != nil {
		status := agent.Status(*req.Status)
		input.Status = &status
	}
	a, err := s.agents.Update(r.Context(), r.PathValue("id"), owner, input)
	if err != nil {
		writeError(w, err)
		return
	}
	s.record(r.Context(), "agent.updated", owner, "agent", a.ID, nil)
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAgentDeactivate(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	a, err := s.agents.Deactivate(r.Context(), id, owner)
	if err != nil {
		writeError(w, err)
		return
	}
	s.record(r.Context(), "agent.deactivated", owner, "agent", id, nil)
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAgentPauseAll(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	count, err := s.agents.PauseAll(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	s.record(r.Context(), "agent.pause_all", owner, "agent", "", map[string]string{
		"paused": strconv.Itoa(count),
	})
	writeJSON(w, http.StatusOK, map[string]int{"paused": count})
}

func (s *Server) handleAgentResumeAll(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	count, err := s.agents.ResumeAll(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	s.record(r.Context(), "agent.resume_all", owner, "agent", "", map[string]string{
		"resumed": strconv.Itoa(count),
	})
	writeJSON(w, http.StatusOK, map[string]int{"resumed": count})
}

// ---- 预算 ----

type budgetCreateRequest struct {
	AgentID string `json:"agent_id"`
	Amount  string `json:"amount"`
	Token   string `json:"token"`
	ChainID int64  `json:"chain_id"`
	Period  string `json:"period"`
}

func (s *Server) handleBudgetCreate(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req budgetCreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	b, err := s.budgets.Create(r.Context(), budget.CreateInput{
		AgentID:      req.AgentID,
		OwnerAddress: owner,
		Amount:       req.Amount,
		Token:        req.Token,
		ChainID:      req.ChainID,
		Period:       budget.Period(req.Period),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.record(r.Context(), "budget.created", owner, "budget", b.ID, map[string]string{
		"agent_id": b.AgentID,
		"amount":   b.Amount,
	})
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleBudgetList(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	budgets, err := s.budgets.List(r.Context(), r.URL.Query().Get("agent_id"), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"budgets": budgets})
}

func (s *Server) handleBudgetGet(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	b, err := s.budgets.Get(r.Context(), r.PathValue("id"), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleBudgetUpdate(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Amount *string `json:"amount,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	b, err := s.budgets.Update(r.Context(), r.PathValue("id"), owner, budget.UpdateInput{Amount: req.Amount})
	if err != nil {
		writeError(w, err)
		return
	}
	s.record(r.Context(), "budget.updated", owner, "budget", b.ID, nil)
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleBudgetDelete(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if err := s.budgets.Delete(r.Context(), id, owner); err != nil {
		writeError(w, err)
		return
	}
	s.record(r.Context(), "budget.deleted", owner, "budget", id, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleBudgetCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
		Amount  string `json:"amount"`
		Token   string `json:"token"`
		ChainID int64  `json:"chain_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	availability, err := s.budgets.CheckAvailability(r.Context(), req.AgentID, req.Amount, req.Token, req.ChainID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"available": availability.Available,
		"reason":    availability.Reason,
		"budget":    availability.Budget,
	})
}

func (s *Server) handleBudgetUtilization(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	u, err := s.budgets.Utilization(r.Context(), r.PathValue("id"), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// ---- 提案 ----

type proposalCreateRequest struct {
	RecipientAddress string            `json:"recipient_address"`
	Amount           string            `json:"amount"`
	Token            string            `json:"token"`
	ChainID          int64             `json:"chain_id"`
	Reason           string            `json:"reason"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	BudgetID         string            `json:"budget_id,omitempty"`
}

func (r proposalCreateRequest) toInput(a *agent.Agent) proposal.CreateInput {
	return proposal.CreateInput{
		AgentID:          a.ID,
		AgentName:        a.Name,
		OwnerAddress:     a.OwnerAddress,
		RecipientAddress: r.RecipientAddress,
		Amount:           r.Amount,
		Token:            r.Token,
		ChainID:          r.ChainID,
		Reason:           r.Reason,
		Metadata:         r.Metadata,
		BudgetID:         r.BudgetID,
	}
}

type proposalCreateResponse struct {
	Proposal *proposal.PaymentProposal `json:"proposal"`
	Outcome  *rules.Outcome            `json:"outcome,omitempty"`
}

func (s *Server) handleProposalCreate(w http.ResponseWriter, r *http.Request) {
	caller, ok := agent.FromContext(r.Context())
	if !ok {
		writeError(w, xerrors.New(xerrors.CodePermissionDenied, "agent identity missing"))
		return
	}
	var req proposalCreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.proposals.Create(r.Context(), req.toInput(caller))
	if err != nil {
		writeError(w, err)
		return
	}
	resp := proposalCreateResponse{Proposal: p}
	if s.engine != nil {
		outcome, err := s.engine.ProcessProposal(r.Context(), p)
		if err != nil {
			writeError(w, err)
			return
		}
		resp.Outcome = outcome
		// 引擎可能已经推进了提案状态，返回最新快照。
		if refreshed, err := s.proposals.Get(r.Context(), p.ID, p.OwnerAddress); err == nil {
			resp.Proposal = refreshed
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleProposalCreateBatch(w http.ResponseWriter, r *http.Request) {
	caller, ok := agent.FromContext(r.Context())
	if !ok {
		writeError(w, xerrors.New(xerrors.CodePermissionDenied, "agent identity missing"))
		return
	}
	var req struct {
		Proposals []proposalCreateRequest `json:"proposals"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	inputs := make([]proposal.CreateInput, 0, len(req.Proposals))
	for _, item := range req.Proposals {
		inputs = append(inputs, item.toInput(caller))
	}
	proposals, err := s.proposals.CreateBatch(r.Context(), inputs)
	if err != nil {
		writeError(w, err)
		return
	}
	results := make([]proposalCreateResponse, 0, len(proposals))
	for _, p := range proposals {
		item := proposalCreateResponse{Proposal: p}
		if s.engine != nil {
			outcome, err := s.engine.ProcessProposal(r.Context(), p)
			if err != nil {
				writeError(w, err)
				return
			}
			item.Outcome = outcome
			if refreshed, err := s.proposals.Get(r.Context(), p.ID, p.OwnerAddress); err == nil {
				item.Proposal = refreshed
			}
		}
		results = append(results, item)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"proposals": results})
}

func (s *Server) handleProposalList(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	query := r.URL.Query()
	opts := proposal.ListOptions{
		Owner:   owner,
		AgentID: query.Get("agent_id"),
		Limit:   intQuery(query.Get("limit")),
		Offset:  intQuery(query.Get("offset")),
	}
	if raw := query.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := proposal.Status(strings.TrimSpace(part))
			if !proposal.IsValidStatus(status) {
				writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "unknown proposal status "+string(status)))
				return
			}
			opts.Statuses = append(opts.Statuses, status)
		}
	}
	if query.Get("order") == "asc" {
		opts.Order = proposal.SortByCreatedAsc
	}
	proposals, err := s.proposals.List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": proposals})
}

func (s *Server) handleProposalPendingCount(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	count, err := s.proposals.PendingCount(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"pending": count})
}

func (s *Server) handleProposalGet(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := s.proposals.Get(r.Context(), r.PathValue("id"), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProposalApprove(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := s.proposals.Approve(r.Context(), r.PathValue("id"), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	s.record(r.Context(), "proposal.approved", owner, "proposal", p.ID, map[string]string{
		"agent_id": p.AgentID,
		"amount":   p.Amount,
	})
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProposalReject(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.proposals.Reject(r.Context(), r.PathValue("id"), owner, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	s.record(r.Context(), "proposal.rejected", owner, "proposal", p.ID, map[string]string{
		"agent_id": p.AgentID,
		"reason":   req.Reason,
	})
	writeJSON(w, http.StatusOK, p)
}

// ---- 支付授权 ----

func (s *Server) handlePaymentAuthorize(w http.ResponseWriter, r *http.Request) {
	if s.payments == nil {
		writeError(w, xerrors.New(xerrors.CodeUnavailable, "payment service is not configured"))
		return
	}
	owner, err := ownerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		ProposalID string `json:"proposal_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	auth, err := s.payments.GenerateAuthorization(r.Context(), req.ProposalID, owner)
	if err != nil {
		writeError(w, err)
		return
	}
	s.record(r.Context(), "payment.authorized", owner, "authorization", auth.ID, map[string]string{
		"proposal_id": auth.ProposalID,
	})
	writeJSON(w, http.StatusCreated, auth)
}

func (s *Server) handlePaymentSign(w http.ResponseWriter, r *http.Request) {
	if s.payments == nil {
		writeError(w, xerrors.New(xerrors.CodeUnavailable, "payment service is not configured"))
		return
	}
	owner, err := ownerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	auth, err := s.payments.SignAuthorization(r.Context(), r.PathValue("id"), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auth)
}

func (s *Server) handlePaymentExecute(w http.ResponseWriter, r *http.Request) {
	if s.payments == nil {
		writeError(w, xerrors.New(xerrors.CodeUnavailable, "payment service is not configured"))
		return
	}
	owner, err := ownerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	receipt, err := s.payments.ExecutePayment(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.record(r.Context(), "payment.executed", owner, "authorization", id, map[string]string{
		"tx_hash": receipt.TxHash,
	})
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handlePaymentProcess(w http.ResponseWriter, r *http.Request) {
	if s.payments == nil {
		writeError(w, xerrors.New(xerrors.CodeUnavailable, "payment service is not configured"))
		return
	}
	owner, err := ownerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		ProposalID string `json:"proposal_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	receipt, err := s.payments.ProcessProposalPayment(r.Context(), req.ProposalID, owner)
	if err != nil {
		writeError(w, err)
		return
	}
	s.record(r.Context(), "payment.processed", owner, "proposal", req.ProposalID, map[string]string{
		"tx_hash": receipt.TxHash,
	})
	writeJSON(w, http.StatusOK, receipt)
}

// ---- 投递记录与审计 ----

func (s *Server) handleWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	if s.webhooks == nil {
		writeError(w, xerrors.New(xerrors.CodeUnavailable, "webhook service is not configured"))
		return
	}
	if _, err := ownerFromRequest(r); err != nil {
		writeError(w, err)
		return
	}
	query := r.URL.Query()
	deliveries, err := s.webhooks.Deliveries(r.Context(),
		query.Get("agent_id"), intQuery(query.Get("limit")), intQuery(query.Get("offset")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}

func (s *Server) handleWebhookPendingRetries(w http.ResponseWriter, r *http.Request) {
	if s.webhooks == nil {
		writeError(w, xerrors.New(xerrors.CodeUnavailable, "webhook service is not configured"))
		return
	}
	if _, err := ownerFromRequest(r); err != nil {
		writeError(w, err)
		return
	}
	limit := intQuery(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	deliveries, err := s.webhooks.PendingRetries(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if s.audits == nil {
		writeError(w, xerrors.New(xerrors.CodeUnavailable, "audit service is not configured"))
		return
	}
	if _, err := ownerFromRequest(r); err != nil {
		writeError(w, err)
		return
	}
	query := r.URL.Query()
	entries, err := s.audits.Logs(r.Context(), audit.Query{
		ResourceType: query.Get("resource_type"),
		ResourceID:   query.Get("resource_id"),
		ActorID:      query.Get("actor_id"),
		Limit:        intQuery(query.Get("limit")),
		Offset:       intQuery(query.Get("offset")),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// record 把所有者操作写入审计日志，审计服务缺席时跳过。
func (s *Server) record(ctx context.Context, action, owner, resourceType, resourceID string, details map[string]string) {
	if s.audits == nil {
		return
	}
	_ = s.audits.Record(ctx, action, audit.ActorOwner, owner, resourceType, resourceID, details)
}

func intQuery(raw string) int {
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return value
}
