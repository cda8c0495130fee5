package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"AgentPay-Chain/internal/agent"
	"AgentPay-Chain/internal/audit"
	"AgentPay-Chain/internal/budget"
	"AgentPay-Chain/internal/proposal"
)

const testOwner = "0x52908400098527886E0F7030069857D2E4169EE7"

type serverFixture struct {
	server  *Server
	agents  *agent.Service
	handler http.Handler
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	agents := agent.NewService(agent.NewMemoryStore())
	server, err := NewServer(Config{
		Agents:    agents,
		Budgets:   budget.NewService(budget.NewMemoryStore()),
		Proposals: proposal.NewService(proposal.NewMemoryStore()),
		Audits:    audit.NewService(audit.NewMemoryStore()),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &serverFixture{server: server, agents: agents, handler: server.Handler()}
}

func (f *serverFixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func ownerHeaders() map[string]string {
	return map[string]string{OwnerHeader: testOwner}
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestAgentLifecycleOverHTTP(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/agents", map[string]any{
		"name": "treasury-bot",
		"type": "assistant",
	}, ownerHeaders())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create agent: got %d want %d: %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	var created agentCreateResponse
	decodeJSON(t, rec, &created)
	if created.APIKey == "" {
		t.Fatal("expected plaintext api key in create response")
	}
	if created.Agent.Status != agent.StatusActive {
		t.Fatalf("unexpected status: %s", created.Agent.Status)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/agents/"+created.Agent.ID, nil, ownerHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("get agent: got %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodDelete, "/api/v1/agents/"+created.Agent.ID, nil, ownerHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("deactivate agent: got %d: %s", rec.Code, rec.Body.String())
	}
	var deactivated agent.Agent
	if err := json.Unmarshal(rec.Body.Bytes(), &deactivated); err != nil {
		t.Fatalf("decode deactivated agent: %v", err)
	}
	if deactivated.Status != agent.StatusDeactivated {
		t.Fatalf("expected deactivated agent in response, got %s", deactivated.Status)
	}
}

func TestOwnerHeaderRequired(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/agents", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing header: got %d want %d", rec.Code, http.StatusBadRequest)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/agents", nil, map[string]string{
		OwnerHeader: "not-an-address",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed header: got %d want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestAgentGetNotFoundMapsTo404(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/agents/missing", nil, ownerHeaders())
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got %d want %d", rec.Code, http.StatusNotFound)
	}
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decodeJSON(t, rec, &body)
	if body.Error.Code != "AGENT_NOT_FOUND" {
		t.Fatalf("unexpected error code: %q", body.Error.Code)
	}
}

func TestProposalSubmissionRequiresAPIKey(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/proposals", map[string]any{
		"recipient_address": "0x000000000000000000000000000000000000dEaD",
		"amount":            "1",
		"token":             "USDC",
		"chain_id":          1,
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("got %d want %d: %s", rec.Code, http.StatusUnauthorized, rec.Body.String())
	}
}

func TestProposalSubmitAndApproveFlow(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/agents", map[string]any{
		"name": "payer",
	}, ownerHeaders())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create agent: %d: %s", rec.Code, rec.Body.String())
	}
	var created agentCreateResponse
	decodeJSON(t, rec, &created)

	rec = f.do(t, http.MethodPost, "/api/v1/proposals", map[string]any{
		"recipient_address": "0x000000000000000000000000000000000000dEaD",
		"amount":            "25.5",
		"token":             "USDC",
		"chain_id":          1,
		"reason":            "invoice 42",
	}, map[string]string{"X-API-Key": created.APIKey})
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit proposal: %d: %s", rec.Code, rec.Body.String())
	}
	var submitted proposalCreateResponse
	decodeJSON(t, rec, &submitted)
	if submitted.Proposal.Status != proposal.StatusPending {
		t.Fatalf("unexpected status: %s", submitted.Proposal.Status)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/proposals/pending-count", nil, ownerHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("pending count: %d", rec.Code)
	}
	var count struct {
		Pending int64 `json:"pending"`
	}
	decodeJSON(t, rec, &count)
	if count.Pending != 1 {
		t.Fatalf("pending count = %d, want 1", count.Pending)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/proposals/"+submitted.Proposal.ID+"/approve", nil, ownerHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: %d: %s", rec.Code, rec.Body.String())
	}
	var approved proposal.PaymentProposal
	decodeJSON(t, rec, &approved)
	if approved.Status != proposal.StatusApproved {
		t.Fatalf("status after approve = %s", approved.Status)
	}

	// 已批准的提案不能再次批准。
	rec = f.do(t, http.MethodPost, "/api/v1/proposals/"+submitted.Proposal.ID+"/approve", nil, ownerHeaders())
	if rec.Code != http.StatusConflict {
		t.Fatalf("double approve: got %d want %d", rec.Code, http.StatusConflict)
	}
}

func TestProposalListFiltersByStatus(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/agents", map[string]any{"name": "payer"}, ownerHeaders())
	var created agentCreateResponse
	decodeJSON(t, rec, &created)
	key := map[string]string{"X-API-Key": created.APIKey}

	for range 3 {
		rec = f.do(t, http.MethodPost, "/api/v1/proposals", map[string]any{
			"recipient_address": "0x000000000000000000000000000000000000dEaD",
			"amount":            "1",
			"token":             "USDC",
			"chain_id":          1,
		}, key)
		if rec.Code != http.StatusCreated {
			t.Fatalf("submit proposal: %d: %s", rec.Code, rec.Body.String())
		}
	}

	rec = f.do(t, http.MethodGet, "/api/v1/proposals?status=pending", nil, ownerHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d: %s", rec.Code, rec.Body.String())
	}
	var listed struct {
		Proposals []*proposal.PaymentProposal `json:"proposals"`
	}
	decodeJSON(t, rec, &listed)
	if len(listed.Proposals) != 3 {
		t.Fatalf("listed %d proposals, want 3", len(listed.Proposals))
	}

	rec = f.do(t, http.MethodGet, "/api/v1/proposals?status=executed", nil, ownerHeaders())
	decodeJSON(t, rec, &listed)
	if len(listed.Proposals) != 0 {
		t.Fatalf("listed %d executed proposals, want 0", len(listed.Proposals))
	}

	rec = f.do(t, http.MethodGet, "/api/v1/proposals?status=bogus", nil, ownerHeaders())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus status: got %d want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestBudgetEndpoints(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/budgets", map[string]any{
		"agent_id": "agent-1",
		"amount":   "100",
		"token":    "USDC",
		"chain_id": 1,
		"period":   "monthly",
	}, ownerHeaders())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create budget: %d: %s", rec.Code, rec.Body.String())
	}
	var b budget.Budget
	decodeJSON(t, rec, &b)

	rec = f.do(t, http.MethodPost, "/api/v1/budgets/check-availability", map[string]any{
		"agent_id": "agent-1",
		"amount":   "40",
		"token":    "USDC",
		"chain_id": 1,
	}, ownerHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("check availability: %d: %s", rec.Code, rec.Body.String())
	}
	var check struct {
		Available bool   `json:"available"`
		Reason    string `json:"reason"`
	}
	decodeJSON(t, rec, &check)
	if !check.Available {
		t.Fatalf("expected availability, got reason %q", check.Reason)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/budgets/"+b.ID+"/utilization", nil, ownerHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("utilization: %d: %s", rec.Code, rec.Body.String())
	}
	var u budget.Utilization
	decodeJSON(t, rec, &u)
	if u.Percent != 0 {
		t.Fatalf("fresh budget utilization = %f, want 0", u.Percent)
	}
}

func TestPauseAllSuspendsAgents(t *testing.T) {
	f := newServerFixture(t)

	for _, name := range []string{"a", "b"} {
		rec := f.do(t, http.MethodPost, "/api/v1/agents", map[string]any{"name": name}, ownerHeaders())
		if rec.Code != http.StatusCreated {
			t.Fatalf("create agent %s: %d", name, rec.Code)
		}
	}

	rec := f.do(t, http.MethodPost, "/api/v1/agents/pause-all", nil, ownerHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("pause-all: %d: %s", rec.Code, rec.Body.String())
	}
	var paused struct {
		Paused int `json:"paused"`
	}
	decodeJSON(t, rec, &paused)
	if paused.Paused != 2 {
		t.Fatalf("paused %d agents, want 2", paused.Paused)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/agents/resume-all", nil, ownerHeaders())
	var resumed struct {
		Resumed int `json:"resumed"`
	}
	decodeJSON(t, rec, &resumed)
	if resumed.Resumed != 2 {
		t.Fatalf("resumed %d agents, want 2", resumed.Resumed)
	}
}

func TestPaymentEndpointsUnavailableWithoutService(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/payments/authorize", map[string]any{
		"proposal_id": "p-1",
	}, ownerHeaders())
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got %d want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestAuditTrailRecordsOwnerActions(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/agents", map[string]any{"name": "payer"}, ownerHeaders())
	var created agentCreateResponse
	decodeJSON(t, rec, &created)

	rec = f.do(t, http.MethodGet, "/api/v1/audit?resource_type=agent", nil, ownerHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("audit query: %d: %s", rec.Code, rec.Body.String())
	}
	var logs struct {
		Entries []*audit.Entry `json:"entries"`
	}
	decodeJSON(t, rec, &logs)
	if len(logs.Entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(logs.Entries))
	}
	if logs.Entries[0].Action != "agent.created" {
		t.Fatalf("unexpected action: %q", logs.Entries[0].Action)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
}
