package agentpay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSubmitProposalSendsAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/proposals" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if r.Header.Get(apiKeyHeader) != "ak_test" {
			t.Fatalf("missing api key header, got %q", r.Header.Get(apiKeyHeader))
		}
		var submission ProposalSubmission
		if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
			t.Fatalf("decode submission: %v", err)
		}
		if submission.Amount != "25.5" {
			t.Fatalf("unexpected amount: %s", submission.Amount)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(SubmissionResult{
			Proposal: &Proposal{ID: "p-1", Status: "pending", Amount: submission.Amount},
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAPIKey("ak_test")

	result, err := client.SubmitProposal(context.Background(), ProposalSubmission{
		RecipientAddress: "0x000000000000000000000000000000000000dEaD",
		Amount:           "25.5",
		Token:            "USDC",
		ChainID:          1,
	})
	if err != nil {
		t.Fatalf("submit proposal: %v", err)
	}
	if result.Proposal.ID != "p-1" {
		t.Fatalf("unexpected proposal id: %s", result.Proposal.ID)
	}
}

func TestSubmitProposalRequiresAPIKey(t *testing.T) {
	client, err := NewClient("http://localhost:1", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.SubmitProposal(context.Background(), ProposalSubmission{}); err == nil {
		t.Fatal("expected error when api key is not set")
	}
}

func TestApproveProposalSendsOwnerHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/proposals/p-1/approve" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get(ownerHeader) == "" {
			t.Fatal("missing owner header")
		}
		_ = json.NewEncoder(w).Encode(Proposal{ID: "p-1", Status: "approved"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetOwnerAddress("0x52908400098527886E0F7030069857D2E4169EE7")

	p, err := client.ApproveProposal(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("approve proposal: %v", err)
	}
	if p.Status != "approved" {
		t.Fatalf("unexpected status: %s", p.Status)
	}
}

func TestWaitForProposalStopsAtTerminalState(t *testing.T) {
	statuses := []string{"pending", "executing", "executed"}
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := statuses[min(calls, len(statuses)-1)]
		calls++
		_ = json.NewEncoder(w).Encode(Proposal{ID: "p-1", Status: status, TxHash: "0xabc"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetOwnerAddress("0x52908400098527886E0F7030069857D2E4169EE7")

	p, err := client.WaitForProposal(context.Background(), "p-1", time.Millisecond)
	if err != nil {
		t.Fatalf("wait for proposal: %v", err)
	}
	if p.Status != StatusExecuted {
		t.Fatalf("unexpected final status: %s", p.Status)
	}
	if calls != 3 {
		t.Fatalf("expected 3 polls, got %d", calls)
	}
}

func TestErrorResponseDecodesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{
				"code":    "PROPOSAL_NOT_FOUND",
				"message": "proposal not found",
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetOwnerAddress("0x52908400098527886E0F7030069857D2E4169EE7")

	_, err = client.GetProposal(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "PROPOSAL_NOT_FOUND" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}
