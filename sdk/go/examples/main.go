package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"AgentPay-Chain/sdk/go/agentpay"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/proposals", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(agentpay.SubmissionResult{
			Proposal: &agentpay.Proposal{ID: "proposal-demo", Status: "pending", Amount: "25.5"},
			Outcome:  &agentpay.Outcome{Executed: false, Reason: "auto-execute disabled"},
		})
	})
	mux.HandleFunc("POST /api/v1/proposals/proposal-demo/approve", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentpay.Proposal{ID: "proposal-demo", Status: "approved"})
	})
	mux.HandleFunc("GET /api/v1/proposals/proposal-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentpay.Proposal{
			ID:     "proposal-demo",
			Status: agentpay.StatusExecuted,
			TxHash: "0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060",
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := agentpay.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}
	client.SetAPIKey("ak_demo_key")
	client.SetOwnerAddress("0x52908400098527886E0F7030069857D2E4169EE7")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := client.SubmitProposal(ctx, agentpay.ProposalSubmission{
		RecipientAddress: "0x000000000000000000000000000000000000dEaD",
		Amount:           "25.5",
		Token:            "USDC",
		ChainID:          1,
		Reason:           "invoice 42",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted proposal %s (status=%s, outcome=%q)\n",
		result.Proposal.ID, result.Proposal.Status, result.Outcome.Reason)

	approved, err := client.ApproveProposal(ctx, result.Proposal.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("approved proposal %s (status=%s)\n", approved.ID, approved.Status)

	final, err := client.WaitForProposal(ctx, result.Proposal.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("proposal %s finished with status=%s tx=%s\n", final.ID, final.Status, final.TxHash)
}
