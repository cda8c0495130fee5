package rules

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"AgentPay-Chain/internal/agent"
	"AgentPay-Chain/internal/budget"
	"AgentPay-Chain/internal/notify"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/proposal"
)

const (
	testOwner     = "0x00000000000000000000000000000000000000aa"
	testRecipient = "0x00000000000000000000000000000000000000bb"
	testSignerKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (d *recordingDispatcher) Notify(_ context.Context, n notify.Notification) error {
	d.mu.Lock()
	d.notes = append(d.notes, n)
	d.mu.Unlock()
	return nil
}

func (d *recordingDispatcher) last() (notify.Notification, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.notes) == 0 {
		return notify.Notification{}, false
	}
	return d.notes[len(d.notes)-1], true
}

type failingSubmitter struct{ err error }

func (f *failingSubmitter) Submit(_ context.Context, _ *payment.Authorization) (*payment.Receipt, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &payment.Receipt{TxHash: "0xabc123", GasUsed: 21000, BlockNumber: 7}, nil
}

type engineFixture struct {
	agents    *agent.Service
	budgets   *budget.Service
	proposals *proposal.Service
	engine    *Engine
	notifier  *recordingDispatcher
	submitter *failingSubmitter
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	agents := agent.NewService(agent.NewMemoryStore())
	budgets := budget.NewService(budget.NewMemoryStore())
	proposals := proposal.NewService(proposal.NewMemoryStore())

	signer, err := payment.NewSigner(testSignerKey)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	submitter := &failingSubmitter{}
	payments, err := payment.NewService(payment.NewMemoryStore(), proposals, signer, submitter)
	if err != nil {
		t.Fatalf("new payment service: %v", err)
	}

	notifier := &recordingDispatcher{}
	return &engineFixture{
		agents:    agents,
		budgets:   budgets,
		proposals: proposals,
		engine:    NewEngine(agents, proposals, budgets, payments, notifier),
		notifier:  notifier,
		submitter: submitter,
	}
}

func (f *engineFixture) registerAgent(t *testing.T, input agent.CreateInput) *agent.Agent {
	t.Helper()
	if input.OwnerAddress == "" {
		input.OwnerAddress = testOwner
	}
	if input.Name == "" {
		input.Name = "auto-payer"
	}
	ag, _, err := f.agents.Create(context.Background(), input)
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return ag
}

func (f *engineFixture) submitProposal(t *testing.T, agentID, amount string, chainID int64, budgetID string) *proposal.PaymentProposal {
	t.Helper()
	p, err := f.proposals.Create(context.Background(), proposal.CreateInput{
		AgentID:          agentID,
		AgentName:        "auto-payer",
		OwnerAddress:     testOwner,
		RecipientAddress: testRecipient,
		Amount:           amount,
		Token:            "USDC",
		ChainID:          chainID,
		Reason:           "subscription",
		BudgetID:         budgetID,
	})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	return p
}

func (f *engineFixture) createBudget(t *testing.T, agentID, amount string, chainID int64) *budget.Budget {
	t.Helper()
	b, err := f.budgets.Create(context.Background(), budget.CreateInput{
		AgentID:      agentID,
		OwnerAddress: testOwner,
		Amount:       amount,
		Token:        "USDC",
		ChainID:      chainID,
		Period:       budget.PeriodMonthly,
	})
	if err != nil {
		t.Fatalf("create budget: %v", err)
	}
	return b
}

func TestCheckRulesCollectsAllViolations(t *testing.T) {
	ag := &agent.Agent{
		AutoExecuteRules: &agent.AutoExecuteRules{
			MaxSingleAmount:   "10",
			AllowedTokens:     []string{"DAI"},
			AllowedRecipients: []string{"0x00000000000000000000000000000000000000cc"},
			AllowedChains:     []int64{1},
		},
	}
	p := &proposal.PaymentProposal{
		Amount:           "50",
		Token:            "USDC",
		RecipientAddress: testRecipient,
		ChainID:          137,
	}

	violations := CheckRules(ag, p)
	if len(violations) != 4 {
		t.Fatalf("expected all 4 violations collected, got %d: %v", len(violations), violations)
	}
}

func TestCheckRulesCaseInsensitiveMatches(t *testing.T) {
	ag := &agent.Agent{
		AutoExecuteRules: &agent.AutoExecuteRules{
			AllowedTokens:     []string{"usdc"},
			AllowedRecipients: []string{strings.ToUpper(testRecipient)},
		},
	}
	p := &proposal.PaymentProposal{
		Amount:           "5",
		Token:            "USDC",
		RecipientAddress: testRecipient,
		ChainID:          1,
	}

	if violations := CheckRules(ag, p); len(violations) != 0 {
		t.Fatalf("expected case-insensitive matches to pass, got %v", violations)
	}
}

func TestCheckRulesNilRulesUnrestricted(t *testing.T) {
	p := &proposal.PaymentProposal{Amount: "1000000", Token: "WETH", ChainID: 42}
	if violations := CheckRules(&agent.Agent{}, p); violations != nil {
		t.Fatalf("expected no violations without rules, got %v", violations)
	}
}

func TestProcessProposalManualPathWhenAutoExecDisabled(t *testing.T) {
	f := newEngineFixture(t)
	ag := f.registerAgent(t, agent.CreateInput{AutoExecuteEnabled: false})
	p := f.submitProposal(t, ag.ID, "10", 1, "")

	outcome, err := f.engine.ProcessProposal(context.Background(), p)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome.Executed {
		t.Fatal("expected manual path for disabled auto-exec")
	}
	if !strings.Contains(outcome.Reason, "disabled") {
		t.Fatalf("expected disabled reason, got %q", outcome.Reason)
	}

	got, err := f.proposals.Get(context.Background(), p.ID, testOwner)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if got.Status != proposal.StatusPending {
		t.Fatalf("expected proposal untouched, got %s", got.Status)
	}

	// 人工路径同样要提醒所有者审批。
	note, ok := f.notifier.last()
	if !ok {
		t.Fatal("expected owner notification on manual path")
	}
	if note.Type != notify.TypeProposalPending {
		t.Fatalf("expected pending notification, got %s", note.Type)
	}
	if note.OwnerAddress != testOwner {
		t.Fatalf("expected notification addressed to owner, got %q", note.OwnerAddress)
	}
}

func TestProcessProposalManualPathWhenAgentPaused(t *testing.T) {
	f := newEngineFixture(t)
	ag := f.registerAgent(t, agent.CreateInput{AutoExecuteEnabled: true})
	if _, err := f.agents.PauseAll(context.Background(), testOwner); err != nil {
		t.Fatalf("pause all: %v", err)
	}
	p := f.submitProposal(t, ag.ID, "10", 1, "")

	outcome, err := f.engine.ProcessProposal(context.Background(), p)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome.Executed {
		t.Fatal("expected manual path while paused")
	}
	if !strings.Contains(outcome.Reason, "paused") {
		t.Fatalf("expected paused reason, got %q", outcome.Reason)
	}

	note, ok := f.notifier.last()
	if !ok || note.Type != notify.TypeProposalPending {
		t.Fatalf("expected pending notification while paused, got %+v", note)
	}
}

func TestProcessProposalRuleViolationLeavesPending(t *testing.T) {
	f := newEngineFixture(t)
	ag := f.registerAgent(t, agent.CreateInput{
		AutoExecuteEnabled: true,
		AutoExecuteRules:   &agent.AutoExecuteRules{MaxSingleAmount: "5"},
	})
	f.createBudget(t, ag.ID, "100", 0)
	p := f.submitProposal(t, ag.ID, "50", 1, "")

	outcome, err := f.engine.ProcessProposal(context.Background(), p)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome.Executed {
		t.Fatal("expected rule violation to block execution")
	}
	if !strings.HasPrefix(outcome.Reason, "Rule violations: ") {
		t.Fatalf("unexpected reason %q", outcome.Reason)
	}

	note, ok := f.notifier.last()
	if !ok {
		t.Fatal("expected owner notification")
	}
	if note.Type != notify.TypeProposalPending {
		t.Fatalf("expected pending notification, got %s", note.Type)
	}
	if !strings.HasPrefix(note.Message, "Rule violations: ") {
		t.Fatalf("unexpected notification message %q", note.Message)
	}

	got, _ := f.proposals.Get(context.Background(), p.ID, testOwner)
	if got.Status != proposal.StatusPending {
		t.Fatalf("expected proposal pending, got %s", got.Status)
	}
}

func TestProcessProposalInsufficientBudgetLeavesPending(t *testing.T) {
	f := newEngineFixture(t)
	ag := f.registerAgent(t, agent.CreateInput{AutoExecuteEnabled: true})
	f.createBudget(t, ag.ID, "5", 0)
	p := f.submitProposal(t, ag.ID, "50", 1, "")

	outcome, err := f.engine.ProcessProposal(context.Background(), p)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome.Executed {
		t.Fatal("expected budget gate to block execution")
	}
	if outcome.Reason != "Manual approval needed: insufficient budget" {
		t.Fatalf("unexpected reason %q", outcome.Reason)
	}
}

func TestProcessProposalNoBudgetFailsClosed(t *testing.T) {
	f := newEngineFixture(t)
	ag := f.registerAgent(t, agent.CreateInput{AutoExecuteEnabled: true})
	p := f.submitProposal(t, ag.ID, "50", 1, "")

	outcome, err := f.engine.ProcessProposal(context.Background(), p)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome.Executed {
		t.Fatal("expected missing budget to fail closed")
	}
	if outcome.Reason != "Manual approval needed: no budget found" {
		t.Fatalf("unexpected reason %q", outcome.Reason)
	}
}

func TestProcessProposalAutoExecutesAndDeducts(t *testing.T) {
	f := newEngineFixture(t)
	ag := f.registerAgent(t, agent.CreateInput{
		AutoExecuteEnabled: true,
		AutoExecuteRules:   &agent.AutoExecuteRules{MaxSingleAmount: "100"},
	})
	b := f.createBudget(t, ag.ID, "100", 0)
	p := f.submitProposal(t, ag.ID, "40", 1, b.ID)

	outcome, err := f.engine.ProcessProposal(context.Background(), p)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !outcome.Executed {
		t.Fatalf("expected auto execution, reason=%q", outcome.Reason)
	}
	if outcome.TxHash != "0xabc123" {
		t.Fatalf("unexpected tx hash %q", outcome.TxHash)
	}

	got, err := f.proposals.Get(context.Background(), p.ID, testOwner)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if got.Status != proposal.StatusExecuted {
		t.Fatalf("expected executed proposal, got %s", got.Status)
	}
	if got.TxHash != "0xabc123" {
		t.Fatalf("expected tx hash stamped, got %q", got.TxHash)
	}

	updated, err := f.budgets.Get(context.Background(), b.ID, testOwner)
	if err != nil {
		t.Fatalf("get budget: %v", err)
	}
	if updated.UsedAmount != "40" {
		t.Fatalf("expected 40 deducted, got used=%s", updated.UsedAmount)
	}

	note, ok := f.notifier.last()
	if !ok || note.Type != notify.TypeAutoExecuted {
		t.Fatalf("expected auto-executed notification, got %+v", note)
	}
}

func TestProcessProposalExecutionFailureMarksFailed(t *testing.T) {
	f := newEngineFixture(t)
	f.submitter.err = errors.New("rpc node unreachable")
	ag := f.registerAgent(t, agent.CreateInput{AutoExecuteEnabled: true})
	b := f.createBudget(t, ag.ID, "100", 0)
	p := f.submitProposal(t, ag.ID, "40", 1, b.ID)

	outcome, err := f.engine.ProcessProposal(context.Background(), p)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome.Executed {
		t.Fatal("expected failed execution")
	}

	got, _ := f.proposals.Get(context.Background(), p.ID, testOwner)
	if got.Status != proposal.StatusFailed {
		t.Fatalf("expected failed proposal, got %s", got.Status)
	}

	// 失败的执行不扣减预算。
	updated, _ := f.budgets.Get(context.Background(), b.ID, testOwner)
	if updated.UsedAmount != "0" {
		t.Fatalf("expected no deduction on failure, got used=%s", updated.UsedAmount)
	}

	note, ok := f.notifier.last()
	if !ok || note.Type != notify.TypeProposalFailed {
		t.Fatalf("expected failure notification, got %+v", note)
	}
}
