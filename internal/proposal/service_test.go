package proposal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

const (
	testOwner     = "0x00000000000000000000000000000000000000AA"
	testRecipient = "0x00000000000000000000000000000000000000CC"
)

func validInput() CreateInput {
	return CreateInput{
		AgentID:          "agent-1",
		AgentName:        "research-bot",
		OwnerAddress:     testOwner,
		RecipientAddress: testRecipient,
		Amount:           "25.5",
		Token:            "usdc",
		ChainID:          1,
		Reason:           "api subscription",
	}
}

func TestCreateNormalizesInput(t *testing.T) {
	svc := NewService(NewMemoryStore())
	p, err := svc.Create(context.Background(), validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.Status != StatusPending {
		t.Fatalf("new proposals start pending, got %s", p.Status)
	}
	if p.OwnerAddress != strings.ToLower(testOwner) {
		t.Fatalf("owner not lowercased: %s", p.OwnerAddress)
	}
	if p.RecipientAddress != strings.ToLower(testRecipient) {
		t.Fatalf("recipient not lowercased: %s", p.RecipientAddress)
	}
	if p.Token != "USDC" {
		t.Fatalf("token not uppercased: %s", p.Token)
	}
}

func TestCreateValidation(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	mutate := []func(*CreateInput){
		func(in *CreateInput) { in.RecipientAddress = "nonsense" },
		func(in *CreateInput) { in.Amount = "-3" },
		func(in *CreateInput) { in.Amount = "0" },
		func(in *CreateInput) { in.Amount = "1e9" },
		func(in *CreateInput) { in.Token = " " },
		func(in *CreateInput) { in.ChainID = 0 },
		func(in *CreateInput) { in.Reason = "" },
		func(in *CreateInput) { in.OwnerAddress = "0x123" },
	}
	for i, m := range mutate {
		input := validInput()
		m(&input)
		if _, err := svc.Create(ctx, input); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestMetadataLimits(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	tooMany := make(map[string]string)
	for i := 0; i < MaxMetadataKeys+1; i++ {
		tooMany[fmt.Sprintf("key-%d", i)] = "v"
	}
	input := validInput()
	input.Metadata = tooMany
	if _, err := svc.Create(ctx, input); err == nil {
		t.Fatal("expected metadata key cap to be enforced")
	}

	input = validInput()
	input.Metadata = map[string]string{"note": strings.Repeat("x", MaxMetadataValueSize+1)}
	if _, err := svc.Create(ctx, input); err == nil {
		t.Fatal("expected metadata value cap to be enforced")
	}

	input = validInput()
	input.Metadata = map[string]string{"note": "ok"}
	if _, err := svc.Create(ctx, input); err != nil {
		t.Fatalf("valid metadata rejected: %v", err)
	}
}

func TestLegalLifecycle(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()
	p, err := svc.Create(ctx, validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	approved, err := svc.Approve(ctx, p.ID, testOwner)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != StatusApproved || approved.ApprovedAt == 0 {
		t.Fatalf("approve must stamp approved_at: %+v", approved)
	}

	executing, err := svc.StartExecution(ctx, p.ID)
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}
	if executing.Status != StatusExecuting {
		t.Fatalf("expected executing, got %s", executing.Status)
	}

	executed, err := svc.MarkExecuted(ctx, p.ID, "0xdeadbeef")
	if err != nil {
		t.Fatalf("mark executed: %v", err)
	}
	if executed.Status != StatusExecuted || executed.TxHash != "0xdeadbeef" || executed.ExecutedAt == 0 {
		t.Fatalf("executed proposal incomplete: %+v", executed)
	}
}

func TestRejectPath(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()
	p, _ := svc.Create(ctx, validInput())

	rejected, err := svc.Reject(ctx, p.ID, testOwner, "not in plan")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != StatusRejected || rejected.RejectionReason != "not in plan" {
		t.Fatalf("reject incomplete: %+v", rejected)
	}
	// 终态不可再迁移。
	if _, err := svc.Approve(ctx, p.ID, testOwner); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestFailurePath(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()
	p, _ := svc.Create(ctx, validInput())

	if _, err := svc.Approve(ctx, p.ID, testOwner); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := svc.StartExecution(ctx, p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	failed, err := svc.MarkFailed(ctx, p.ID, "submit timeout")
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if failed.Status != StatusFailed || failed.RejectionReason != "submit timeout" {
		t.Fatalf("failed proposal incomplete: %+v", failed)
	}
}

func TestIllegalTransitionsLeaveRecordUnchanged(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()
	p, _ := svc.Create(ctx, validInput())

	// pending 不能直接执行或完成。
	if _, err := svc.StartExecution(ctx, p.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := svc.MarkExecuted(ctx, p.ID, "0x1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := svc.MarkFailed(ctx, p.ID, "x"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	got, err := svc.Get(ctx, p.ID, testOwner)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending || got.TxHash != "" || got.RejectionReason != "" {
		t.Fatalf("illegal transitions must not mutate: %+v", got)
	}

	// 重复批准被拒绝。
	if _, err := svc.Approve(ctx, p.ID, testOwner); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := svc.Approve(ctx, p.ID, testOwner); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double approve must fail, got %v", err)
	}
}

func TestOwnerScoping(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()
	p, _ := svc.Create(ctx, validInput())

	other := "0x00000000000000000000000000000000000000BB"
	if _, err := svc.Approve(ctx, p.ID, other); !errors.Is(err, ErrProposalNotFound) {
		t.Fatalf("foreign owner must not approve, got %v", err)
	}
	if _, err := svc.Reject(ctx, p.ID, other, "no"); !errors.Is(err, ErrProposalNotFound) {
		t.Fatalf("foreign owner must not reject, got %v", err)
	}
}

func TestCreateBatchAllOrNothing(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()

	if _, err := svc.CreateBatch(ctx, nil); err == nil {
		t.Fatal("empty batch must be rejected")
	}

	over := make([]CreateInput, MaxBatchSize+1)
	for i := range over {
		over[i] = validInput()
	}
	if _, err := svc.CreateBatch(ctx, over); err == nil {
		t.Fatal("oversized batch must be rejected")
	}

	// 一条非法输入拖垮整批。
	batch := []CreateInput{validInput(), validInput()}
	batch[1].Amount = "bogus"
	if _, err := svc.CreateBatch(ctx, batch); err == nil {
		t.Fatal("batch with invalid item must be rejected")
	}
	count, err := svc.PendingCount(ctx, testOwner)
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if count != 0 {
		t.Fatalf("rejected batch must not persist anything, got %d", count)
	}

	created, err := svc.CreateBatch(ctx, []CreateInput{validInput(), validInput(), validInput()})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("expected 3 proposals, got %d", len(created))
	}
}

func TestListFiltersAndPagination(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := svc.Create(ctx, validInput()); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	p, _ := svc.Create(ctx, validInput())
	if _, err := svc.Approve(ctx, p.ID, testOwner); err != nil {
		t.Fatalf("approve: %v", err)
	}

	pending, err := svc.List(ctx, ListOptions{Owner: testOwner, Statuses: []Status{StatusPending}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 5 {
		t.Fatalf("expected 5 pending, got %d", len(pending))
	}

	page, err := svc.List(ctx, ListOptions{Owner: testOwner, Limit: 2, Offset: 4})
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected page of 2, got %d", len(page))
	}

	count, err := svc.PendingCount(ctx, testOwner)
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if count != 5 {
		t.Fatalf("expected 5 pending, got %d", count)
	}
}

type recordingHooks struct {
	mu     sync.Mutex
	events []string
}

func (h *recordingHooks) OnTransition(_ context.Context, _ *PaymentProposal, event string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func TestHooksFireOnEveryTransition(t *testing.T) {
	hooks := &recordingHooks{}
	svc := NewService(NewMemoryStore(), WithHooks(hooks))
	ctx := context.Background()

	p, _ := svc.Create(ctx, validInput())
	_, _ = svc.Approve(ctx, p.ID, testOwner)
	_, _ = svc.StartExecution(ctx, p.ID)
	_, _ = svc.MarkExecuted(ctx, p.ID, "0x1")

	want := []string{EventCreated, EventApproved, EventExecuting, EventExecuted}
	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if len(hooks.events) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), hooks.events)
	}
	for i, event := range want {
		if hooks.events[i] != event {
			t.Fatalf("event %d: expected %s, got %s", i, event, hooks.events[i])
		}
	}
}
