package budget

import (
	"context"
	"errors"
	"testing"
	"time"
)

const testOwner = "0x00000000000000000000000000000000000000aa"

func newTestBudget(t *testing.T, svc *Service, input CreateInput) *Budget {
	t.Helper()
	if input.AgentID == "" {
		input.AgentID = "agent-1"
	}
	if input.OwnerAddress == "" {
		input.OwnerAddress = testOwner
	}
	if input.Amount == "" {
		input.Amount = "100"
	}
	if input.Token == "" {
		input.Token = "USDC"
	}
	if input.Period == "" {
		input.Period = PeriodMonthly
	}
	b, err := svc.Create(context.Background(), input)
	if err != nil {
		t.Fatalf("create budget: %v", err)
	}
	return b
}

func TestCreateValidation(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	bad := []CreateInput{
		{AgentID: "a", OwnerAddress: testOwner, Amount: "0", Token: "USDC", Period: PeriodDaily},
		{AgentID: "a", OwnerAddress: testOwner, Amount: "-5", Token: "USDC", Period: PeriodDaily},
		{AgentID: "a", OwnerAddress: testOwner, Amount: "abc", Token: "USDC", Period: PeriodDaily},
		{AgentID: "a", OwnerAddress: testOwner, Amount: "100", Token: "", Period: PeriodDaily},
		{AgentID: "a", OwnerAddress: testOwner, Amount: "100", Token: "USDC", Period: "yearly"},
		{AgentID: "", OwnerAddress: testOwner, Amount: "100", Token: "USDC", Period: PeriodDaily},
	}
	for i, input := range bad {
		if _, err := svc.Create(ctx, input); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}

	b, err := svc.Create(ctx, CreateInput{
		AgentID: "a", OwnerAddress: testOwner, Amount: "100", Token: "usdc", Period: PeriodDaily,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if b.Token != "USDC" {
		t.Fatalf("token should be uppercased, got %s", b.Token)
	}
	if b.UsedAmount != "0" {
		t.Fatalf("fresh budget must be unused, got %s", b.UsedAmount)
	}
	if b.PeriodEnd <= b.PeriodStart {
		t.Fatal("periodic budget needs a forward window")
	}
}

func TestDeductTracksUsageExactly(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()
	b := newTestBudget(t, svc, CreateInput{Amount: "100"})

	updated, err := svc.Deduct(ctx, b.ID, "40")
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if updated.UsedAmount != "40" {
		t.Fatalf("expected used 40, got %s", updated.UsedAmount)
	}
	if updated.Remaining() != "60" {
		t.Fatalf("expected remaining 60, got %s", updated.Remaining())
	}

	if _, err := svc.Deduct(ctx, b.ID, "70"); !errors.Is(err, ErrInsufficientBudget) {
		t.Fatalf("expected ErrInsufficientBudget, got %v", err)
	}
	// 失败的扣减不得留下任何变更。
	got, err := svc.Get(ctx, b.ID, testOwner)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UsedAmount != "40" {
		t.Fatalf("used amount must stay 40, got %s", got.UsedAmount)
	}

	// 剩余额度可以被精确扣光。
	if _, err := svc.Deduct(ctx, b.ID, "60"); err != nil {
		t.Fatalf("deduct to zero: %v", err)
	}
	if _, err := svc.Deduct(ctx, b.ID, "0.01"); !errors.Is(err, ErrInsufficientBudget) {
		t.Fatalf("expected ErrInsufficientBudget on empty budget, got %v", err)
	}
}

func TestPeriodRolloverAnchorsOnPreviousEnd(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()
	b := newTestBudget(t, svc, CreateInput{Amount: "100", Period: PeriodDaily})

	if _, err := svc.Deduct(ctx, b.ID, "30"); err != nil {
		t.Fatalf("deduct: %v", err)
	}

	// 把窗口拨回过去，模拟周期已结束。
	stale, err := store.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	pastEnd := time.Now().Add(-30 * time.Minute).Unix()
	stale.PeriodStart = pastEnd - 86400
	stale.PeriodEnd = pastEnd
	if err := store.Update(ctx, stale); err != nil {
		t.Fatalf("update: %v", err)
	}

	rolled, err := svc.Get(ctx, b.ID, testOwner)
	if err != nil {
		t.Fatalf("get after rollover: %v", err)
	}
	if rolled.UsedAmount != "0" {
		t.Fatalf("rollover must reset usage, got %s", rolled.UsedAmount)
	}
	if rolled.PeriodStart != pastEnd {
		t.Fatalf("new window must anchor on previous end: got %d want %d", rolled.PeriodStart, pastEnd)
	}
	if rolled.PeriodEnd != pastEnd+86400 {
		t.Fatalf("daily window must advance exactly one day: got %d", rolled.PeriodEnd)
	}
}

func TestTotalBudgetNeverRollsOver(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()
	b := newTestBudget(t, svc, CreateInput{Amount: "100", Period: PeriodTotal})

	if _, err := svc.Deduct(ctx, b.ID, "70"); err != nil {
		t.Fatalf("deduct: %v", err)
	}
	// total 预算没有窗口，无论过去多久都不清零。
	got, err := svc.Get(ctx, b.ID, testOwner)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UsedAmount != "70" {
		t.Fatalf("total budget must keep usage, got %s", got.UsedAmount)
	}
	if got.PeriodEnd != 0 {
		t.Fatalf("total budget has no period end, got %d", got.PeriodEnd)
	}
}

func TestCheckAvailabilityMatching(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	newTestBudget(t, svc, CreateInput{Amount: "100", Token: "USDC", ChainID: 1})

	// 代币匹配大小写不敏感。
	avail, err := svc.CheckAvailability(ctx, "agent-1", "50", "usdc", 1)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !avail.Available {
		t.Fatalf("expected available, got reason %q", avail.Reason)
	}

	// 限定链 1 的预算不覆盖链 137。
	avail, err = svc.CheckAvailability(ctx, "agent-1", "50", "USDC", 137)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if avail.Available || avail.Reason != "no budget found" {
		t.Fatalf("expected no budget found, got %+v", avail)
	}

	// 金额超过剩余额度。
	avail, err = svc.CheckAvailability(ctx, "agent-1", "150", "USDC", 1)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if avail.Available || avail.Reason != "insufficient budget" {
		t.Fatalf("expected insufficient budget, got %+v", avail)
	}

	// 不限链的预算覆盖任意链。
	newTestBudget(t, svc, CreateInput{AgentID: "agent-2", Amount: "100", Token: "DAI"})
	avail, err = svc.CheckAvailability(ctx, "agent-2", "50", "DAI", 42161)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !avail.Available {
		t.Fatalf("chain-less budget must cover any chain, got %+v", avail)
	}
}

func TestUpdateCannotShrinkBelowUsage(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()
	b := newTestBudget(t, svc, CreateInput{Amount: "100"})

	if _, err := svc.Deduct(ctx, b.ID, "40"); err != nil {
		t.Fatalf("deduct: %v", err)
	}

	small := "30"
	if _, err := svc.Update(ctx, b.ID, testOwner, UpdateInput{Amount: &small}); err == nil {
		t.Fatal("shrinking below used amount must fail")
	}

	bigger := "200"
	updated, err := svc.Update(ctx, b.ID, testOwner, UpdateInput{Amount: &bigger})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Amount != "200" {
		t.Fatalf("amount not applied: %s", updated.Amount)
	}
}

func TestOwnerScoping(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()
	b := newTestBudget(t, svc, CreateInput{})

	other := "0x00000000000000000000000000000000000000bb"
	if _, err := svc.Get(ctx, b.ID, other); !errors.Is(err, ErrBudgetNotFound) {
		t.Fatalf("foreign owner must see not-found, got %v", err)
	}
	if err := svc.Delete(ctx, b.ID, other); !errors.Is(err, ErrBudgetNotFound) {
		t.Fatalf("foreign owner must not delete, got %v", err)
	}
	if err := svc.Delete(ctx, b.ID, testOwner); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Get(ctx, b.ID, testOwner); !errors.Is(err, ErrBudgetNotFound) {
		t.Fatalf("expected not-found after delete, got %v", err)
	}
}

func TestUtilization(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()
	b := newTestBudget(t, svc, CreateInput{Amount: "200"})

	if _, err := svc.Deduct(ctx, b.ID, "50"); err != nil {
		t.Fatalf("deduct: %v", err)
	}
	util, err := svc.Utilization(ctx, b.ID, testOwner)
	if err != nil {
		t.Fatalf("utilization: %v", err)
	}
	if util.UsedAmount != "50" || util.Remaining != "150" {
		t.Fatalf("unexpected utilization %+v", util)
	}
	if util.Percent < 24.99 || util.Percent > 25.01 {
		t.Fatalf("expected 25%%, got %f", util.Percent)
	}
}
