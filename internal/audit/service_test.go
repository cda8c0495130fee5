package audit

import (
	"context"
	"testing"
)

func TestRecordAndQuery(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	entries := []struct {
		action       string
		actorType    ActorType
		actorID      string
		resourceType string
		resourceID   string
	}{
		{"agent.created", ActorOwner, "0xaa", "agent", "agent-1"},
		{"proposal.created", ActorAgent, "agent-1", "proposal", "prop-1"},
		{"proposal.approved", ActorOwner, "0xaa", "proposal", "prop-1"},
		{"webhook.delivered", ActorSystem, "", "webhook_delivery", "del-1"},
	}
	for _, e := range entries {
		if err := svc.Record(ctx, e.action, e.actorType, e.actorID, e.resourceType, e.resourceID, nil); err != nil {
			t.Fatalf("record %s: %v", e.action, err)
		}
	}

	byResource, err := svc.Logs(ctx, Query{ResourceType: "proposal", ResourceID: "prop-1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(byResource) != 2 {
		t.Fatalf("expected 2 proposal entries, got %d", len(byResource))
	}
	// 最新的在前。
	if byResource[0].Action != "proposal.approved" {
		t.Fatalf("expected newest first, got %s", byResource[0].Action)
	}

	byActor, err := svc.Logs(ctx, Query{ActorID: "0xaa"})
	if err != nil {
		t.Fatalf("query by actor: %v", err)
	}
	if len(byActor) != 2 {
		t.Fatalf("expected 2 owner entries, got %d", len(byActor))
	}
}

func TestRecordValidation(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	if err := svc.Record(ctx, "", ActorSystem, "", "agent", "a", nil); err == nil {
		t.Fatal("empty action must be rejected")
	}
	if err := svc.Record(ctx, "x", ActorSystem, "", "", "a", nil); err == nil {
		t.Fatal("empty resource type must be rejected")
	}
}

func TestQueryPagination(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := svc.Record(ctx, "tick", ActorSystem, "", "timer", "t", nil); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	page, err := svc.Logs(ctx, Query{ResourceType: "timer", Limit: 3, Offset: 8})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected trailing page of 2, got %d", len(page))
	}
}
