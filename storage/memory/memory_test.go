package memory

import (
	"context"
	"testing"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
	"github.com/mihaimyh/gosubs/storage/storagetest"
)

func TestStorage_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) gosubs.Storage { return New() })
}

func TestStorage_ReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()

	plan := storagetest.NewPlan()
	if err := s.CreatePlan(ctx, plan); err != nil {
		t.Fatalf("CreatePlan failed: %v", err)
	}
	plan.Quotas[gosubs.ResourceProjects] = gosubs.Quota{Max: 999}

	got, err := s.GetPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("GetPlan failed: %v", err)
	}
	if got.Quotas[gosubs.ResourceProjects].Max != 5 {
		t.Errorf("stored plan changed through caller's map: %+v", got.Quotas)
	}

	sub := storagetest.NewSubscription("user1", got)
	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}
	read, err := s.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	read.Metadata["source"] = "mutated"
	read.History = append(read.History, gosubs.HistoryEntry{Action: "bogus"})

	again, err := s.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if again.Metadata["source"] != "test" {
		t.Errorf("metadata = %q, want test", again.Metadata["source"])
	}
	if len(again.History) != 1 {
		t.Errorf("history len = %d, want 1", len(again.History))
	}
}

func TestStorage_UsageSnapshotIsolated(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.InitUsage(ctx, "sub1", map[gosubs.ResourceType]float64{gosubs.ResourceLeads: 10}); err != nil {
		t.Fatalf("InitUsage failed: %v", err)
	}
	usage, err := s.Usage(ctx, "sub1")
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	usage[gosubs.ResourceLeads] = gosubs.UsageCounter{Current: 10, Limit: 10}

	res, err := s.Reserve(ctx, "sub1", gosubs.ResourceLeads, 10)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if !res.Allowed {
		t.Errorf("reservation denied after mutating a usage snapshot")
	}
}
