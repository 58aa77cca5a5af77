package memory

import (
	"context"
	"testing"
	"time"

	"github.com/fidde/otlp_usage_tracker/internal/storage"
	"github.com/fidde/otlp_usage_tracker/internal/storage/storagetest"
	"github.com/fidde/otlp_usage_tracker/pkg/models"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return New()
	})
}

func TestMessageRequiresExistingSession(t *testing.T) {
	store := New()

	id := models.MessageIdentity{MessageID: "M1", SessionID: "unknown"}
	err := store.UpsertMessage(context.Background(), id, models.UsageDelta{Cost: 1}, time.Now())
	if err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestReturnedRowsAreCopies(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.UpsertSession(ctx, models.SessionIdentity{SessionID: "S1"}, time.Now()); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}
	got, err := store.GetSession(ctx, "S1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	got.TotalCost = 42

	again, err := store.GetSession(ctx, "S1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if again.TotalCost != 0 {
		t.Errorf("mutating a returned session changed the store: total_cost=%v", again.TotalCost)
	}

	labels := map[string]any{"k": "v"}
	if err := store.RecordMetric(ctx, &models.RawMetric{MetricName: "m", Labels: labels}); err != nil {
		t.Fatalf("RecordMetric failed: %v", err)
	}
	labels["k"] = "changed"

	metrics, err := store.ListMetrics(ctx, models.MetricFilter{})
	if err != nil {
		t.Fatalf("ListMetrics failed: %v", err)
	}
	if metrics[0].Labels["k"] != "v" {
		t.Errorf("expected stored label to be unaffected, got %v", metrics[0].Labels["k"])
	}
}
