package workgraph

import (
	"context"
	"os"
	"testing"
	"time"
)

// These tests need a reachable database; set WORKGRAPH_POSTGRES_TEST_DSN to
// run them, e.g. postgres://localhost:5432/workgraph_test?sslmode=disable.
func postgresTestDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("WORKGRAPH_POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("WORKGRAPH_POSTGRES_TEST_DSN not set")
	}
	return dsn
}

func TestPostgresStateBackendRoundTrip(t *testing.T) {
	dsn := postgresTestDSN(t)
	backend, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("new backend failed: %v", err)
	}
	t.Cleanup(func() {
		if closer, ok := backend.(stateBackendCloser); ok {
			_ = closer.Close()
		}
	})

	store := NewStoreWithOptions(StoreOptions{
		StateBackend:   backend,
		DeliveryClient: noopDeliveryClient{},
		DisableWorkers: true,
	})
	gid := createTask(t, store, "ws_pg", "durable")
	store.Close()

	recovered := NewStoreWithOptions(StoreOptions{
		StateBackend:   backend,
		DeliveryClient: noopDeliveryClient{},
		DisableWorkers: true,
	})
	t.Cleanup(recovered.Close)
	res, err := recovered.GetResource(gid)
	if err != nil {
		t.Fatalf("read after restart failed: %v", err)
	}
	if res.Name != "durable" {
		t.Fatalf("unexpected recovered name %q", res.Name)
	}
}

func TestPostgresDeliveryQueueRoundTrip(t *testing.T) {
	dsn := postgresTestDSN(t)
	queue, err := NewPostgresDeliveryQueue(dsn, 16)
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	t.Cleanup(func() { _ = queue.Close() })

	task := DeliveryTask{WorkspaceGID: "ws_pg", SubscriptionGID: "sub_pg"}
	if !queue.TryEnqueue(task) {
		t.Fatalf("enqueue failed")
	}
	if queue.Depth() < 1 {
		t.Fatalf("expected depth >= 1, got %d", queue.Depth())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, ok := queue.Dequeue(ctx)
	if !ok {
		t.Fatalf("dequeue failed")
	}
	if got.SubscriptionGID != "sub_pg" {
		t.Fatalf("unexpected task %+v", got)
	}
}
