package workgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type recordedDelivery struct {
	Target string
	Secret string
	Events []ChangeEvent
	Status int
}

// fakeDeliveryClient scripts webhook responses: statusQueue entries are
// consumed one per delivery, then everything succeeds.
type fakeDeliveryClient struct {
	mu           sync.Mutex
	handshakes   []string
	handshakeErr error
	statusQueue  []int
	deliveries   []recordedDelivery
	delivered    chan recordedDelivery
}

func newFakeDeliveryClient() *fakeDeliveryClient {
	return &fakeDeliveryClient{delivered: make(chan recordedDelivery, 64)}
}

func (c *fakeDeliveryClient) Handshake(_ context.Context, target, secret string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshakes = append(c.handshakes, target+"#"+secret)
	return c.handshakeErr
}

func (c *fakeDeliveryClient) Deliver(_ context.Context, target, secret string, body []byte) (*DeliveryResult, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	c.mu.Lock()
	status := 200
	if len(c.statusQueue) > 0 {
		status = c.statusQueue[0]
		c.statusQueue = c.statusQueue[1:]
	}
	entry := recordedDelivery{Target: target, Secret: secret, Events: payload.Events, Status: status}
	c.deliveries = append(c.deliveries, entry)
	c.mu.Unlock()
	select {
	case c.delivered <- entry:
	default:
	}
	return &DeliveryResult{StatusCode: status}, nil
}

func (c *fakeDeliveryClient) handshakeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handshakes)
}

func (c *fakeDeliveryClient) deliveryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deliveries)
}

func testDeliveryPolicy() DeliveryPolicy {
	return DeliveryPolicy{
		DebounceWindow:   10 * time.Millisecond,
		RetryBaseDelay:   2 * time.Millisecond,
		RetryMaxDelay:    10 * time.Millisecond,
		HandshakeTimeout: time.Second,
		DeliveryTimeout:  time.Second,
	}
}

func newLiveStore(t *testing.T, client DeliveryClient) *Store {
	t.Helper()
	store := NewStoreWithOptions(StoreOptions{
		DeliveryClient: client,
		Policy:         testDeliveryPolicy(),
	})
	t.Cleanup(store.Close)
	return store
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCreateSubscriptionHandshake(t *testing.T) {
	client := newFakeDeliveryClient()
	store := newLiveStore(t, client)
	gid := createTask(t, store, "ws_hook", "watched")

	sub, secret, err := store.CreateSubscription(context.Background(), SubscriptionRequest{
		ResourceGID: gid,
		Target:      "https://example.com/hook",
	})
	if err != nil {
		t.Fatalf("create subscription failed: %v", err)
	}
	if secret == "" {
		t.Fatalf("expected a shared secret on creation")
	}
	if sub.State != SubscriptionActive || !sub.Active {
		t.Fatalf("expected active subscription, got %+v", sub)
	}
	if client.handshakeCount() != 1 {
		t.Fatalf("expected one handshake, got %d", client.handshakeCount())
	}

	got, err := store.GetSubscription(sub.GID)
	if err != nil {
		t.Fatalf("get subscription failed: %v", err)
	}
	if got.Target != "https://example.com/hook" {
		t.Fatalf("unexpected target %q", got.Target)
	}

	if _, _, err := store.CreateSubscription(context.Background(), SubscriptionRequest{
		ResourceGID: gid,
		Target:      "ftp://example.com/hook",
	}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected target scheme rejection, got: %v", err)
	}
}

func TestCreateSubscriptionHandshakeFailureDiscards(t *testing.T) {
	client := newFakeDeliveryClient()
	client.handshakeErr = errors.New("secret not echoed")
	store := newLiveStore(t, client)
	gid := createTask(t, store, "ws_hook_fail", "watched")

	_, _, err := store.CreateSubscription(context.Background(), SubscriptionRequest{
		ResourceGID: gid,
		Target:      "https://example.com/hook",
	})
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("expected handshake error, got: %v", err)
	}
	var handshake *HandshakeError
	if !errors.As(err, &handshake) || handshake.Target != "https://example.com/hook" {
		t.Fatalf("expected typed handshake error, got: %v", err)
	}
	if subs := store.ListSubscriptions("ws_hook_fail", ""); len(subs) != 0 {
		t.Fatalf("failed handshake must not register a subscription, got %d", len(subs))
	}
}

func TestWebhookCoalescesEventsInOrder(t *testing.T) {
	client := newFakeDeliveryClient()
	store := newLiveStore(t, client)
	store.UpdateDeliveryPolicy(DeliveryPolicy{DebounceWindow: 40 * time.Millisecond})
	gid := createTask(t, store, "ws_coalesce", "watched")

	if _, _, err := store.CreateSubscription(context.Background(), SubscriptionRequest{
		ResourceGID: "ws_coalesce",
		Target:      "https://example.com/hook",
	}); err != nil {
		t.Fatalf("create subscription failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		mustApply(t, store, Mutation{
			WorkspaceGID: "ws_coalesce",
			Action:       MutationUpdate,
			Payload:      map[string]any{"gid": gid, "name": fmt.Sprintf("rename %d", i)},
		})
	}

	var delivery recordedDelivery
	select {
	case delivery = <-client.delivered:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for webhook delivery")
	}
	if len(delivery.Events) != 3 {
		t.Fatalf("expected the three updates coalesced into one payload, got %d", len(delivery.Events))
	}
	for i := 1; i < len(delivery.Events); i++ {
		if delivery.Events[i].Sequence != delivery.Events[i-1].Sequence+1 {
			t.Fatalf("payload out of sequence order: %+v", delivery.Events)
		}
	}
	if delivery.Target != "https://example.com/hook" {
		t.Fatalf("unexpected target %q", delivery.Target)
	}
}

func TestWebhookFailureEscalationAndReenable(t *testing.T) {
	client := newFakeDeliveryClient()
	client.statusQueue = []int{500, 500, 500, 500}
	store := newLiveStore(t, client)
	gid := createTask(t, store, "ws_escalate", "watched")

	sub, _, err := store.CreateSubscription(context.Background(), SubscriptionRequest{
		ResourceGID: "ws_escalate",
		Target:      "https://example.com/hook",
	})
	if err != nil {
		t.Fatalf("create subscription failed: %v", err)
	}

	mustApply(t, store, Mutation{
		WorkspaceGID: "ws_escalate",
		Action:       MutationUpdate,
		Payload:      map[string]any{"gid": gid, "name": "poke"},
	})

	waitFor(t, 2*time.Second, "subscription to degrade", func() bool {
		got, err := store.GetSubscription(sub.GID)
		return err == nil && got.State == SubscriptionDegraded
	})
	waitFor(t, 2*time.Second, "subscription to be disabled", func() bool {
		got, err := store.GetSubscription(sub.GID)
		return err == nil && got.State == SubscriptionDisabled
	})

	got, err := store.GetSubscription(sub.GID)
	if err != nil {
		t.Fatalf("get subscription failed: %v", err)
	}
	if got.Active {
		t.Fatalf("disabled subscription must not be active")
	}
	if got.ConsecutiveFailures != 4 {
		t.Fatalf("expected 4 consecutive failures at disable, got %d", got.ConsecutiveFailures)
	}
	if got.LastFailureContent != "http status 500" {
		t.Fatalf("unexpected failure content %q", got.LastFailureContent)
	}
	for _, h := range store.ListSubscriptionHealth("ws_escalate") {
		if h.Subscription.GID == sub.GID && h.PendingEvents != 0 {
			t.Fatalf("disable must drop the backlog, still holding %d", h.PendingEvents)
		}
	}

	// Events while disabled are not accumulated.
	mustApply(t, store, Mutation{
		WorkspaceGID: "ws_escalate",
		Action:       MutationUpdate,
		Payload:      map[string]any{"gid": gid, "name": "while disabled"},
	})
	time.Sleep(30 * time.Millisecond)
	deliveriesBefore := client.deliveryCount()

	reenabled, err := store.ReenableSubscription(sub.GID)
	if err != nil {
		t.Fatalf("reenable failed: %v", err)
	}
	if reenabled.State != SubscriptionActive || reenabled.ConsecutiveFailures != 0 {
		t.Fatalf("expected clean active subscription, got %+v", reenabled)
	}

	mustApply(t, store, Mutation{
		WorkspaceGID: "ws_escalate",
		Action:       MutationUpdate,
		Payload:      map[string]any{"gid": gid, "name": "after reenable"},
	})
	waitFor(t, 2*time.Second, "delivery after reenable", func() bool {
		return client.deliveryCount() > deliveriesBefore
	})
	client.mu.Lock()
	last := client.deliveries[len(client.deliveries)-1]
	client.mu.Unlock()
	if len(last.Events) != 1 {
		t.Fatalf("backlog from the disabled period must not replay, got %d events", len(last.Events))
	}
}

func TestReenableRejectsNonDisabled(t *testing.T) {
	client := newFakeDeliveryClient()
	store := newLiveStore(t, client)
	createTask(t, store, "ws_re", "watched")

	sub, _, err := store.CreateSubscription(context.Background(), SubscriptionRequest{
		ResourceGID: "ws_re",
		Target:      "https://example.com/hook",
	})
	if err != nil {
		t.Fatalf("create subscription failed: %v", err)
	}
	if _, err := store.ReenableSubscription(sub.GID); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected rejection for active subscription, got: %v", err)
	}
	if _, err := store.ReenableSubscription("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got: %v", err)
	}
}

func TestSubscriptionScopeAndFilters(t *testing.T) {
	client := newFakeDeliveryClient()
	store := newTestStore(t, StoreOptions{DeliveryClient: client})
	project := mustApply(t, store, Mutation{
		WorkspaceGID: "ws_scope",
		ResourceType: "project",
		Action:       MutationCreate,
		Payload:      map[string]any{"name": "Watched project"},
	}).Resource.GID
	inside := mustApply(t, store, Mutation{
		WorkspaceGID: "ws_scope",
		ResourceType: "task",
		Action:       MutationCreate,
		Payload:      map[string]any{"name": "In project", "projectGid": project},
	}).Resource.GID
	outside := createTask(t, store, "ws_scope", "Elsewhere")

	sub, _, err := store.CreateSubscription(context.Background(), SubscriptionRequest{
		ResourceGID: project,
		Target:      "https://example.com/hook",
		Filters:     []EventFilter{{ResourceType: "task", Action: EventChanged}},
	})
	if err != nil {
		t.Fatalf("create subscription failed: %v", err)
	}

	// Subtask of a project member is in scope through the parent chain.
	child := mustApply(t, store, Mutation{
		WorkspaceGID: "ws_scope",
		ResourceType: "task",
		Action:       MutationCreate,
		Payload:      map[string]any{"name": "Child", "parentGid": inside},
	}).Resource.GID

	mustApply(t, store, Mutation{
		WorkspaceGID: "ws_scope",
		Action:       MutationUpdate,
		Payload:      map[string]any{"gid": inside, "name": "renamed in"},
	})
	mustApply(t, store, Mutation{
		WorkspaceGID: "ws_scope",
		Action:       MutationUpdate,
		Payload:      map[string]any{"gid": child, "name": "renamed child"},
	})
	mustApply(t, store, Mutation{
		WorkspaceGID: "ws_scope",
		Action:       MutationUpdate,
		Payload:      map[string]any{"gid": outside, "name": "renamed out"},
	})

	store.mu.RLock()
	rec := store.workspaces["ws_scope"].Subscriptions[sub.GID]
	pending := append([]ChangeEvent(nil), rec.Pending...)
	store.mu.RUnlock()

	// The create of the child is filtered out (action filter is "changed"),
	// the two in-scope updates match, the outside update does not.
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending events, got %d: %+v", len(pending), pending)
	}
	if pending[0].Resource.GID != inside || pending[1].Resource.GID != child {
		t.Fatalf("unexpected pending set: %+v", pending)
	}
}

func TestFiltersMatch(t *testing.T) {
	ev := ChangeEvent{Resource: ResourceRef{GID: "t1", ResourceType: "task"}, Action: EventChanged}
	if !filtersMatch(nil, ev) {
		t.Fatalf("no filters must match everything")
	}
	if !filtersMatch([]EventFilter{{ResourceType: "task"}}, ev) {
		t.Fatalf("type-only filter should match")
	}
	if filtersMatch([]EventFilter{{ResourceType: "project"}}, ev) {
		t.Fatalf("mismatched type should not match")
	}
	if filtersMatch([]EventFilter{{ResourceType: "task", Action: EventDeleted}}, ev) {
		t.Fatalf("mismatched action should not match")
	}
	if !filtersMatch([]EventFilter{{ResourceType: "project"}, {ResourceType: "task"}}, ev) {
		t.Fatalf("any matching filter should be enough")
	}
}

func TestProcessDeliveryRespectsBatchCap(t *testing.T) {
	client := newFakeDeliveryClient()
	store := newTestStore(t, StoreOptions{
		DeliveryClient: client,
		Policy:         DeliveryPolicy{MaxBatchEvents: 2},
	})
	gid := createTask(t, store, "ws_cap", "watched")

	sub, _, err := store.CreateSubscription(context.Background(), SubscriptionRequest{
		ResourceGID: "ws_cap",
		Target:      "https://example.com/hook",
	})
	if err != nil {
		t.Fatalf("create subscription failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		mustApply(t, store, Mutation{
			WorkspaceGID: "ws_cap",
			Action:       MutationUpdate,
			Payload:      map[string]any{"gid": gid, "name": fmt.Sprintf("rename %d", i)},
		})
	}

	task := DeliveryTask{WorkspaceGID: "ws_cap", SubscriptionGID: sub.GID}
	store.processDelivery(task)
	if client.deliveryCount() != 1 {
		t.Fatalf("expected one delivery, got %d", client.deliveryCount())
	}
	client.mu.Lock()
	first := client.deliveries[0]
	client.mu.Unlock()
	if len(first.Events) != 2 {
		t.Fatalf("expected batch capped at 2 events, got %d", len(first.Events))
	}

	store.processDelivery(task)
	client.mu.Lock()
	second := client.deliveries[1]
	client.mu.Unlock()
	if len(second.Events) != 1 {
		t.Fatalf("expected the remaining event in the follow-up, got %d", len(second.Events))
	}
	if second.Events[0].Sequence <= first.Events[1].Sequence {
		t.Fatalf("follow-up must continue past the first batch")
	}
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	policy := DeliveryPolicy{RetryBaseDelay: time.Second, RetryMaxDelay: 5 * time.Second}
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(policy, tc.attempts); got != tc.want {
			t.Fatalf("attempts=%d: expected %s, got %s", tc.attempts, tc.want, got)
		}
	}
}
