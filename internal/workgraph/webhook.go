package workgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WebhookPayload is the outbound delivery body: the coalesced batch of
// matched events for one subscription, oldest first.
type WebhookPayload struct {
	Events []ChangeEvent `json:"events"`
}

// subscriptionRecord is the engine-owned state for one subscription: the
// descriptor, the shared secret, and the FIFO backlog of matched events not
// yet acknowledged by the target. Runtime flags are rebuilt after a load.
type subscriptionRecord struct {
	Subscription Subscription  `json:"subscription"`
	Secret       string        `json:"secret"`
	Pending      []ChangeEvent `json:"pending,omitempty"`
	Attempts     int           `json:"attempts,omitempty"`

	scheduled bool
	inFlight  bool
}

func (r *subscriptionRecord) normalize() {
	r.scheduled = false
	r.inFlight = false
}

// CreateSubscription registers a webhook and performs the activation
// handshake synchronously: the target must echo the one-time secret within
// the configured window or the subscription is discarded.
func (s *Store) CreateSubscription(ctx context.Context, req SubscriptionRequest) (*Subscription, string, error) {
	target := strings.TrimSpace(req.Target)
	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, "", validationErr("target", "must be an absolute http(s) URL")
	}
	resourceGID := strings.TrimSpace(req.ResourceGID)
	if resourceGID == "" {
		return nil, "", validationErr("resource", "is required")
	}

	s.mu.Lock()
	if s.isClosed() {
		s.mu.Unlock()
		return nil, "", ErrStoreClosed
	}
	wsGID, ws, err := s.scopeWorkspaceLocked(resourceGID)
	if err != nil {
		s.mu.Unlock()
		return nil, "", err
	}
	resourceType := "workspace"
	if wsGID != resourceGID {
		res, err := ws.liveResource(resourceGID)
		if err != nil {
			s.mu.Unlock()
			return nil, "", err
		}
		resourceType = res.ResourceType
	}
	gid := s.nextGIDLocked()
	policy := s.policy
	s.mu.Unlock()

	secret := uuid.NewString()
	hctx, cancel := context.WithTimeout(ctx, policy.HandshakeTimeout)
	defer cancel()
	if err := s.client.Handshake(hctx, target, secret); err != nil {
		return nil, "", &HandshakeError{Target: target, Reason: err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return nil, "", ErrStoreClosed
	}
	rec := &subscriptionRecord{
		Subscription: Subscription{
			GID:          gid,
			WorkspaceGID: wsGID,
			Resource:     ResourceRef{GID: resourceGID, ResourceType: resourceType},
			Target:       target,
			Filters:      append([]EventFilter(nil), req.Filters...),
			State:        SubscriptionActive,
			Active:       true,
			CreatedAt:    formatTime(s.clock()),
		},
		Secret: secret,
	}
	ws.Subscriptions[gid] = rec
	s.subscriptionIndex[gid] = wsGID
	s.saveLocked()
	sub := rec.Subscription
	return &sub, secret, nil
}

func (s *Store) GetSubscription(gid string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, _, err := s.subscriptionLocked(gid)
	if err != nil {
		return nil, err
	}
	sub := rec.Subscription
	return &sub, nil
}

// ListSubscriptions returns workspace subscriptions, optionally narrowed to
// one watched resource, in creation order.
func (s *Store) ListSubscriptions(workspaceGID, resourceGID string) []Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.workspaces[workspaceGID]
	if !ok {
		return nil
	}
	subs := make([]Subscription, 0, len(ws.Subscriptions))
	for _, rec := range ws.Subscriptions {
		if resourceGID != "" && rec.Subscription.Resource.GID != resourceGID {
			continue
		}
		subs = append(subs, rec.Subscription)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].GID < subs[j].GID })
	return subs
}

// ListSubscriptionHealth is the admin view: descriptor plus backlog depth.
func (s *Store) ListSubscriptionHealth(workspaceGID string) []SubscriptionHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.workspaces[workspaceGID]
	if !ok {
		return nil
	}
	health := make([]SubscriptionHealth, 0, len(ws.Subscriptions))
	for _, rec := range ws.Subscriptions {
		entry := SubscriptionHealth{
			Subscription:  rec.Subscription,
			PendingEvents: len(rec.Pending),
		}
		if len(rec.Pending) > 0 {
			entry.NextSequence = rec.Pending[0].Sequence
		}
		health = append(health, entry)
	}
	sort.Slice(health, func(i, j int) bool {
		return health[i].Subscription.GID < health[j].Subscription.GID
	})
	return health
}

func (s *Store) DeleteSubscription(gid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, wsGID, err := s.subscriptionLocked(gid)
	if err != nil {
		return err
	}
	delete(s.workspaces[wsGID].Subscriptions, gid)
	delete(s.subscriptionIndex, gid)
	s.saveLocked()
	return nil
}

// ReenableSubscription moves a Disabled subscription back to Active with a
// clean failure count. Deliveries resume with the next matched event; the
// backlog dropped at disable time is not replayed.
func (s *Store) ReenableSubscription(gid string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, _, err := s.subscriptionLocked(gid)
	if err != nil {
		return nil, err
	}
	if rec.Subscription.State != SubscriptionDisabled {
		return nil, validationErr("gid", "names a subscription that is not disabled")
	}
	rec.Subscription.State = SubscriptionActive
	rec.Subscription.Active = true
	rec.Subscription.ConsecutiveFailures = 0
	rec.Attempts = 0
	s.saveLocked()
	sub := rec.Subscription
	return &sub, nil
}

func (s *Store) subscriptionLocked(gid string) (*subscriptionRecord, string, error) {
	wsGID, ok := s.subscriptionIndex[gid]
	if !ok {
		return nil, "", ErrNotFound
	}
	rec, ok := s.workspaces[wsGID].Subscriptions[gid]
	if !ok {
		return nil, "", ErrNotFound
	}
	return rec, wsGID, nil
}

// matchSubscriptionsLocked fans a committed event batch out to every
// receiving subscription's backlog and arms the debounce timer. The timer,
// not the mutation, triggers the actual enqueue, so several events landing
// within the window coalesce into one outbound payload.
func (s *Store) matchSubscriptionsLocked(wsGID string, ws *workspaceState, events []ChangeEvent) {
	for gid, rec := range ws.Subscriptions {
		state := rec.Subscription.State
		if state != SubscriptionActive && state != SubscriptionDegraded {
			continue
		}
		matched := false
		for _, ev := range events {
			if !s.eventInScopeLocked(ws, rec.Subscription.Resource.GID, ev) {
				continue
			}
			if !filtersMatch(rec.Subscription.Filters, ev) {
				continue
			}
			rec.Pending = append(rec.Pending, ev)
			matched = true
		}
		if !matched || rec.scheduled || rec.inFlight {
			continue
		}
		rec.scheduled = true
		task := DeliveryTask{WorkspaceGID: wsGID, SubscriptionGID: gid}
		time.AfterFunc(s.policy.DebounceWindow, func() {
			if s.isClosed() {
				return
			}
			s.enqueueDelivery(task)
		})
	}
}

func filtersMatch(filters []EventFilter, ev ChangeEvent) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.ResourceType != "" && f.ResourceType != ev.Resource.ResourceType {
			continue
		}
		if f.Action != "" && f.Action != ev.Action {
			continue
		}
		return true
	}
	return false
}

func (s *Store) enqueueDelivery(task DeliveryTask) {
	key := deliveryKey(task)
	s.queueMu.Lock()
	if _, queued := s.queuedDeliveries[key]; queued {
		s.queueMu.Unlock()
		return
	}
	s.queuedDeliveries[key] = struct{}{}
	s.queueMu.Unlock()

	if s.deliveryQueue.TryEnqueue(task) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if !s.deliveryQueue.Enqueue(s.queueCtx, task) {
			s.queueMu.Lock()
			delete(s.queuedDeliveries, key)
			s.queueMu.Unlock()
		}
	}()
}

func (s *Store) deliveryWorker() {
	defer s.wg.Done()
	for {
		task, ok := s.deliveryQueue.Dequeue(s.queueCtx)
		if !ok {
			return
		}
		s.queueMu.Lock()
		delete(s.queuedDeliveries, deliveryKey(task))
		s.queueMu.Unlock()
		s.processDelivery(task)
	}
}

// processDelivery sends the head of one subscription's backlog. Snapshot
// under the lock, call out without it, then fold the outcome back in. The
// inFlight flag keeps at most one send per subscription so deliveries stay
// in sequence order; independent subscriptions proceed concurrently up to
// the outbound slot limit.
func (s *Store) processDelivery(task DeliveryTask) {
	select {
	case s.deliverySlots <- struct{}{}:
	case <-s.closed:
		return
	}
	defer func() { <-s.deliverySlots }()

	s.mu.Lock()
	ws, ok := s.workspaces[task.WorkspaceGID]
	if !ok {
		s.mu.Unlock()
		return
	}
	rec, ok := ws.Subscriptions[task.SubscriptionGID]
	if !ok || rec.inFlight {
		s.mu.Unlock()
		return
	}
	rec.scheduled = false
	state := rec.Subscription.State
	if state != SubscriptionActive && state != SubscriptionDegraded || len(rec.Pending) == 0 {
		s.mu.Unlock()
		return
	}
	batchN := len(rec.Pending)
	if batchN > s.policy.MaxBatchEvents {
		batchN = s.policy.MaxBatchEvents
	}
	batch := append([]ChangeEvent(nil), rec.Pending[:batchN]...)
	target := rec.Subscription.Target
	secret := rec.Secret
	policy := s.policy
	rec.inFlight = true
	s.mu.Unlock()

	body, err := json.Marshal(WebhookPayload{Events: batch})
	var result *DeliveryResult
	if err == nil {
		ctx, cancel := context.WithTimeout(s.queueCtx, policy.DeliveryTimeout)
		result, err = s.client.Deliver(ctx, target, secret, body)
		cancel()
	}
	success := err == nil && result != nil && result.StatusCode >= 200 && result.StatusCode < 300

	s.mu.Lock()
	rec.inFlight = false
	sub := &rec.Subscription
	now := formatTime(s.clock())
	var followUp bool
	var retryDelay time.Duration
	if success {
		rec.Pending = append([]ChangeEvent(nil), rec.Pending[batchN:]...)
		rec.Attempts = 0
		sub.ConsecutiveFailures = 0
		sub.State = SubscriptionActive
		sub.Active = true
		sub.LastSuccessAt = now
		if len(rec.Pending) > 0 && !rec.scheduled {
			rec.scheduled = true
			followUp = true
		}
	} else {
		sub.ConsecutiveFailures++
		sub.LastFailureAt = now
		sub.LastFailureContent = deliveryFailureText(result, err)
		if sub.ConsecutiveFailures > policy.DisableThreshold {
			sub.State = SubscriptionDisabled
			sub.Active = false
			rec.Pending = nil
			rec.Attempts = 0
			log.Printf("workgraph: subscription %s disabled after %d consecutive failures",
				sub.GID, sub.ConsecutiveFailures)
		} else {
			sub.State = SubscriptionDegraded
			rec.Attempts++
			retryDelay = backoffDelay(policy, rec.Attempts)
			if result != nil && result.RetryAfter > retryDelay {
				retryDelay = result.RetryAfter
			}
			rec.scheduled = true
		}
	}
	s.saveLocked()
	s.mu.Unlock()

	if followUp {
		s.enqueueDelivery(task)
	}
	if retryDelay > 0 {
		time.AfterFunc(retryDelay, func() {
			if s.isClosed() {
				return
			}
			s.enqueueDelivery(task)
		})
	}
}

func deliveryFailureText(result *DeliveryResult, err error) string {
	if err != nil {
		return err.Error()
	}
	if result != nil {
		return fmt.Sprintf("http status %d", result.StatusCode)
	}
	return "delivery failed"
}

func backoffDelay(policy DeliveryPolicy, attempts int) time.Duration {
	delay := policy.RetryBaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= policy.RetryMaxDelay {
			return policy.RetryMaxDelay
		}
	}
	if delay > policy.RetryMaxDelay {
		delay = policy.RetryMaxDelay
	}
	return delay
}
