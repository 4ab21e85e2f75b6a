package workgraph

import "time"

// ResourceRef is the compact identity pair used everywhere an event or
// subscription points at a graph entity.
type ResourceRef struct {
	GID          string `json:"gid"`
	ResourceType string `json:"resourceType"`
}

// Resource is a node in the workspace graph. Attribute payloads beyond the
// name are owned by the upstream CRUD layer and carried opaquely.
type Resource struct {
	GID          string            `json:"gid"`
	ResourceType string            `json:"resourceType"`
	WorkspaceGID string            `json:"workspaceGid"`
	Name         string            `json:"name,omitempty"`
	Fields       map[string]string `json:"fields,omitempty"`
	Version      int64             `json:"version"`
	Deleted      bool              `json:"deleted,omitempty"`
	CreatedAt    string            `json:"createdAt"`
	ModifiedAt   string            `json:"modifiedAt"`
}

type EventAction string

const (
	EventCreated   EventAction = "created"
	EventChanged   EventAction = "changed"
	EventDeleted   EventAction = "deleted"
	EventAdded     EventAction = "added"
	EventRemoved   EventAction = "removed"
	EventUndeleted EventAction = "undeleted"
)

// ChangeSummary names the relationship or field a "changed" event touched.
type ChangeSummary struct {
	Field  string `json:"field"`
	Action string `json:"action,omitempty"`
}

// ChangeEvent is one immutable record in a workspace's change log. Sequence
// is strictly increasing and gap-free within the workspace partition.
type ChangeEvent struct {
	WorkspaceGID string         `json:"workspaceGid"`
	Sequence     uint64         `json:"sequence"`
	Resource     ResourceRef    `json:"resource"`
	Action       EventAction    `json:"action"`
	Parent       *ResourceRef   `json:"parent,omitempty"`
	User         *ResourceRef   `json:"user,omitempty"`
	Change       *ChangeSummary `json:"change,omitempty"`
	OccurredAt   string         `json:"occurredAt"`
}

// EventFeed is one page of a polling response.
type EventFeed struct {
	Events  []ChangeEvent `json:"data"`
	Sync    string        `json:"sync"`
	HasMore bool          `json:"hasMore"`
}

// membershipEntry is one slot in a project's ordered task list. Position
// values are spaced so mid-list inserts usually bisect a gap instead of
// renumbering neighbours.
type membershipEntry struct {
	TaskGID    string `json:"taskGid"`
	SectionGID string `json:"sectionGid,omitempty"`
	Position   int64  `json:"position"`
}

type SubscriptionState string

const (
	SubscriptionPending  SubscriptionState = "pending"
	SubscriptionActive   SubscriptionState = "active"
	SubscriptionDegraded SubscriptionState = "degraded"
	SubscriptionDisabled SubscriptionState = "disabled"
)

// EventFilter narrows which events a subscription receives. An event matches
// a filter when the resource type matches and, if set, the action matches.
type EventFilter struct {
	ResourceType string      `json:"resourceType"`
	Action       EventAction `json:"action,omitempty"`
}

// Subscription is the externally visible webhook descriptor. The shared
// secret is returned once, on creation, and never listed afterwards.
type Subscription struct {
	GID                 string            `json:"gid"`
	WorkspaceGID        string            `json:"workspaceGid"`
	Resource            ResourceRef       `json:"resource"`
	Target              string            `json:"target"`
	Filters             []EventFilter     `json:"filters,omitempty"`
	State               SubscriptionState `json:"state"`
	Active              bool              `json:"active"`
	ConsecutiveFailures int               `json:"consecutiveFailures"`
	LastSuccessAt       string            `json:"lastSuccessAt,omitempty"`
	LastFailureAt       string            `json:"lastFailureAt,omitempty"`
	LastFailureContent  string            `json:"lastFailureContent,omitempty"`
	CreatedAt           string            `json:"createdAt"`
}

// SubscriptionRequest registers a webhook on a watched resource.
type SubscriptionRequest struct {
	ResourceGID string        `json:"resource"`
	Target      string        `json:"target"`
	Filters     []EventFilter `json:"filters,omitempty"`
}

// SubscriptionHealth is the admin view of a subscription's delivery state.
type SubscriptionHealth struct {
	Subscription  Subscription `json:"subscription"`
	PendingEvents int          `json:"pendingEvents"`
	NextSequence  uint64       `json:"nextSequence,omitempty"`
}

// DeliveryTask is one unit of webhook work: "subscription X in workspace W
// has pending events". The payload itself stays in the store so a queued
// task is cheap and idempotent to replay.
type DeliveryTask struct {
	WorkspaceGID    string `json:"workspaceGid"`
	SubscriptionGID string `json:"subscriptionGid"`
}

// ApplyResult is the committed outcome of one mutation.
type ApplyResult struct {
	Resource *Resource     `json:"resource,omitempty"`
	Events   []ChangeEvent `json:"events"`
}

// BackendStatus reports which persistence pieces the store is wired to.
type BackendStatus struct {
	BackendProfile     string `json:"backendProfile,omitempty"`
	StateBackend       string `json:"stateBackend"`
	DeliveryQueue      string `json:"deliveryQueue"`
	DeliveryQueueDepth int    `json:"deliveryQueueDepth"`
	DeliveryQueueCap   int    `json:"deliveryQueueCapacity"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
