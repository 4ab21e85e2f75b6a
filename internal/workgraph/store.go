package workgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DeliveryPolicy holds the tunable webhook delivery knobs. All of these are
// policy parameters, surfaced through configuration rather than hardcoded.
type DeliveryPolicy struct {
	DebounceWindow   time.Duration
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	DisableThreshold int
	HandshakeTimeout time.Duration
	DeliveryTimeout  time.Duration
	MaxBatchEvents   int
}

func (p DeliveryPolicy) withDefaults() DeliveryPolicy {
	if p.DebounceWindow <= 0 {
		p.DebounceWindow = 2 * time.Second
	}
	if p.RetryBaseDelay <= 0 {
		p.RetryBaseDelay = time.Second
	}
	if p.RetryMaxDelay <= 0 {
		p.RetryMaxDelay = time.Minute
	}
	if p.DisableThreshold <= 0 {
		p.DisableThreshold = 3
	}
	if p.HandshakeTimeout <= 0 {
		p.HandshakeTimeout = 10 * time.Second
	}
	if p.DeliveryTimeout <= 0 {
		p.DeliveryTimeout = 10 * time.Second
	}
	if p.MaxBatchEvents <= 0 {
		p.MaxBatchEvents = 100
	}
	return p
}

type StoreOptions struct {
	StateFile              string
	StateBackend           StateBackend
	DeliveryQueue          DeliveryQueue
	DeliveryQueueSize      int
	DeliveryWorkers        int
	MaxOutboundConcurrency int
	DeliveryClient         DeliveryClient
	Policy                 DeliveryPolicy
	EventRetention         time.Duration
	CursorSecret           string
	PageLimit              int
	DisableWorkers         bool
	Clock                  func() time.Time
	BackendProfile         string
}

// DeliveryQueue buffers webhook delivery tasks between the mutation path and
// the delivery workers. Implementations may be volatile or durable.
type DeliveryQueue interface {
	TryEnqueue(task DeliveryTask) bool
	Enqueue(ctx context.Context, task DeliveryTask) bool
	Dequeue(ctx context.Context) (DeliveryTask, bool)
	Depth() int
	Capacity() int
	Close() error
}

// deliveryQueueSnapshotter is implemented by durable queues that can report
// their backlog on startup so the in-memory dedupe index can be re-seeded.
type deliveryQueueSnapshotter interface {
	SnapshotDeliveries() []DeliveryTask
}

type inMemoryDeliveryQueue struct {
	ch chan DeliveryTask
}

func NewInMemoryDeliveryQueue(capacity int) DeliveryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemoryDeliveryQueue{ch: make(chan DeliveryTask, capacity)}
}

func (q *inMemoryDeliveryQueue) TryEnqueue(task DeliveryTask) bool {
	if q == nil || task.SubscriptionGID == "" {
		return false
	}
	select {
	case q.ch <- task:
		return true
	default:
		return false
	}
}

func (q *inMemoryDeliveryQueue) Enqueue(ctx context.Context, task DeliveryTask) bool {
	if q == nil || task.SubscriptionGID == "" {
		return false
	}
	select {
	case q.ch <- task:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryDeliveryQueue) Dequeue(ctx context.Context) (DeliveryTask, bool) {
	select {
	case task := <-q.ch:
		return task, true
	case <-ctx.Done():
		return DeliveryTask{}, false
	}
}

func (q *inMemoryDeliveryQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryDeliveryQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryDeliveryQueue) Close() error {
	return nil
}

// workspaceState is one partition: its resources, relationship edges, event
// log and webhook subscriptions. Unexported fields are derived indexes
// rebuilt on load and never persisted.
type workspaceState struct {
	Resources        map[string]*Resource           `json:"resources"`
	Memberships      map[string][]membershipEntry   `json:"memberships,omitempty"`
	Dependencies     map[string]map[string]bool     `json:"dependencies,omitempty"`
	Parents          map[string]string              `json:"parents,omitempty"`
	Children         map[string][]string            `json:"children,omitempty"`
	Events           []ChangeEvent                  `json:"events"`
	NextSequence     uint64                         `json:"nextSequence"`
	CompactedThrough uint64                         `json:"compactedThrough"`
	Subscriptions    map[string]*subscriptionRecord `json:"subscriptions,omitempty"`

	reverseDeps map[string]map[string]bool
	memberIndex map[string]map[string]bool
}

func newWorkspaceState() *workspaceState {
	ws := &workspaceState{
		Resources:     map[string]*Resource{},
		Memberships:   map[string][]membershipEntry{},
		Dependencies:  map[string]map[string]bool{},
		Parents:       map[string]string{},
		Children:      map[string][]string{},
		Subscriptions: map[string]*subscriptionRecord{},
		NextSequence:  1,
	}
	ws.rebuildIndexes()
	return ws
}

func (ws *workspaceState) normalize() {
	if ws.Resources == nil {
		ws.Resources = map[string]*Resource{}
	}
	if ws.Memberships == nil {
		ws.Memberships = map[string][]membershipEntry{}
	}
	if ws.Dependencies == nil {
		ws.Dependencies = map[string]map[string]bool{}
	}
	if ws.Parents == nil {
		ws.Parents = map[string]string{}
	}
	if ws.Children == nil {
		ws.Children = map[string][]string{}
	}
	if ws.Subscriptions == nil {
		ws.Subscriptions = map[string]*subscriptionRecord{}
	}
	if ws.NextSequence == 0 {
		ws.NextSequence = 1
	}
	ws.rebuildIndexes()
}

type persistedState struct {
	Workspaces map[string]*workspaceState `json:"workspaces"`
	LastGID    string                     `json:"lastGid,omitempty"`
}

type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

// Store owns the resource graph, the per-workspace change logs and the
// webhook delivery engine. One RWMutex guards all graph and log state;
// outbound HTTP always happens outside the lock.
type Store struct {
	mu      sync.RWMutex
	queueMu sync.Mutex

	workspaces        map[string]*workspaceState
	resourceIndex     map[string]string
	subscriptionIndex map[string]string

	gids    *gidAllocator
	lastGID string
	clock   func() time.Time

	stateBackend  StateBackend
	deliveryQueue DeliveryQueue
	client        DeliveryClient

	policy         DeliveryPolicy
	retention      time.Duration
	pageLimit      int
	cursorSecret   []byte
	backendProfile string

	queuedDeliveries map[string]struct{}
	deliverySlots    chan struct{}

	watcherMu  sync.Mutex
	watchers   map[uint64]*EventWatcher
	watcherSeq uint64

	closed      chan struct{}
	queueCtx    context.Context
	queueCancel context.CancelFunc
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	backend := opts.StateBackend
	if backend == nil && strings.TrimSpace(opts.StateFile) != "" {
		backend = NewJSONFileStateBackend(opts.StateFile)
	}
	queue := opts.DeliveryQueue
	if queue == nil {
		queue = NewInMemoryDeliveryQueue(opts.DeliveryQueueSize)
	}
	client := opts.DeliveryClient
	if client == nil {
		client = NewHTTPDeliveryClient(HTTPDeliveryClientOptions{})
	}
	retention := opts.EventRetention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	pageLimit := opts.PageLimit
	if pageLimit <= 0 {
		pageLimit = 100
	}
	secret := strings.TrimSpace(opts.CursorSecret)
	if secret == "" {
		secret = "dev-cursor-secret"
	}
	workers := opts.DeliveryWorkers
	if workers <= 0 {
		workers = 4
	}
	outbound := opts.MaxOutboundConcurrency
	if outbound <= 0 {
		outbound = 16
	}
	queueCtx, queueCancel := context.WithCancel(context.Background())
	s := &Store{
		workspaces:        map[string]*workspaceState{},
		resourceIndex:     map[string]string{},
		subscriptionIndex: map[string]string{},
		gids:              newGIDAllocator(clock),
		clock:             clock,
		stateBackend:      backend,
		deliveryQueue:     queue,
		client:            client,
		policy:            opts.Policy.withDefaults(),
		retention:         retention,
		pageLimit:         pageLimit,
		cursorSecret:      []byte(secret),
		backendProfile:    strings.TrimSpace(opts.BackendProfile),
		queuedDeliveries:  map[string]struct{}{},
		deliverySlots:     make(chan struct{}, outbound),
		watchers:          map[uint64]*EventWatcher{},
		closed:            make(chan struct{}),
		queueCtx:          queueCtx,
		queueCancel:       queueCancel,
	}
	if err := s.loadFromBackend(); err != nil {
		log.Printf("workgraph: failed to load persisted state: %v", err)
	}
	if snapshotter, ok := queue.(deliveryQueueSnapshotter); ok {
		s.queueMu.Lock()
		for _, task := range snapshotter.SnapshotDeliveries() {
			s.queuedDeliveries[deliveryKey(task)] = struct{}{}
		}
		s.queueMu.Unlock()
	}
	if !opts.DisableWorkers {
		for i := 0; i < workers; i++ {
			s.wg.Add(1)
			go s.deliveryWorker()
		}
		s.wg.Add(1)
		go s.compactionLoop()
		s.requeuePendingDeliveries()
	}
	return s
}

func (s *Store) loadFromBackend() error {
	if s.stateBackend == nil {
		return nil
	}
	state, err := s.stateBackend.Load()
	if err != nil || state == nil {
		return err
	}
	if state.Workspaces != nil {
		s.workspaces = state.Workspaces
	}
	for gid, ws := range s.workspaces {
		ws.normalize()
		for resourceGID := range ws.Resources {
			s.resourceIndex[resourceGID] = gid
		}
		for subGID, rec := range ws.Subscriptions {
			rec.normalize()
			s.subscriptionIndex[subGID] = gid
		}
	}
	s.gids.seed(state.LastGID)
	s.lastGID = state.LastGID
	return nil
}

// requeuePendingDeliveries re-arms delivery work that was persisted with a
// non-empty backlog before the last shutdown.
func (s *Store) requeuePendingDeliveries() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for wsGID, ws := range s.workspaces {
		for _, rec := range ws.Subscriptions {
			if len(rec.Pending) == 0 {
				continue
			}
			if rec.Subscription.State != SubscriptionActive && rec.Subscription.State != SubscriptionDegraded {
				continue
			}
			s.enqueueDelivery(DeliveryTask{WorkspaceGID: wsGID, SubscriptionGID: rec.Subscription.GID})
		}
	}
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.queueCancel()
		if s.deliveryQueue != nil {
			_ = s.deliveryQueue.Close()
		}
		s.wg.Wait()
		s.watcherMu.Lock()
		for _, w := range s.watchers {
			close(w.ch)
		}
		s.watchers = map[uint64]*EventWatcher{}
		s.watcherMu.Unlock()
		if closer, ok := s.stateBackend.(stateBackendCloser); ok {
			_ = closer.Close()
		}
	})
}

func (s *Store) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Store) nextGIDLocked() string {
	gid := s.gids.Next()
	s.lastGID = gid
	return gid
}

func (s *Store) workspaceLocked(gid string) *workspaceState {
	ws, ok := s.workspaces[gid]
	if !ok {
		ws = newWorkspaceState()
		s.workspaces[gid] = ws
	}
	return ws
}

func (s *Store) saveLocked() {
	if s.stateBackend == nil {
		return
	}
	state := &persistedState{
		Workspaces: s.workspaces,
		LastGID:    s.lastGID,
	}
	if err := s.stateBackend.Save(state); err != nil {
		log.Printf("workgraph: state save failed: %v", err)
	}
}

// UpdateDeliveryPolicy swaps in new delivery knobs. Zero values keep the
// current setting so partial config reloads are safe.
func (s *Store) UpdateDeliveryPolicy(p DeliveryPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.policy
	if p.DebounceWindow > 0 {
		current.DebounceWindow = p.DebounceWindow
	}
	if p.RetryBaseDelay > 0 {
		current.RetryBaseDelay = p.RetryBaseDelay
	}
	if p.RetryMaxDelay > 0 {
		current.RetryMaxDelay = p.RetryMaxDelay
	}
	if p.DisableThreshold > 0 {
		current.DisableThreshold = p.DisableThreshold
	}
	if p.HandshakeTimeout > 0 {
		current.HandshakeTimeout = p.HandshakeTimeout
	}
	if p.DeliveryTimeout > 0 {
		current.DeliveryTimeout = p.DeliveryTimeout
	}
	if p.MaxBatchEvents > 0 {
		current.MaxBatchEvents = p.MaxBatchEvents
	}
	s.policy = current
}

// UpdateEventRetention adjusts the compaction horizon at runtime.
func (s *Store) UpdateEventRetention(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.retention = d
	s.mu.Unlock()
}

func (s *Store) GetBackendStatus() BackendStatus {
	s.mu.RLock()
	profile := s.backendProfile
	s.mu.RUnlock()
	return BackendStatus{
		BackendProfile:     profile,
		StateBackend:       backendName(s.stateBackend),
		DeliveryQueue:      backendName(s.deliveryQueue),
		DeliveryQueueDepth: s.deliveryQueue.Depth(),
		DeliveryQueueCap:   s.deliveryQueue.Capacity(),
	}
}

func backendName(v any) string {
	if v == nil {
		return "none"
	}
	name := fmt.Sprintf("%T", v)
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimPrefix(name, "*")
}

// GetResource returns a copy of a resource by GID, searching across
// workspaces through the identifier index.
func (s *Store) GetResource(gid string) (*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wsGID, ok := s.resourceIndex[gid]
	if !ok {
		return nil, ErrNotFound
	}
	res, ok := s.workspaces[wsGID].Resources[gid]
	if !ok || res.Deleted {
		return nil, ErrNotFound
	}
	clone := *res
	clone.Fields = cloneStringMap(res.Fields)
	return &clone, nil
}

// Apply validates and commits one mutation against its workspace partition.
// The graph change and the derived event batch commit together under the
// store lock, or not at all.
func (s *Store) Apply(mut Mutation) (*ApplyResult, error) {
	if strings.TrimSpace(mut.WorkspaceGID) == "" {
		return nil, validationErr("workspaceGid", "is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	ws := s.workspaceLocked(mut.WorkspaceGID)

	var result *ApplyResult
	var err error
	switch mut.Action {
	case MutationCreate:
		result, err = s.applyCreateLocked(ws, mut)
	case MutationUpdate:
		result, err = s.applyUpdateLocked(ws, mut)
	case MutationDelete:
		result, err = s.applyDeleteLocked(ws, mut)
	case MutationUndelete:
		result, err = s.applyUndeleteLocked(ws, mut)
	case MutationAddMembership:
		result, err = s.applyAddMembershipLocked(ws, mut)
	case MutationRemoveMembership:
		result, err = s.applyRemoveMembershipLocked(ws, mut)
	case MutationMoveMembership:
		result, err = s.applyMoveMembershipLocked(ws, mut)
	case MutationAddDependency:
		result, err = s.applyAddDependencyLocked(ws, mut)
	case MutationRemoveDependency:
		result, err = s.applyRemoveDependencyLocked(ws, mut)
	case MutationSetParent:
		result, err = s.applySetParentLocked(ws, mut)
	case MutationDuplicate:
		result, err = s.applyDuplicateLocked(ws, mut)
	default:
		return nil, validationErr("action", "is not a recognized mutation action")
	}
	if err != nil {
		return nil, err
	}
	result.Events = s.commitEventsLocked(mut.WorkspaceGID, ws, result.Events)
	s.saveLocked()
	return result, nil
}

func (s *Store) applyCreateLocked(ws *workspaceState, mut Mutation) (*ApplyResult, error) {
	resourceType := strings.TrimSpace(mut.ResourceType)
	if resourceType == "" {
		return nil, validationErr("resourceType", "is required")
	}
	op, err := parseCreateOp(mut.Payload)
	if err != nil {
		return nil, err
	}
	var parentRef *ResourceRef
	if op.ParentGID != "" {
		parent, err := ws.liveResource(op.ParentGID)
		if err != nil {
			return nil, err
		}
		parentRef = &ResourceRef{GID: parent.GID, ResourceType: parent.ResourceType}
	}
	var projectRef *ResourceRef
	if op.ProjectGID != "" {
		project, err := ws.liveResource(op.ProjectGID)
		if err != nil {
			return nil, err
		}
		projectRef = &ResourceRef{GID: project.GID, ResourceType: project.ResourceType}
	}

	now := formatTime(s.clock())
	gid := s.nextGIDLocked()
	res := &Resource{
		GID:          gid,
		ResourceType: resourceType,
		WorkspaceGID: mut.WorkspaceGID,
		Name:         op.Name,
		Fields:       cloneStringMap(op.Fields),
		Version:      1,
		CreatedAt:    now,
		ModifiedAt:   now,
	}
	ws.Resources[gid] = res
	s.resourceIndex[gid] = mut.WorkspaceGID
	if parentRef != nil {
		ws.attachChild(parentRef.GID, gid)
	}
	if projectRef != nil {
		entry := membershipEntry{TaskGID: gid, SectionGID: op.SectionGID}
		if err := ws.insertMembership(projectRef.GID, entry, "", ""); err != nil {
			return nil, err
		}
	}

	eventParent := parentRef
	if eventParent == nil {
		eventParent = projectRef
	}
	event := ChangeEvent{
		Resource: ResourceRef{GID: gid, ResourceType: resourceType},
		Action:   EventCreated,
		Parent:   eventParent,
		User:     userRef(mut.UserGID),
	}
	return &ApplyResult{Resource: cloneResource(res), Events: []ChangeEvent{event}}, nil
}

func (s *Store) applyUpdateLocked(ws *workspaceState, mut Mutation) (*ApplyResult, error) {
	op, err := parseUpdateOp(mut.Payload)
	if err != nil {
		return nil, err
	}
	res, err := ws.liveResource(op.GID)
	if err != nil {
		return nil, err
	}
	if err := checkVersion(res, op.ExpectedVersion); err != nil {
		return nil, err
	}
	field := "fields"
	if op.HasName {
		res.Name = op.Name
		field = "name"
	}
	for key, value := range op.Fields {
		if res.Fields == nil {
			res.Fields = map[string]string{}
		}
		if value == "" {
			delete(res.Fields, key)
			continue
		}
		res.Fields[key] = value
	}
	s.touchLocked(res)
	event := ChangeEvent{
		Resource: ResourceRef{GID: res.GID, ResourceType: res.ResourceType},
		Action:   EventChanged,
		User:     userRef(mut.UserGID),
		Change:   &ChangeSummary{Field: field, Action: "changed"},
	}
	return &ApplyResult{Resource: cloneResource(res), Events: []ChangeEvent{event}}, nil
}

func (s *Store) applyDeleteLocked(ws *workspaceState, mut Mutation) (*ApplyResult, error) {
	op, err := parseLifecycleOp(mut.Payload)
	if err != nil {
		return nil, err
	}
	res, err := ws.liveResource(op.GID)
	if err != nil {
		return nil, err
	}
	if err := checkVersion(res, op.ExpectedVersion); err != nil {
		return nil, err
	}
	res.Deleted = true
	s.touchLocked(res)
	event := ChangeEvent{
		Resource: ResourceRef{GID: res.GID, ResourceType: res.ResourceType},
		Action:   EventDeleted,
		User:     userRef(mut.UserGID),
	}
	return &ApplyResult{Resource: cloneResource(res), Events: []ChangeEvent{event}}, nil
}

func (s *Store) applyUndeleteLocked(ws *workspaceState, mut Mutation) (*ApplyResult, error) {
	op, err := parseLifecycleOp(mut.Payload)
	if err != nil {
		return nil, err
	}
	res, ok := ws.Resources[op.GID]
	if !ok || !res.Deleted {
		return nil, ErrNotFound
	}
	if err := checkVersion(res, op.ExpectedVersion); err != nil {
		return nil, err
	}
	res.Deleted = false
	s.touchLocked(res)
	event := ChangeEvent{
		Resource: ResourceRef{GID: res.GID, ResourceType: res.ResourceType},
		Action:   EventUndeleted,
		User:     userRef(mut.UserGID),
	}
	return &ApplyResult{Resource: cloneResource(res), Events: []ChangeEvent{event}}, nil
}

func (s *Store) applyAddMembershipLocked(ws *workspaceState, mut Mutation) (*ApplyResult, error) {
	op, err := parseMembershipOp(mut.Payload, true)
	if err != nil {
		return nil, err
	}
	task, err := ws.liveResource(op.TaskGID)
	if err != nil {
		return nil, err
	}
	project, err := ws.liveResource(op.ProjectGID)
	if err != nil {
		return nil, err
	}
	if ws.membershipIndexOf(op.ProjectGID, op.TaskGID) >= 0 {
		return nil, validationErr("taskGid", "is already a member of the project")
	}
	entry := membershipEntry{TaskGID: op.TaskGID, SectionGID: op.SectionGID}
	if err := ws.insertMembership(op.ProjectGID, entry, op.InsertBefore, op.InsertAfter); err != nil {
		return nil, err
	}
	s.touchLocked(task)
	event := ChangeEvent{
		Resource: ResourceRef{GID: task.GID, ResourceType: task.ResourceType},
		Action:   EventAdded,
		Parent:   &ResourceRef{GID: project.GID, ResourceType: project.ResourceType},
		User:     userRef(mut.UserGID),
	}
	return &ApplyResult{Resource: cloneResource(task), Events: []ChangeEvent{event}}, nil
}

func (s *Store) applyRemoveMembershipLocked(ws *workspaceState, mut Mutation) (*ApplyResult, error) {
	op, err := parseMembershipOp(mut.Payload, true)
	if err != nil {
		return nil, err
	}
	task, err := ws.liveResource(op.TaskGID)
	if err != nil {
		return nil, err
	}
	project, err := ws.liveResource(op.ProjectGID)
	if err != nil {
		return nil, err
	}
	if !ws.removeMembership(op.ProjectGID, op.TaskGID) {
		return nil, ErrNotFound
	}
	s.touchLocked(task)
	event := ChangeEvent{
		Resource: ResourceRef{GID: task.GID, ResourceType: task.ResourceType},
		Action:   EventRemoved,
		Parent:   &ResourceRef{GID: project.GID, ResourceType: project.ResourceType},
		User:     userRef(mut.UserGID),
	}
	return &ApplyResult{Resource: cloneResource(task), Events: []ChangeEvent{event}}, nil
}

func (s *Store) applyMoveMembershipLocked(ws *workspaceState, mut Mutation) (*ApplyResult, error) {
	op, err := parseMembershipOp(mut.Payload, true)
	if err != nil {
		return nil, err
	}
	task, err := ws.liveResource(op.TaskGID)
	if err != nil {
		return nil, err
	}
	project, err := ws.liveResource(op.ProjectGID)
	if err != nil {
		return nil, err
	}
	idx := ws.membershipIndexOf(op.ProjectGID, op.TaskGID)
	if idx < 0 {
		return nil, ErrNotFound
	}
	// Anchors are checked before the entry moves so a rejected move leaves
	// the membership list untouched. A self-anchor would vanish with the
	// removal, so it is rejected as well.
	if op.InsertBefore != "" && (op.InsertBefore == op.TaskGID || ws.membershipIndexOf(op.ProjectGID, op.InsertBefore) < 0) {
		return nil, validationErr("insertBefore", "does not name another member of the project")
	}
	if op.InsertAfter != "" && (op.InsertAfter == op.TaskGID || ws.membershipIndexOf(op.ProjectGID, op.InsertAfter) < 0) {
		return nil, validationErr("insertAfter", "does not name another member of the project")
	}
	entry := ws.Memberships[op.ProjectGID][idx]
	if op.SectionGID != "" {
		entry.SectionGID = op.SectionGID
	}
	ws.removeMembership(op.ProjectGID, op.TaskGID)
	if err := ws.insertMembership(op.ProjectGID, entry, op.InsertBefore, op.InsertAfter); err != nil {
		return nil, err
	}
	s.touchLocked(task)
	event := ChangeEvent{
		Resource: ResourceRef{GID: task.GID, ResourceType: task.ResourceType},
		Action:   EventChanged,
		Parent:   &ResourceRef{GID: project.GID, ResourceType: project.ResourceType},
		User:     userRef(mut.UserGID),
		Change:   &ChangeSummary{Field: "memberships", Action: "changed"},
	}
	return &ApplyResult{Resource: cloneResource(task), Events: []ChangeEvent{event}}, nil
}

func (s *Store) applyAddDependencyLocked(ws *workspaceState, mut Mutation) (*ApplyResult, error) {
	op, err := parseDependencyOp(mut.Payload)
	if err != nil {
		return nil, err
	}
	blocking, err := ws.liveResource(op.BlockingGID)
	if err != nil {
		return nil, err
	}
	blocked, err := ws.liveResource(op.BlockedGID)
	if err != nil {
		return nil, err
	}
	if ws.hasDependency(op.BlockingGID, op.BlockedGID) {
		return nil, validationErr("blockedGid", "dependency already exists")
	}
	if path := ws.dependencyPath(op.BlockedGID, op.BlockingGID); path != nil {
		return nil, &CycleError{
			Relation: "dependency",
			FromGID:  op.BlockingGID,
			ToGID:    op.BlockedGID,
			Path:     path,
		}
	}
	ws.linkDependency(op.BlockingGID, op.BlockedGID)
	s.touchLocked(blocked)
	event := ChangeEvent{
		Resource: ResourceRef{GID: blocked.GID, ResourceType: blocked.ResourceType},
		Action:   EventChanged,
		Parent:   &ResourceRef{GID: blocking.GID, ResourceType: blocking.ResourceType},
		User:     userRef(mut.UserGID),
		Change:   &ChangeSummary{Field: "dependencies", Action: "added"},
	}
	return &ApplyResult{Resource: cloneResource(blocked), Events: []ChangeEvent{event}}, nil
}

func (s *Store) applyRemoveDependencyLocked(ws *workspaceState, mut Mutation) (*ApplyResult, error) {
	op, err := parseDependencyOp(mut.Payload)
	if err != nil {
		return nil, err
	}
	blocked, err := ws.liveResource(op.BlockedGID)
	if err != nil {
		return nil, err
	}
	if !ws.unlinkDependency(op.BlockingGID, op.BlockedGID) {
		return nil, ErrNotFound
	}
	s.touchLocked(blocked)
	event := ChangeEvent{
		Resource: ResourceRef{GID: blocked.GID, ResourceType: blocked.ResourceType},
		Action:   EventChanged,
		User:     userRef(mut.UserGID),
		Change:   &ChangeSummary{Field: "dependencies", Action: "removed"},
	}
	return &ApplyResult{Resource: cloneResource(blocked), Events: []ChangeEvent{event}}, nil
}

func (s *Store) applySetParentLocked(ws *workspaceState, mut Mutation) (*ApplyResult, error) {
	op, err := parseParentOp(mut.Payload)
	if err != nil {
		return nil, err
	}
	task, err := ws.liveResource(op.TaskGID)
	if err != nil {
		return nil, err
	}
	var parentRef *ResourceRef
	if op.ParentGID != "" {
		parent, err := ws.liveResource(op.ParentGID)
		if err != nil {
			return nil, err
		}
		if ws.subtaskAncestor(op.TaskGID, op.ParentGID) {
			path := []string{op.ParentGID}
			for at := ws.Parents[op.ParentGID]; at != ""; at = ws.Parents[at] {
				path = append(path, at)
				if at == op.TaskGID {
					break
				}
			}
			return nil, &CycleError{
				Relation: "subtask",
				FromGID:  op.ParentGID,
				ToGID:    op.TaskGID,
				Path:     path,
			}
		}
		parentRef = &ResourceRef{GID: parent.GID, ResourceType: parent.ResourceType}
	}
	if old := ws.Parents[op.TaskGID]; old != "" {
		ws.detachChild(old, op.TaskGID)
	}
	if parentRef != nil {
		ws.attachChild(parentRef.GID, op.TaskGID)
	}
	s.touchLocked(task)
	event := ChangeEvent{
		Resource: ResourceRef{GID: task.GID, ResourceType: task.ResourceType},
		Action:   EventChanged,
		Parent:   parentRef,
		User:     userRef(mut.UserGID),
		Change:   &ChangeSummary{Field: "parent", Action: "changed"},
	}
	return &ApplyResult{Resource: cloneResource(task), Events: []ChangeEvent{event}}, nil
}

// applyDuplicateLocked deep-copies a resource and, per the include manifest,
// its subtask tree, memberships and dependency edges. The whole copy is
// staged before any of it becomes visible so a failed validation cannot
// leave a half-duplicated graph.
func (s *Store) applyDuplicateLocked(ws *workspaceState, mut Mutation) (*ApplyResult, error) {
	op, err := parseDuplicateOp(mut.Payload)
	if err != nil {
		return nil, err
	}
	src, err := ws.liveResource(op.GID)
	if err != nil {
		return nil, err
	}
	include := map[string]bool{}
	for _, part := range op.Include {
		include[part] = true
	}

	now := formatTime(s.clock())
	copies := map[string]string{}
	order := []string{op.GID}
	if include["subtasks"] {
		for i := 0; i < len(order); i++ {
			order = append(order, ws.Children[order[i]]...)
		}
	}
	staged := make([]*Resource, 0, len(order))
	for _, origGID := range order {
		orig := ws.Resources[origGID]
		if orig == nil || orig.Deleted {
			continue
		}
		clone := &Resource{
			GID:          s.nextGIDLocked(),
			ResourceType: orig.ResourceType,
			WorkspaceGID: orig.WorkspaceGID,
			Name:         orig.Name,
			Version:      1,
			CreatedAt:    now,
			ModifiedAt:   now,
		}
		if include["fields"] {
			clone.Fields = cloneStringMap(orig.Fields)
		}
		if origGID == op.GID && op.Name != "" {
			clone.Name = op.Name
		}
		copies[origGID] = clone.GID
		staged = append(staged, clone)
	}

	for _, clone := range staged {
		ws.Resources[clone.GID] = clone
		s.resourceIndex[clone.GID] = mut.WorkspaceGID
	}
	for origGID, copyGID := range copies {
		if origGID == op.GID {
			continue
		}
		origParent := ws.Parents[origGID]
		parentCopy, ok := copies[origParent]
		if !ok {
			continue
		}
		ws.attachChild(parentCopy, copyGID)
	}
	if include["memberships"] {
		for project := range ws.memberIndex[op.GID] {
			entry := membershipEntry{TaskGID: copies[op.GID]}
			if idx := ws.membershipIndexOf(project, op.GID); idx >= 0 {
				entry.SectionGID = ws.Memberships[project][idx].SectionGID
			}
			if err := ws.insertMembership(project, entry, "", ""); err != nil {
				return nil, err
			}
		}
	}
	if include["dependencies"] {
		for origGID, copyGID := range copies {
			for blocked := range ws.Dependencies[origGID] {
				target := blocked
				if mapped, ok := copies[blocked]; ok {
					target = mapped
				}
				if !ws.hasDependency(copyGID, target) {
					ws.linkDependency(copyGID, target)
				}
			}
			for blocking := range ws.reverseDeps[origGID] {
				source := blocking
				if mapped, ok := copies[blocking]; ok {
					source = mapped
				}
				if !ws.hasDependency(source, copyGID) {
					ws.linkDependency(source, copyGID)
				}
			}
		}
	}

	events := make([]ChangeEvent, 0, len(staged))
	for _, clone := range staged {
		var parentRef *ResourceRef
		if parent := ws.Parents[clone.GID]; parent != "" {
			if parentRes := ws.Resources[parent]; parentRes != nil {
				parentRef = &ResourceRef{GID: parent, ResourceType: parentRes.ResourceType}
			}
		}
		events = append(events, ChangeEvent{
			Resource: ResourceRef{GID: clone.GID, ResourceType: clone.ResourceType},
			Action:   EventCreated,
			Parent:   parentRef,
			User:     userRef(mut.UserGID),
		})
	}
	root := ws.Resources[copies[src.GID]]
	return &ApplyResult{Resource: cloneResource(root), Events: events}, nil
}

func (ws *workspaceState) liveResource(gid string) (*Resource, error) {
	res, ok := ws.Resources[gid]
	if !ok || res.Deleted {
		return nil, ErrNotFound
	}
	return res, nil
}

func checkVersion(res *Resource, expected int64) error {
	if expected == 0 || expected == res.Version {
		return nil
	}
	return &ConflictError{
		ResourceGID:     res.GID,
		ExpectedVersion: expected,
		CurrentVersion:  res.Version,
	}
}

func (s *Store) touchLocked(res *Resource) {
	res.Version++
	res.ModifiedAt = formatTime(s.clock())
}

func userRef(gid string) *ResourceRef {
	if strings.TrimSpace(gid) == "" {
		return nil
	}
	return &ResourceRef{GID: gid, ResourceType: "user"}
}

func cloneResource(res *Resource) *Resource {
	if res == nil {
		return nil
	}
	clone := *res
	clone.Fields = cloneStringMap(res.Fields)
	return &clone
}

func cloneStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func deliveryKey(task DeliveryTask) string {
	return task.WorkspaceGID + "/" + task.SubscriptionGID
}
