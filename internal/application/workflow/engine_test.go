package workflow

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/garyjia/stageflow/internal/application/dispatcher"
	"github.com/garyjia/stageflow/internal/application/port"
	"github.com/garyjia/stageflow/internal/domain/entity"
	"github.com/garyjia/stageflow/internal/domain/event"
	domainwf "github.com/garyjia/stageflow/internal/domain/workflow"
)

// Mock implementations

type txParticipant interface {
	snapshot() interface{}
	restore(state interface{})
}

type mockInstanceStore struct {
	mu        sync.Mutex
	instances map[int64]*entity.WorkflowInstance
	nextID    int64
	createErr error
}

func newMockInstanceStore() *mockInstanceStore {
	return &mockInstanceStore{instances: make(map[int64]*entity.WorkflowInstance)}
}

func (m *mockInstanceStore) Create(ctx context.Context, instance *entity.WorkflowInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.nextID++
	instance.ID = m.nextID
	m.instances[instance.ID] = instance.Clone()
	return nil
}

func (m *mockInstanceStore) Get(ctx context.Context, id int64) (*entity.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	instance, exists := m.instances[id]
	if !exists {
		return nil, fmt.Errorf("%w: %d", domainwf.ErrInstanceNotFound, id)
	}
	return instance.Clone(), nil
}

func (m *mockInstanceStore) ListByStage(ctx context.Context, workflowType, stage string) ([]*entity.WorkflowInstance, error) {
	return m.List(ctx, entity.InstanceFilter{WorkflowType: workflowType, Stage: stage})
}

func (m *mockInstanceStore) ListByReference(ctx context.Context, referenceType, referenceID string) ([]*entity.WorkflowInstance, error) {
	return m.List(ctx, entity.InstanceFilter{ReferenceType: referenceType, ReferenceID: referenceID})
}

func (m *mockInstanceStore) List(ctx context.Context, f entity.InstanceFilter) ([]*entity.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*entity.WorkflowInstance
	for _, inst := range m.instances {
		if (f.WorkflowType == "" || inst.WorkflowType == f.WorkflowType) &&
			(f.Stage == "" || inst.CurrentStage == f.Stage) &&
			(f.Status == "" || inst.Status == f.Status) &&
			(f.ReferenceType == "" || inst.ReferenceType == f.ReferenceType) &&
			(f.ReferenceID == "" || inst.ReferenceID == f.ReferenceID) {
			result = append(result, inst.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *mockInstanceStore) FindActive(ctx context.Context, workflowType, referenceType, referenceID string) (*entity.WorkflowInstance, error) {
	list, _ := m.List(ctx, entity.InstanceFilter{
		WorkflowType:  workflowType,
		ReferenceType: referenceType,
		ReferenceID:   referenceID,
		Status:        domainwf.StatusActive,
	})
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (m *mockInstanceStore) CompareAndUpdate(ctx context.Context, u port.InstanceUpdate) (*entity.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, exists := m.instances[u.ID]
	if !exists {
		return nil, fmt.Errorf("%w: %d", domainwf.ErrInstanceNotFound, u.ID)
	}
	if inst.CurrentStage != u.ExpectedStage || inst.Status != domainwf.StatusActive || inst.Version != u.ExpectedVersion {
		return nil, fmt.Errorf("%w: instance %d", domainwf.ErrConcurrentModification, u.ID)
	}
	next := inst.Clone()
	next.CurrentStage = u.NewStage
	next.Status = u.NewStatus
	next.Data = entity.MergeData(inst.Data, u.Patch)
	next.Version++
	next.UpdatedAt = time.Now()
	if u.NewStatus.IsTerminal() {
		t := next.UpdatedAt
		next.CompletedAt = &t
	}
	m.instances[u.ID] = next
	return next.Clone(), nil
}

func (m *mockInstanceStore) snapshot() interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make(map[int64]*entity.WorkflowInstance, len(m.instances))
	for id, inst := range m.instances {
		copied[id] = inst.Clone()
	}
	return copied
}

func (m *mockInstanceStore) restore(state interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances = state.(map[int64]*entity.WorkflowInstance)
}

type mockAuditTrail struct {
	mu      sync.Mutex
	records []*entity.TransitionRecord
	nextID  int64
	failOn  func(record *entity.TransitionRecord) bool
}

func (m *mockAuditTrail) Append(ctx context.Context, record *entity.TransitionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn != nil && m.failOn(record) {
		return errors.New("disk full")
	}
	m.nextID++
	record.ID = m.nextID
	m.records = append(m.records, record)
	return nil
}

func (m *mockAuditTrail) History(ctx context.Context, instanceID int64) ([]*entity.TransitionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*entity.TransitionRecord
	for _, r := range m.records {
		if r.InstanceID == instanceID {
			result = append(result, r)
		}
	}
	return result, nil
}

func (m *mockAuditTrail) applied(instanceID int64) []*entity.TransitionRecord {
	history, _ := m.History(context.Background(), instanceID)
	var result []*entity.TransitionRecord
	for _, r := range history {
		if r.IsApplied() {
			result = append(result, r)
		}
	}
	return result
}

func (m *mockAuditTrail) snapshot() interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*entity.TransitionRecord(nil), m.records...)
}

func (m *mockAuditTrail) restore(state interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = state.([]*entity.TransitionRecord)
}

type mockNotificationRepo struct {
	mu            sync.Mutex
	notifications []*entity.StageNotification
}

func (m *mockNotificationRepo) Create(ctx context.Context, n *entity.StageNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n.ID = int64(len(m.notifications) + 1)
	m.notifications = append(m.notifications, n)
	return nil
}

func (m *mockNotificationRepo) GetPending(ctx context.Context, limit int) ([]*entity.StageNotification, error) {
	return nil, nil
}

func (m *mockNotificationRepo) GetByInstanceID(ctx context.Context, instanceID int64) ([]*entity.StageNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*entity.StageNotification
	for _, n := range m.notifications {
		if n.InstanceID == instanceID {
			result = append(result, n)
		}
	}
	return result, nil
}

func (m *mockNotificationRepo) MarkSent(ctx context.Context, id int64) error { return nil }

func (m *mockNotificationRepo) MarkAttemptFailed(ctx context.Context, id int64, errMsg string, maxAttempts int) error {
	return nil
}

func (m *mockNotificationRepo) snapshot() interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*entity.StageNotification(nil), m.notifications...)
}

func (m *mockNotificationRepo) restore(state interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = state.([]*entity.StageNotification)
}

// mockTxManager serializes transactions and restores every participant on error
type mockTxManager struct {
	mu           sync.Mutex
	participants []txParticipant
	commitErr    error
}

func (m *mockTxManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make([]interface{}, len(m.participants))
	for i, p := range m.participants {
		states[i] = p.snapshot()
	}

	err := fn(ctx)
	if err == nil && m.commitErr != nil {
		err = m.commitErr
	}
	if err != nil {
		for i, p := range m.participants {
			p.restore(states[i])
		}
	}
	return err
}

type mockLogger struct{}

func (mockLogger) Info(msg string, keysAndValues ...interface{})  {}
func (mockLogger) Error(msg string, keysAndValues ...interface{}) {}

// Fixtures

var (
	applicant   = domainwf.Actor{ID: "u-applicant", Roles: []string{"applicant"}}
	registrar   = domainwf.Actor{ID: "u-registrar", Roles: []string{"registrar"}}
	interviewer = domainwf.Actor{ID: "u-interviewer", Permissions: []string{"admission.interview"}}
	outsider    = domainwf.Actor{ID: "u-outsider", Roles: []string{"parent"}}
)

func admissionModule(t *testing.T, handlers map[string]dispatcher.HandlerFunc, entry map[string]dispatcher.HandlerFunc) Module {
	t.Helper()

	b := domainwf.NewBuilder("admission").Describe("Student Admission", "")
	b.Configure("application").Label("Application Submission")
	b.Configure("documents_verified").Label("Documents Verified").From("application").Roles("registrar")
	b.Configure("interview_passed").Label("Interview Passed").From("documents_verified").Permissions("admission.interview")
	b.Configure("enrolled").Label("Enrolled").From("interview_passed").Roles("registrar").Terminal()
	b.Action("verify_documents", "documents_verified").Label("Verify Documents").RequiresData("doc_count")
	b.Action("pass_interview", "interview_passed").Label("Pass Interview")
	b.Action("enroll", "enrolled").Label("Enroll")

	def, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return Module{Definition: def, Handlers: handlers, EntryHandlers: entry}
}

type testEnv struct {
	engine        WorkflowEngine
	store         *mockInstanceStore
	audit         *mockAuditTrail
	notifications *mockNotificationRepo
	tx            *mockTxManager
	events        *[]*event.Event
}

func newTestEnv(t *testing.T, module Module, opts ...EngineOption) *testEnv {
	t.Helper()

	store := newMockInstanceStore()
	audit := &mockAuditTrail{}
	notifications := &mockNotificationRepo{}
	tx := &mockTxManager{participants: []txParticipant{store, audit, notifications}}

	var mu sync.Mutex
	events := make([]*event.Event, 0)
	listener := func(ctx context.Context, evt *event.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, evt)
	}

	allOpts := append([]EngineOption{
		WithLogger(mockLogger{}),
		WithNotifications(notifications),
		WithEventListener(listener),
	}, opts...)

	engine := NewEngine(domainwf.NewRegistry(), store, audit, tx, dispatcher.NewDispatcher(), allOpts...)
	if err := engine.RegisterModule(module); err != nil {
		t.Fatalf("RegisterModule() error = %v", err)
	}

	return &testEnv{engine: engine, store: store, audit: audit, notifications: notifications, tx: tx, events: &events}
}

func (env *testEnv) initiate(t *testing.T, referenceID string, data map[string]interface{}) *Result {
	t.Helper()
	result, err := env.engine.Initiate(context.Background(), InitiateRequest{
		WorkflowType:  "admission",
		ReferenceType: "application",
		ReferenceID:   referenceID,
		Actor:         applicant,
		Data:          data,
	})
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	return result
}

func actionNames(views []ActionView) []string {
	names := make([]string, 0, len(views))
	for _, v := range views {
		names = append(names, v.Name)
	}
	return names
}

// Tests

func TestEngine_InitiateThenStatus(t *testing.T) {
	env := newTestEnv(t, admissionModule(t, nil, nil))

	result := env.initiate(t, "501", map[string]interface{}{"applicant": "Jane"})
	if result.CurrentStage != "application" {
		t.Errorf("Initiate() stage = %v, want application", result.CurrentStage)
	}
	if result.Outcome != OutcomeSuccess || result.Status != domainwf.StatusActive {
		t.Errorf("Initiate() outcome/status = %v/%v", result.Outcome, result.Status)
	}

	tests := []struct {
		name  string
		actor domainwf.Actor
		want  []string
	}{
		{"registrar sees verification", registrar, []string{"verify_documents"}},
		{"interviewer cannot verify", interviewer, []string{}},
		{"applicant has nothing to do", applicant, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view, err := env.engine.Status(context.Background(), result.InstanceID, tt.actor)
			if err != nil {
				t.Fatalf("Status() error = %v", err)
			}
			if view.CurrentStage != "application" || view.StageLabel != "Application Submission" {
				t.Errorf("Status() stage = %v (%v)", view.CurrentStage, view.StageLabel)
			}
			if got := actionNames(view.AvailableActions); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Status() actions = %v, want %v", got, tt.want)
			}
			if len(view.History) != 1 || view.History[0].FromStage != nil {
				t.Errorf("Status() history = %+v, want single initiation record", view.History)
			}
		})
	}
}

func TestEngine_InitiateFailures(t *testing.T) {
	t.Run("unknown workflow type", func(t *testing.T) {
		env := newTestEnv(t, admissionModule(t, nil, nil))
		result, err := env.engine.Initiate(context.Background(), InitiateRequest{WorkflowType: "payroll", Actor: applicant})
		if !errors.Is(err, domainwf.ErrUnknownWorkflowType) {
			t.Fatalf("Initiate() error = %v, want ErrUnknownWorkflowType", err)
		}
		if result.ErrorKind != domainwf.KindUnknownWorkflowType {
			t.Errorf("Result.ErrorKind = %v", result.ErrorKind)
		}
	})

	t.Run("duplicate active instance", func(t *testing.T) {
		env := newTestEnv(t, admissionModule(t, nil, nil))
		env.initiate(t, "501", nil)
		_, err := env.engine.Initiate(context.Background(), InitiateRequest{
			WorkflowType: "admission", ReferenceType: "application", ReferenceID: "501", Actor: applicant,
		})
		if !errors.Is(err, domainwf.ErrDuplicateActiveInstance) {
			t.Fatalf("Initiate() error = %v, want ErrDuplicateActiveInstance", err)
		}
		list, _ := env.engine.ListByReference(context.Background(), "application", "501")
		if len(list) != 1 {
			t.Errorf("ListByReference() len = %d, want 1", len(list))
		}
	})

	t.Run("duplicates allowed when policy disabled", func(t *testing.T) {
		env := newTestEnv(t, admissionModule(t, nil, nil), WithSingleActivePerReference(false))
		env.initiate(t, "501", nil)
		env.initiate(t, "501", nil)
		list, _ := env.engine.ListByReference(context.Background(), "application", "501")
		if len(list) != 2 {
			t.Errorf("ListByReference() len = %d, want 2", len(list))
		}
	})

	t.Run("anonymous actor", func(t *testing.T) {
		env := newTestEnv(t, admissionModule(t, nil, nil))
		_, err := env.engine.Initiate(context.Background(), InitiateRequest{WorkflowType: "admission", ReferenceID: "1"})
		if !errors.Is(err, domainwf.ErrForbidden) {
			t.Fatalf("Initiate() error = %v, want ErrForbidden", err)
		}
	})

	t.Run("entry handler failure rolls back creation", func(t *testing.T) {
		entry := map[string]dispatcher.HandlerFunc{
			"application": func(ctx context.Context, inst dispatcher.InstanceView, data map[string]interface{}) (dispatcher.Patch, error) {
				return nil, errors.New("applicant blacklisted")
			},
		}
		env := newTestEnv(t, admissionModule(t, nil, entry))
		_, err := env.engine.Initiate(context.Background(), InitiateRequest{
			WorkflowType: "admission", ReferenceType: "application", ReferenceID: "501", Actor: applicant,
		})
		if !errors.Is(err, domainwf.ErrHandlerFailed) {
			t.Fatalf("Initiate() error = %v, want ErrHandlerFailed", err)
		}
		list, _ := env.store.List(context.Background(), entity.InstanceFilter{})
		if len(list) != 0 {
			t.Errorf("instances after rollback = %d, want 0", len(list))
		}
		if len(env.audit.records) != 0 {
			t.Errorf("audit records after rollback = %d, want 0", len(env.audit.records))
		}
	})
}

func TestEngine_InitiateRunsEntryHandler(t *testing.T) {
	entry := map[string]dispatcher.HandlerFunc{
		"application": func(ctx context.Context, inst dispatcher.InstanceView, data map[string]interface{}) (dispatcher.Patch, error) {
			return dispatcher.Patch{"application_no": fmt.Sprintf("APP-%d", inst.ID())}, nil
		},
	}
	env := newTestEnv(t, admissionModule(t, nil, entry))

	result := env.initiate(t, "501", map[string]interface{}{"applicant": "Jane"})
	want := map[string]interface{}{"applicant": "Jane", "application_no": "APP-1"}
	if !reflect.DeepEqual(result.Data, want) {
		t.Errorf("Initiate() data = %v, want %v", result.Data, want)
	}

	history, _ := env.engine.History(context.Background(), result.InstanceID)
	if !reflect.DeepEqual(entity.ReplayData(history), want) {
		t.Errorf("replayed initiation = %v, want %v", entity.ReplayData(history), want)
	}
}

func TestEngine_AdmissionScenario(t *testing.T) {
	env := newTestEnv(t, admissionModule(t, nil, nil))
	ctx := context.Background()

	result := env.initiate(t, "501", map[string]interface{}{"applicant": "Jane"})
	id := result.InstanceID

	result, err := env.engine.Advance(ctx, id, registrar, "verify_documents", map[string]interface{}{"doc_count": 3})
	if err != nil {
		t.Fatalf("Advance(verify_documents) error = %v", err)
	}
	if result.CurrentStage != "documents_verified" {
		t.Errorf("stage = %v, want documents_verified", result.CurrentStage)
	}

	result, err = env.engine.Advance(ctx, id, registrar, "enroll", map[string]interface{}{})
	if !errors.Is(err, domainwf.ErrIllegalTransition) {
		t.Fatalf("Advance(enroll) error = %v, want ErrIllegalTransition", err)
	}
	if result.ErrorKind != domainwf.KindIllegalTransition {
		t.Errorf("Result.ErrorKind = %v, want IllegalTransition", result.ErrorKind)
	}

	stored, _ := env.store.Get(ctx, id)
	if stored.CurrentStage != "documents_verified" || stored.Status != domainwf.StatusActive {
		t.Errorf("instance after illegal advance = %s/%s", stored.CurrentStage, stored.Status)
	}
}

func TestEngine_AdvanceRejectionsLeaveInstanceUnchanged(t *testing.T) {
	handlers := map[string]dispatcher.HandlerFunc{
		"pass_interview": func(ctx context.Context, inst dispatcher.InstanceView, data map[string]interface{}) (dispatcher.Patch, error) {
			return nil, errors.New("interview panel not assigned")
		},
	}

	tests := []struct {
		name    string
		setup   []string
		actor   domainwf.Actor
		action  string
		data    map[string]interface{}
		wantErr error
	}{
		{"illegal transition", nil, registrar, "enroll", nil, domainwf.ErrIllegalTransition},
		{"unknown action", nil, registrar, "graduate", nil, domainwf.ErrUnknownAction},
		{"forbidden", nil, outsider, "verify_documents", map[string]interface{}{"doc_count": 1}, domainwf.ErrForbidden},
		{"missing required data", nil, registrar, "verify_documents", map[string]interface{}{}, domainwf.ErrInvalidRequest},
		{"handler failure", []string{"verify_documents"}, interviewer, "pass_interview", nil, domainwf.ErrHandlerFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, admissionModule(t, handlers, nil))
			ctx := context.Background()
			id := env.initiate(t, "501", map[string]interface{}{"applicant": "Jane"}).InstanceID
			for _, action := range tt.setup {
				if _, err := env.engine.Advance(ctx, id, registrar, action, map[string]interface{}{"doc_count": 2}); err != nil {
					t.Fatalf("setup Advance(%s) error = %v", action, err)
				}
			}
			before, _ := env.store.Get(ctx, id)

			result, err := env.engine.Advance(ctx, id, tt.actor, tt.action, tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Advance() error = %v, want %v", err, tt.wantErr)
			}
			if result.Outcome != OutcomeError || result.CurrentStage != before.CurrentStage {
				t.Errorf("Result = %+v", result)
			}

			after, _ := env.store.Get(ctx, id)
			if after.CurrentStage != before.CurrentStage || after.Status != before.Status || after.Version != before.Version {
				t.Errorf("instance changed: before %s/%s/v%d after %s/%s/v%d",
					before.CurrentStage, before.Status, before.Version, after.CurrentStage, after.Status, after.Version)
			}
			if !reflect.DeepEqual(after.Data, before.Data) {
				t.Errorf("payload changed: before %v after %v", before.Data, after.Data)
			}

			history, _ := env.audit.History(ctx, id)
			last := history[len(history)-1]
			if last.Outcome != entity.OutcomeRejected || last.Action != tt.action {
				t.Errorf("last record = %+v, want rejected %s", last, tt.action)
			}
		})
	}
}

func TestEngine_ConcurrentAdvance(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(2)
	handlers := map[string]dispatcher.HandlerFunc{
		"verify_documents": func(ctx context.Context, inst dispatcher.InstanceView, data map[string]interface{}) (dispatcher.Patch, error) {
			// Both callers have loaded the instance before either commits
			arrived.Done()
			arrived.Wait()
			return dispatcher.Patch{"verified_by": data["by"]}, nil
		},
	}
	env := newTestEnv(t, admissionModule(t, handlers, nil))
	id := env.initiate(t, "501", nil).InstanceID

	errs := make([]error, 2)
	var done sync.WaitGroup
	for i := 0; i < 2; i++ {
		done.Add(1)
		go func(i int) {
			defer done.Done()
			_, errs[i] = env.engine.Advance(context.Background(), id, registrar, "verify_documents",
				map[string]interface{}{"doc_count": 3, "by": fmt.Sprintf("clerk-%d", i)})
		}(i)
	}
	done.Wait()

	succeeded, conflicted := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domainwf.ErrConcurrentModification):
			conflicted++
			if !domainwf.IsRetriable(err) {
				t.Error("IsRetriable() = false for concurrent modification")
			}
		default:
			t.Errorf("unexpected error = %v", err)
		}
	}
	if succeeded != 1 || conflicted != 1 {
		t.Fatalf("succeeded = %d, conflicted = %d, want 1 and 1", succeeded, conflicted)
	}

	applied := env.audit.applied(id)
	if len(applied) != 2 {
		t.Errorf("applied records = %d, want 2", len(applied))
	}
	stored, _ := env.store.Get(context.Background(), id)
	if stored.Version != 2 {
		t.Errorf("version = %d, want 2", stored.Version)
	}
}

func TestEngine_HistoryRoundTrip(t *testing.T) {
	handlers := map[string]dispatcher.HandlerFunc{
		"pass_interview": func(ctx context.Context, inst dispatcher.InstanceView, data map[string]interface{}) (dispatcher.Patch, error) {
			return dispatcher.Patch{"interview_score": data["score"], "applicant": "Jane Doe"}, nil
		},
	}
	env := newTestEnv(t, admissionModule(t, handlers, nil))
	ctx := context.Background()
	id := env.initiate(t, "501", map[string]interface{}{"applicant": "Jane"}).InstanceID

	steps := []struct {
		actor  domainwf.Actor
		action string
		data   map[string]interface{}
	}{
		{registrar, "verify_documents", map[string]interface{}{"doc_count": 3}},
		{interviewer, "pass_interview", map[string]interface{}{"score": 88}},
		{registrar, "enroll", map[string]interface{}{"class": "7B"}},
	}
	for _, step := range steps {
		if _, err := env.engine.Advance(ctx, id, step.actor, step.action, step.data); err != nil {
			t.Fatalf("Advance(%s) error = %v", step.action, err)
		}
	}

	history, err := env.engine.History(ctx, id)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != len(steps)+1 {
		t.Fatalf("History() len = %d, want %d", len(history), len(steps)+1)
	}
	for i := 1; i < len(history); i++ {
		if history[i].Timestamp.Before(history[i-1].Timestamp) {
			t.Errorf("record %d is earlier than record %d", i, i-1)
		}
		if history[i].FromStageName() != history[i-1].ToStage {
			t.Errorf("record %d from %q, previous to %q", i, history[i].FromStageName(), history[i-1].ToStage)
		}
	}

	final, _ := env.store.Get(ctx, id)
	if !reflect.DeepEqual(entity.ReplayData(history), final.Data) {
		t.Errorf("replayed payload = %v, want %v", entity.ReplayData(history), final.Data)
	}
	if final.Status != domainwf.StatusCompleted || final.CompletedAt == nil {
		t.Errorf("final status = %v, completed_at = %v", final.Status, final.CompletedAt)
	}
}

func TestEngine_CancelAndFail(t *testing.T) {
	ctx := context.Background()

	t.Run("cancel records reason from any stage", func(t *testing.T) {
		env := newTestEnv(t, admissionModule(t, nil, nil))
		id := env.initiate(t, "501", nil).InstanceID
		if _, err := env.engine.Advance(ctx, id, registrar, "verify_documents", map[string]interface{}{"doc_count": 1}); err != nil {
			t.Fatalf("Advance() error = %v", err)
		}

		result, err := env.engine.Cancel(ctx, id, outsider, "applicant withdrew")
		if err != nil {
			t.Fatalf("Cancel() error = %v", err)
		}
		if result.Status != domainwf.StatusCancelled || result.CurrentStage != "documents_verified" {
			t.Errorf("Cancel() = %s/%s", result.Status, result.CurrentStage)
		}
		if result.Data[entity.DataKeyCancellationReason] != "applicant withdrew" {
			t.Errorf("payload = %v", result.Data)
		}
		if len(result.AvailableActions) != 0 {
			t.Errorf("AvailableActions = %v, want none", result.AvailableActions)
		}

		history, _ := env.engine.History(ctx, id)
		last := history[len(history)-1]
		if last.Action != domainwf.ActionCancel || last.Reason != "applicant withdrew" || !last.IsApplied() {
			t.Errorf("cancel record = %+v", last)
		}

		_, err = env.engine.Fail(ctx, id, registrar, "again")
		if !errors.Is(err, domainwf.ErrWorkflowNotActive) {
			t.Errorf("Fail() after cancel error = %v, want ErrWorkflowNotActive", err)
		}
	})

	t.Run("fail stores failure reason", func(t *testing.T) {
		env := newTestEnv(t, admissionModule(t, nil, nil))
		id := env.initiate(t, "502", nil).InstanceID
		result, err := env.engine.Fail(ctx, id, registrar, "payment gateway down")
		if err != nil {
			t.Fatalf("Fail() error = %v", err)
		}
		if result.Status != domainwf.StatusFailed || result.Data[entity.DataKeyFailureReason] != "payment gateway down" {
			t.Errorf("Fail() = %+v", result)
		}
	})

	t.Run("cancel on completed instance", func(t *testing.T) {
		env := newTestEnv(t, admissionModule(t, nil, nil))
		id := env.initiate(t, "503", nil).InstanceID
		_, _ = env.engine.Advance(ctx, id, registrar, "verify_documents", map[string]interface{}{"doc_count": 1})
		_, _ = env.engine.Advance(ctx, id, interviewer, "pass_interview", nil)
		if _, err := env.engine.Advance(ctx, id, registrar, "enroll", nil); err != nil {
			t.Fatalf("Advance(enroll) error = %v", err)
		}

		result, err := env.engine.Cancel(ctx, id, registrar, "too late")
		if !errors.Is(err, domainwf.ErrWorkflowNotActive) {
			t.Fatalf("Cancel() error = %v, want ErrWorkflowNotActive", err)
		}
		if result.Status != domainwf.StatusCompleted {
			t.Errorf("Result.Status = %v, want completed", result.Status)
		}
	})

	t.Run("missing instance", func(t *testing.T) {
		env := newTestEnv(t, admissionModule(t, nil, nil))
		_, err := env.engine.Cancel(ctx, 99, registrar, "x")
		if !errors.Is(err, domainwf.ErrInstanceNotFound) {
			t.Errorf("Cancel() error = %v, want ErrInstanceNotFound", err)
		}
	})
}

func TestEngine_AuditFailureRollsBackTransition(t *testing.T) {
	env := newTestEnv(t, admissionModule(t, nil, nil))
	ctx := context.Background()
	id := env.initiate(t, "501", nil).InstanceID

	env.audit.failOn = func(record *entity.TransitionRecord) bool {
		return record.IsApplied()
	}

	_, err := env.engine.Advance(ctx, id, registrar, "verify_documents", map[string]interface{}{"doc_count": 3})
	if !errors.Is(err, domainwf.ErrAuditWriteFailed) {
		t.Fatalf("Advance() error = %v, want ErrAuditWriteFailed", err)
	}
	if domainwf.KindOf(err) != domainwf.KindAuditWriteFailed {
		t.Errorf("KindOf() = %v", domainwf.KindOf(err))
	}

	stored, _ := env.store.Get(ctx, id)
	if stored.CurrentStage != "application" || stored.Version != 1 {
		t.Errorf("instance after rollback = %s v%d, want application v1", stored.CurrentStage, stored.Version)
	}
	if _, ok := stored.Data["doc_count"]; ok {
		t.Error("payload patch survived the rollback")
	}
}

func TestEngine_StageNotifications(t *testing.T) {
	env := newTestEnv(t, admissionModule(t, nil, nil))
	ctx := context.Background()
	id := env.initiate(t, "501", nil).InstanceID

	_, _ = env.engine.Advance(ctx, id, registrar, "verify_documents", map[string]interface{}{"doc_count": 3})
	_, _ = env.engine.Advance(ctx, id, interviewer, "pass_interview", nil)
	_, _ = env.engine.Advance(ctx, id, registrar, "enroll", nil)

	notifications, _ := env.notifications.GetByInstanceID(ctx, id)
	var got []string
	for _, n := range notifications {
		got = append(got, n.Kind+"@"+n.Stage+">"+n.Recipient)
	}
	want := []string{
		"stage_entry@documents_verified>role:registrar",
		"stage_complete@enrolled>user:u-applicant",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("notifications = %v, want %v", got, want)
	}
}

func TestEngine_Complete(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, admissionModule(t, nil, nil))
	id := env.initiate(t, "501", nil).InstanceID

	_, err := env.engine.Complete(ctx, id, registrar, nil)
	if !errors.Is(err, domainwf.ErrIllegalTransition) {
		t.Fatalf("Complete() on entry stage error = %v, want ErrIllegalTransition", err)
	}

	// An imported instance can sit on a terminal stage while still active
	env.store.mu.Lock()
	env.store.instances[id].CurrentStage = "enrolled"
	env.store.mu.Unlock()

	result, err := env.engine.Complete(ctx, id, registrar, map[string]interface{}{"certificate": "C-1"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	completion, ok := result.Data[entity.DataKeyCompletion].(map[string]interface{})
	if !ok || completion["certificate"] != "C-1" || completion["completed_by"] != registrar.ID {
		t.Errorf("completion data = %v", result.Data)
	}
	if result.Status != domainwf.StatusCompleted {
		t.Errorf("Complete() status = %v", result.Status)
	}

	_, err = env.engine.Complete(ctx, id, registrar, nil)
	if !errors.Is(err, domainwf.ErrWorkflowNotActive) {
		t.Errorf("Complete() twice error = %v, want ErrWorkflowNotActive", err)
	}
}

func TestEngine_Listing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, admissionModule(t, nil, nil))
	first := env.initiate(t, "501", nil).InstanceID
	env.initiate(t, "502", nil)
	_, _ = env.engine.Advance(ctx, first, registrar, "verify_documents", map[string]interface{}{"doc_count": 1})

	pending, err := env.engine.ListByStage(ctx, "admission", "application")
	if err != nil || len(pending) != 1 || pending[0].ReferenceID != "502" {
		t.Errorf("ListByStage(application) = %v, %v", pending, err)
	}
	if _, err := env.engine.ListByStage(ctx, "admission", "graduated"); !errors.Is(err, domainwf.ErrInvalidRequest) {
		t.Errorf("ListByStage(unknown stage) error = %v", err)
	}
	if _, err := env.engine.ListByStage(ctx, "payroll", "x"); !errors.Is(err, domainwf.ErrUnknownWorkflowType) {
		t.Errorf("ListByStage(unknown type) error = %v", err)
	}
	if _, err := env.engine.List(ctx, entity.InstanceFilter{Status: "archived"}); !errors.Is(err, domainwf.ErrInvalidRequest) {
		t.Errorf("List(bad status) error = %v", err)
	}
	if got := env.engine.WorkflowTypes(); !reflect.DeepEqual(got, []string{"admission"}) {
		t.Errorf("WorkflowTypes() = %v", got)
	}
}

func TestEngine_RegisterModule(t *testing.T) {
	newEngine := func() WorkflowEngine {
		store := newMockInstanceStore()
		return NewEngine(domainwf.NewRegistry(), store, &mockAuditTrail{}, &mockTxManager{}, dispatcher.NewDispatcher())
	}

	t.Run("handler for undeclared action", func(t *testing.T) {
		err := newEngine().RegisterModule(admissionModule(t, map[string]dispatcher.HandlerFunc{"graduate": dispatcher.NoopHandler}, nil))
		if !errors.Is(err, domainwf.ErrInvalidDefinition) {
			t.Errorf("RegisterModule() error = %v, want ErrInvalidDefinition", err)
		}
	})

	t.Run("entry handler for unknown stage", func(t *testing.T) {
		err := newEngine().RegisterModule(admissionModule(t, nil, map[string]dispatcher.HandlerFunc{"nowhere": dispatcher.NoopHandler}))
		if !errors.Is(err, domainwf.ErrInvalidDefinition) {
			t.Errorf("RegisterModule() error = %v, want ErrInvalidDefinition", err)
		}
	})

	t.Run("duplicate workflow type", func(t *testing.T) {
		engine := newEngine()
		if err := engine.RegisterModule(admissionModule(t, nil, nil)); err != nil {
			t.Fatalf("RegisterModule() error = %v", err)
		}
		err := engine.RegisterModule(admissionModule(t, nil, nil))
		if !errors.Is(err, domainwf.ErrDuplicateHandler) && !errors.Is(err, domainwf.ErrDuplicateWorkflowType) {
			t.Errorf("RegisterModule() twice error = %v", err)
		}
	})

	t.Run("missing definition", func(t *testing.T) {
		if err := newEngine().RegisterModule(Module{}); !errors.Is(err, domainwf.ErrInvalidDefinition) {
			t.Errorf("RegisterModule() error = %v, want ErrInvalidDefinition", err)
		}
	})
}

func TestEngine_EmitsEvents(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, admissionModule(t, nil, nil))
	id := env.initiate(t, "501", nil).InstanceID
	_, _ = env.engine.Advance(ctx, id, registrar, "verify_documents", map[string]interface{}{"doc_count": 1})
	_, _ = env.engine.Advance(ctx, id, registrar, "enroll", nil)
	_, _ = env.engine.Cancel(ctx, id, registrar, "withdrawn")

	var got []event.Type
	for _, evt := range *env.events {
		got = append(got, evt.Type)
	}
	want := []event.Type{
		event.TypeInstanceInitiated,
		event.TypeInstanceAdvanced,
		event.TypeTransitionRejected,
		event.TypeInstanceCancelled,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestNewResult(t *testing.T) {
	inst := &entity.WorkflowInstance{ID: 3, CurrentStage: "application", Status: domainwf.StatusActive, Data: map[string]interface{}{"a": 1}}

	ok := NewResult(inst, nil, nil)
	if !ok.IsSuccess() || ok.ErrorKind != domainwf.KindNone || ok.AvailableActions == nil {
		t.Errorf("NewResult(success) = %+v", ok)
	}

	failed := NewResult(inst, nil, fmt.Errorf("wrap: %w", domainwf.ErrForbidden))
	if failed.IsSuccess() || failed.ErrorKind != domainwf.KindForbidden || failed.CurrentStage != "application" {
		t.Errorf("NewResult(error) = %+v", failed)
	}

	failed.Data["a"] = 2
	if inst.Data["a"] != 1 {
		t.Error("NewResult() shares the payload map with the instance")
	}
}
