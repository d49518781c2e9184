package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/garyjia/stageflow/internal/application/port"
	"github.com/garyjia/stageflow/internal/application/workflow"
	"github.com/garyjia/stageflow/internal/domain/entity"
	domainwf "github.com/garyjia/stageflow/internal/domain/workflow"
)

type mockLogger struct{}

func (mockLogger) Info(msg string, keysAndValues ...interface{})  {}
func (mockLogger) Error(msg string, keysAndValues ...interface{}) {}

type mockNotificationRepo struct {
	rows    []*entity.StageNotification
	getErr  error
	sent    []int64
	failed  map[int64]string
	maxSeen int
}

func (m *mockNotificationRepo) Create(ctx context.Context, n *entity.StageNotification) error {
	n.ID = int64(len(m.rows) + 1)
	m.rows = append(m.rows, n)
	return nil
}

func (m *mockNotificationRepo) GetPending(ctx context.Context, limit int) ([]*entity.StageNotification, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	var out []*entity.StageNotification
	for _, n := range m.rows {
		if n.Status == entity.NotificationStatusPending && len(out) < limit {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *mockNotificationRepo) GetByInstanceID(ctx context.Context, instanceID int64) ([]*entity.StageNotification, error) {
	var out []*entity.StageNotification
	for _, n := range m.rows {
		if n.InstanceID == instanceID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *mockNotificationRepo) MarkSent(ctx context.Context, id int64) error {
	m.sent = append(m.sent, id)
	m.rows[id-1].Status = entity.NotificationStatusSent
	return nil
}

func (m *mockNotificationRepo) MarkAttemptFailed(ctx context.Context, id int64, errMsg string, maxAttempts int) error {
	if m.failed == nil {
		m.failed = make(map[int64]string)
	}
	m.failed[id] = errMsg
	m.maxSeen = maxAttempts
	row := m.rows[id-1]
	row.Attempts++
	if row.Attempts >= maxAttempts {
		row.Status = entity.NotificationStatusFailed
	}
	return nil
}

type mockSender struct {
	fail map[string]error
	got  []string
}

func (m *mockSender) Send(ctx context.Context, n *entity.StageNotification) error {
	m.got = append(m.got, n.Recipient)
	return m.fail[n.Recipient]
}

func pending(instanceID int64, recipient string) *entity.StageNotification {
	return &entity.StageNotification{
		InstanceID: instanceID,
		Recipient:  recipient,
		Status:     entity.NotificationStatusPending,
	}
}

func TestNotificationService_DeliverPending(t *testing.T) {
	repo := &mockNotificationRepo{}
	ctx := context.Background()
	_ = repo.Create(ctx, pending(1, "role:registrar"))
	_ = repo.Create(ctx, pending(1, "role:interviewer"))
	_ = repo.Create(ctx, pending(2, "user:u-1"))

	sender := &mockSender{fail: map[string]error{"role:interviewer": errors.New("chat not found")}}
	svc := NewNotificationService(repo, sender, 2, mockLogger{})

	stats, err := svc.DeliverPending(ctx, 10)
	if err != nil {
		t.Fatalf("DeliverPending() error = %v", err)
	}
	if stats.Sent != 2 || stats.Failed != 1 {
		t.Errorf("stats = %+v, want 2 sent 1 failed", stats)
	}
	if repo.failed[2] != "chat not found" {
		t.Errorf("failed attempt message = %q", repo.failed[2])
	}
	if repo.maxSeen != 2 {
		t.Errorf("maxAttempts passed = %d, want 2", repo.maxSeen)
	}

	// the failed row is retried until it runs out of attempts
	stats, _ = svc.DeliverPending(ctx, 10)
	if stats.Failed != 1 || stats.Sent != 0 {
		t.Errorf("second pass stats = %+v", stats)
	}
	if repo.rows[1].Status != entity.NotificationStatusFailed {
		t.Errorf("row status = %s, want FAILED", repo.rows[1].Status)
	}

	stats, _ = svc.DeliverPending(ctx, 10)
	if stats.Failed != 0 || stats.Sent != 0 {
		t.Errorf("third pass stats = %+v, want nothing to do", stats)
	}

	list, err := svc.ListForInstance(ctx, 1)
	if err != nil || len(list) != 2 {
		t.Errorf("ListForInstance() = %d rows, err %v", len(list), err)
	}
}

func TestNotificationService_RepositoryError(t *testing.T) {
	repo := &mockNotificationRepo{getErr: errors.New("db down")}
	svc := NewNotificationService(repo, &mockSender{}, 0, mockLogger{})

	if _, err := svc.DeliverPending(context.Background(), 10); err == nil {
		t.Fatal("DeliverPending() error = nil, want error")
	}
}

// report service

type stubEngine struct {
	workflow.WorkflowEngine
	def     *domainwf.WorkflowDefinition
	records []*entity.TransitionRecord
}

func (s *stubEngine) Definition(workflowType string) (*domainwf.WorkflowDefinition, error) {
	if s.def == nil || s.def.Type != workflowType {
		return nil, domainwf.ErrUnknownWorkflowType
	}
	return s.def, nil
}

func (s *stubEngine) History(ctx context.Context, instanceID int64) ([]*entity.TransitionRecord, error) {
	return s.records, nil
}

// instanceGetter implements only Get; the other store methods are unused
type instanceGetter struct {
	port.InstanceStore
	instances map[int64]*entity.WorkflowInstance
}

func (g *instanceGetter) Get(ctx context.Context, id int64) (*entity.WorkflowInstance, error) {
	inst, ok := g.instances[id]
	if !ok {
		return nil, domainwf.ErrInstanceNotFound
	}
	return inst, nil
}

type recordingExporter struct {
	calls int
	n     int
}

func (e *recordingExporter) Export(w io.Writer, def *domainwf.WorkflowDefinition, instance *entity.WorkflowInstance, records []*entity.TransitionRecord) error {
	e.calls++
	e.n = len(records)
	_, err := w.Write([]byte(def.Type))
	return err
}

func TestReportService_ExportHistory(t *testing.T) {
	b := domainwf.NewBuilder("leave")
	b.Configure("submitted")
	b.Configure("approved").From("submitted").Terminal()
	b.Action("approve", "approved")
	def, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	engine := &stubEngine{def: def, records: []*entity.TransitionRecord{{ID: 1}, {ID: 2}}}
	store := &instanceGetter{instances: map[int64]*entity.WorkflowInstance{5: {ID: 5, WorkflowType: "leave"}}}
	exporter := &recordingExporter{}
	svc := NewReportService(engine, store, exporter, mockLogger{})

	var buf bytes.Buffer
	if err := svc.ExportHistory(context.Background(), 5, &buf); err != nil {
		t.Fatalf("ExportHistory() error = %v", err)
	}
	if exporter.calls != 1 || exporter.n != 2 || buf.String() != "leave" {
		t.Errorf("exporter calls=%d records=%d output=%q", exporter.calls, exporter.n, buf.String())
	}

	err = svc.ExportHistory(context.Background(), 6, &buf)
	if !errors.Is(err, domainwf.ErrInstanceNotFound) {
		t.Errorf("ExportHistory(missing) error = %v, want ErrInstanceNotFound", err)
	}
}
