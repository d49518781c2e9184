package procurement_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/stageflow/internal/application/dispatcher"
	appwf "github.com/garyjia/stageflow/internal/application/workflow"
	"github.com/garyjia/stageflow/internal/domain/workflow"
	"github.com/garyjia/stageflow/internal/infrastructure/persistence/repository"
	"github.com/garyjia/stageflow/internal/infrastructure/persistence/sqlite"
	"github.com/garyjia/stageflow/internal/modules/procurement"
	"github.com/garyjia/stageflow/pkg/database"
)

var (
	requester   = workflow.Actor{ID: "u-teacher"}
	bursar      = workflow.Actor{ID: "u-bursar", Roles: []string{procurement.RoleBursar}}
	officer     = workflow.Actor{ID: "u-officer", Roles: []string{procurement.RoleProcurementOfficer}}
	director    = workflow.Actor{ID: "u-director", Roles: []string{procurement.RoleDirector}}
	storekeeper = workflow.Actor{ID: "u-store", Roles: []string{procurement.RoleStorekeeper}}
	accountant  = workflow.Actor{ID: "u-accounts", Roles: []string{procurement.RoleAccountant}}
)

type step struct {
	actor  workflow.Actor
	action string
	data   map[string]interface{}
}

func newEngine(t *testing.T) appwf.WorkflowEngine {
	t.Helper()

	logger := zap.NewNop()
	db, err := database.New(database.Config{Path: filepath.Join(t.TempDir(), "procurement.db")}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.NewMigrator(db, logger).RunMigrations(database.EmbeddedMigrations()))

	engine := appwf.NewEngine(workflow.NewRegistry(),
		repository.NewInstanceRepository(db.DB, logger),
		repository.NewTransitionRepository(db.DB, logger),
		sqlite.NewDB(db.DB, logger),
		dispatcher.NewDispatcher())

	module, err := procurement.NewModule(procurement.WithClock(func() time.Time {
		return time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	}))
	require.NoError(t, err)
	require.NoError(t, engine.RegisterModule(module))
	return engine
}

func openRequest(t *testing.T, engine appwf.WorkflowEngine, ref string) *appwf.Result {
	t.Helper()

	result, err := engine.Initiate(context.Background(), appwf.InitiateRequest{
		WorkflowType:  procurement.WorkflowType,
		ReferenceType: procurement.ReferenceType,
		ReferenceID:   ref,
		Actor:         requester,
		Data: map[string]interface{}{
			"department": "Science",
			"items": []interface{}{
				map[string]interface{}{"sku": "BEAKER-250", "quantity": 40, "unit_price": 120.5},
				map[string]interface{}{"sku": "BURNER", "quantity": 5, "unit_price": 2300},
			},
		},
	})
	require.NoError(t, err)
	return result
}

func run(t *testing.T, engine appwf.WorkflowEngine, id int64, steps []step) *appwf.Result {
	t.Helper()

	var result *appwf.Result
	for _, s := range steps {
		var err error
		result, err = engine.Advance(context.Background(), id, s.actor, s.action, s.data)
		require.NoError(t, err, s.action)
	}
	return result
}

var quotations = []interface{}{
	map[string]interface{}{"supplier": "LabCo", "amount": 16500},
	map[string]interface{}{"supplier": "SciMart", "amount": 15900},
	map[string]interface{}{"supplier": "EduSupply", "amount": 17250},
}

func TestDefinitionIsValid(t *testing.T) {
	def, err := procurement.Definition()
	require.NoError(t, err)
	assert.Equal(t, procurement.StagePurchaseRequest, def.EntryStage().Name)
	assert.ElementsMatch(t, []string{procurement.StageQuotationEvaluation, procurement.StageGoodsReturn, procurement.StageBudgetVerification},
		def.Stages[2].Predecessors)
}

func TestProcurement_FullCycle(t *testing.T) {
	engine := newEngine(t)
	initiated := openRequest(t, engine, "PR-1")
	assert.Equal(t, "PR-2026-000001", initiated.Data["request_no"])
	assert.EqualValues(t, 16320, initiated.Data["total_cost"])

	id := initiated.InstanceID
	result := run(t, engine, id, []step{
		{requester, procurement.ActionSubmitRequest, nil},
		{bursar, procurement.ActionVerifyBudget, map[string]interface{}{"budget_remaining": 50000, "budget_id": "SCI-2026"}},
		{officer, procurement.ActionRequestQuotations, map[string]interface{}{"quotations": quotations}},
		{officer, procurement.ActionEvaluateQuotations, map[string]interface{}{"selected_supplier": "SciMart"}},
		{director, procurement.ActionApproveProcurement, nil},
		{officer, procurement.ActionIssuePurchaseOrder, map[string]interface{}{"po_number": "PO-0091"}},
		{storekeeper, procurement.ActionReceiveGoods, map[string]interface{}{"delivery_note": "DN-1"}},
		{storekeeper, procurement.ActionPassInspection, map[string]interface{}{"inspected_by": "u-store"}},
		{storekeeper, procurement.ActionPostStock, nil},
		{accountant, procurement.ActionVerifyInvoice, map[string]interface{}{"invoice_number": "INV-7", "invoice_amount": 15900}},
		{bursar, procurement.ActionProcessPayment, map[string]interface{}{"payment_reference": "EFT-22"}},
	})

	assert.Equal(t, procurement.StageCompleted, result.CurrentStage)
	assert.Equal(t, workflow.StatusCompleted, result.Status)
	assert.EqualValues(t, 15900, result.Data["approved_amount"])
	assert.Equal(t, "EFT-22", result.Data["payment_reference"], "passthrough merges request data")
	assert.Equal(t, "u-store", result.Data["inspected_by"])
}

func TestProcurement_BudgetControl(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()
	id := openRequest(t, engine, "PR-2").InstanceID
	run(t, engine, id, []step{{requester, procurement.ActionSubmitRequest, nil}})

	_, err := engine.Advance(ctx, id, bursar, procurement.ActionVerifyBudget, map[string]interface{}{"budget_remaining": 1000})
	require.True(t, errors.Is(err, workflow.ErrHandlerFailed))
	assert.Contains(t, err.Error(), "insufficient budget")

	result, err := engine.Advance(ctx, id, bursar, procurement.ActionVerifyBudget,
		map[string]interface{}{"budget_remaining": 1000, "override_reason": "board resolution 14"})
	require.NoError(t, err)
	budget := result.Data["budget"].(map[string]interface{})
	assert.Equal(t, "board resolution 14", budget["override_reason"])
}

func TestProcurement_Rules(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()

	_, err := engine.Initiate(ctx, appwf.InitiateRequest{
		WorkflowType: procurement.WorkflowType, ReferenceType: procurement.ReferenceType, ReferenceID: "PR-EMPTY",
		Actor: requester, Data: map[string]interface{}{"department": "Science", "items": []interface{}{}},
	})
	assert.True(t, errors.Is(err, workflow.ErrHandlerFailed))

	id := openRequest(t, engine, "PR-3").InstanceID
	run(t, engine, id, []step{
		{requester, procurement.ActionSubmitRequest, nil},
		{bursar, procurement.ActionVerifyBudget, map[string]interface{}{"budget_remaining": 50000}},
	})

	_, err = engine.Advance(ctx, id, officer, procurement.ActionRequestQuotations,
		map[string]interface{}{"quotations": quotations[:2]})
	assert.True(t, errors.Is(err, workflow.ErrHandlerFailed), "too few quotations")

	run(t, engine, id, []step{{officer, procurement.ActionRequestQuotations, map[string]interface{}{"quotations": quotations}}})

	_, err = engine.Advance(ctx, id, officer, procurement.ActionEvaluateQuotations,
		map[string]interface{}{"selected_supplier": "Nobody"})
	assert.True(t, errors.Is(err, workflow.ErrHandlerFailed), "unknown supplier")

	run(t, engine, id, []step{{officer, procurement.ActionEvaluateQuotations, map[string]interface{}{"selected_supplier": "LabCo"}}})

	_, err = engine.Advance(ctx, id, officer, procurement.ActionApproveProcurement, nil)
	assert.True(t, errors.Is(err, workflow.ErrForbidden), "only the director approves")

	result, err := engine.Advance(ctx, id, director, procurement.ActionReject,
		map[string]interface{}{"rejection_reason": "defer to next term"})
	require.NoError(t, err)
	assert.Equal(t, procurement.StageRejected, result.CurrentStage)
	assert.Equal(t, workflow.StatusCompleted, result.Status)
}

func TestProcurement_ReturnAndInvoiceLimit(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()
	id := openRequest(t, engine, "PR-4").InstanceID

	run(t, engine, id, []step{
		{requester, procurement.ActionSubmitRequest, nil},
		{bursar, procurement.ActionVerifyBudget, map[string]interface{}{"budget_remaining": 50000}},
		{officer, procurement.ActionRequestQuotations, map[string]interface{}{"quotations": quotations}},
		{officer, procurement.ActionEvaluateQuotations, map[string]interface{}{"selected_supplier": "LabCo"}},
		{director, procurement.ActionApproveProcurement, nil},
		{officer, procurement.ActionIssuePurchaseOrder, map[string]interface{}{"po_number": "PO-1"}},
		{storekeeper, procurement.ActionReceiveGoods, map[string]interface{}{"delivery_note": "DN-1"}},
		{storekeeper, procurement.ActionReturnGoods, map[string]interface{}{"return_reason": "cracked glassware"}},
		{officer, procurement.ActionRequote, map[string]interface{}{"reason": "supplier failed inspection"}},
	})

	status, err := engine.Status(ctx, id, officer)
	require.NoError(t, err)
	assert.Equal(t, procurement.StageQuotationRequest, status.CurrentStage)

	run(t, engine, id, []step{
		{officer, procurement.ActionRequestQuotations, map[string]interface{}{"quotations": quotations}},
		{officer, procurement.ActionEvaluateQuotations, map[string]interface{}{"selected_supplier": "EduSupply"}},
		{director, procurement.ActionApproveProcurement, nil},
		{officer, procurement.ActionIssuePurchaseOrder, map[string]interface{}{"po_number": "PO-2"}},
		{storekeeper, procurement.ActionReceiveGoods, map[string]interface{}{"delivery_note": "DN-2"}},
		{storekeeper, procurement.ActionPassInspection, nil},
		{storekeeper, procurement.ActionPostStock, nil},
	})

	_, err = engine.Advance(ctx, id, accountant, procurement.ActionVerifyInvoice,
		map[string]interface{}{"invoice_number": "INV-9", "invoice_amount": 18000})
	assert.True(t, errors.Is(err, workflow.ErrHandlerFailed))

	status, err = engine.Status(ctx, id, officer)
	require.NoError(t, err)
	receipts := status.Instance.Data["receipts"].([]interface{})
	assert.Len(t, receipts, 2, "both deliveries are kept")
}

func TestProcurement_RequoteCannotBypassBudget(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()
	id := openRequest(t, engine, "PR-4").InstanceID
	run(t, engine, id, []step{{requester, procurement.ActionSubmitRequest, nil}})

	_, err := engine.Advance(ctx, id, bursar, procurement.ActionVerifyBudget, map[string]interface{}{"budget_remaining": 10})
	require.True(t, errors.Is(err, workflow.ErrHandlerFailed))

	status, err := engine.Status(ctx, id, officer)
	require.NoError(t, err)
	for _, a := range status.AvailableActions {
		assert.NotEqual(t, procurement.ActionRequote, a.Name)
	}

	result, err := engine.Advance(ctx, id, officer, procurement.ActionRequote, map[string]interface{}{"reason": "x"})
	require.True(t, errors.Is(err, workflow.ErrIllegalTransition), "%v", err)
	assert.Equal(t, procurement.StageBudgetVerification, result.CurrentStage)

	status, err = engine.Status(ctx, id, officer)
	require.NoError(t, err)
	assert.Equal(t, procurement.StageBudgetVerification, status.CurrentStage)
	assert.NotContains(t, status.Instance.Data, "budget")
}

func TestProcurement_ActionSources(t *testing.T) {
	def, err := procurement.Definition()
	require.NoError(t, err)

	firesFrom := map[string][]string{
		procurement.ActionSubmitRequest:      {procurement.StagePurchaseRequest},
		procurement.ActionVerifyBudget:       {procurement.StageBudgetVerification},
		procurement.ActionRequestQuotations:  {procurement.StageQuotationRequest},
		procurement.ActionEvaluateQuotations: {procurement.StageQuotationEvaluation},
		procurement.ActionRequote:            {procurement.StageQuotationEvaluation, procurement.StageGoodsReturn},
		procurement.ActionApproveProcurement: {procurement.StageProcurementApproval},
		procurement.ActionReject:             {procurement.StageBudgetVerification, procurement.StageProcurementApproval},
		procurement.ActionIssuePurchaseOrder: {procurement.StagePurchaseOrderCreation},
		procurement.ActionReceiveGoods:       {procurement.StageGoodsReceipt},
		procurement.ActionPassInspection:     {procurement.StageQualityInspection},
		procurement.ActionReturnGoods:        {procurement.StageQualityInspection},
		procurement.ActionPostStock:          {procurement.StageStockPosting},
		procurement.ActionVerifyInvoice:      {procurement.StageInvoiceVerification},
		procurement.ActionProcessPayment:     {procurement.StagePaymentProcessing},
	}
	require.Len(t, def.Actions, len(firesFrom))

	for _, stage := range def.Stages {
		machine := workflow.NewMachine(def, stage.Name)
		for action, from := range firesFrom {
			want := false
			for _, s := range from {
				want = want || s == stage.Name
			}
			assert.Equal(t, want, machine.CanFire(action), "%s from %s", action, stage.Name)
		}
	}
}

func TestProcurement_RefusedTransitions(t *testing.T) {
	def, err := procurement.Definition()
	require.NoError(t, err)

	tests := []struct {
		stage  string
		action string
		actor  workflow.Actor
	}{
		{procurement.StageBudgetVerification, procurement.ActionRequote, officer},
		{procurement.StageQuotationEvaluation, procurement.ActionVerifyBudget, bursar},
		{procurement.StageGoodsReturn, procurement.ActionVerifyBudget, bursar},
		{procurement.StagePurchaseRequest, procurement.ActionRequestQuotations, officer},
		{procurement.StageQuotationEvaluation, procurement.ActionReject, director},
		{procurement.StageGoodsReceipt, procurement.ActionPassInspection, storekeeper},
		{procurement.StageStockPosting, procurement.ActionProcessPayment, accountant},
		{procurement.StageRejected, procurement.ActionRequote, officer},
		{procurement.StageCompleted, procurement.ActionReject, director},
	}
	for _, tt := range tests {
		t.Run(tt.stage+"/"+tt.action, func(t *testing.T) {
			_, _, err := workflow.NewMachine(def, tt.stage).Check(tt.action, tt.actor)
			assert.True(t, errors.Is(err, workflow.ErrIllegalTransition), "%v", err)
		})
	}
}
