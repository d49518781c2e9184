// Package procurement carries the stock procurement workflow from a purchase
// request through budget checks, quotations, approval, the purchase order,
// goods receipt and inspection to invoice verification and payment.
package procurement

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/garyjia/stageflow/internal/application/dispatcher"
	appwf "github.com/garyjia/stageflow/internal/application/workflow"
	"github.com/garyjia/stageflow/internal/domain/workflow"
	"github.com/garyjia/stageflow/internal/modules/payload"
)

const (
	WorkflowType  = "procurement"
	ReferenceType = "purchase_request"
)

// Stages
const (
	StagePurchaseRequest       = "purchase_request"
	StageBudgetVerification    = "budget_verification"
	StageQuotationRequest      = "quotation_request"
	StageQuotationEvaluation   = "quotation_evaluation"
	StageProcurementApproval   = "procurement_approval"
	StagePurchaseOrderCreation = "purchase_order_creation"
	StageGoodsReceipt          = "goods_receipt"
	StageQualityInspection     = "quality_inspection"
	StageGoodsReturn           = "goods_return"
	StageStockPosting          = "stock_posting"
	StageInvoiceVerification   = "invoice_verification"
	StagePaymentProcessing     = "payment_processing"
	StageCompleted             = "completed"
	StageRejected              = "rejected"
)

// Actions
const (
	ActionSubmitRequest      = "submit_request"
	ActionVerifyBudget       = "verify_budget"
	ActionRequestQuotations  = "request_quotations"
	ActionEvaluateQuotations = "evaluate_quotations"
	ActionRequote            = "requote"
	ActionApproveProcurement = "approve_procurement"
	ActionReject             = "reject"
	ActionIssuePurchaseOrder = "issue_purchase_order"
	ActionReceiveGoods       = "receive_goods"
	ActionPassInspection     = "pass_inspection"
	ActionReturnGoods        = "return_goods"
	ActionPostStock          = "post_stock"
	ActionVerifyInvoice      = "verify_invoice"
	ActionProcessPayment     = "process_payment"
)

// Roles
const (
	RoleBursar             = "bursar"
	RoleProcurementOfficer = "procurement_officer"
	RoleDirector           = "director"
	RoleStorekeeper        = "storekeeper"
	RoleAccountant         = "accountant"
)

// MinQuotations is the number of supplier quotations an evaluation needs
const MinQuotations = 3

// Definition builds the procurement workflow definition
func Definition() (*workflow.WorkflowDefinition, error) {
	b := workflow.NewBuilder(WorkflowType).
		Describe("Stock Procurement", "Purchase request to supplier payment with budget control and quality inspection")

	b.Configure(StagePurchaseRequest).Label("Purchase Request")
	b.Configure(StageBudgetVerification).Label("Budget Verification").
		From(StagePurchaseRequest)
	b.Configure(StageQuotationRequest).Label("Quotation Request").
		From(StageBudgetVerification, StageQuotationEvaluation, StageGoodsReturn).
		Roles(RoleBursar, RoleProcurementOfficer)
	b.Configure(StageQuotationEvaluation).Label("Quotation Evaluation").
		From(StageQuotationRequest).Roles(RoleProcurementOfficer)
	b.Configure(StageProcurementApproval).Label("Procurement Approval").
		From(StageQuotationEvaluation).Roles(RoleProcurementOfficer)
	b.Configure(StagePurchaseOrderCreation).Label("Purchase Order Creation").
		From(StageProcurementApproval).Roles(RoleDirector)
	b.Configure(StageRejected).Label("Rejected").
		From(StageBudgetVerification, StageProcurementApproval).Roles(RoleBursar, RoleDirector).Terminal()
	b.Configure(StageGoodsReceipt).Label("Goods Receipt").
		From(StagePurchaseOrderCreation).Roles(RoleProcurementOfficer)
	b.Configure(StageQualityInspection).Label("Quality Inspection").
		From(StageGoodsReceipt).Roles(RoleStorekeeper)
	b.Configure(StageGoodsReturn).Label("Goods Return").
		From(StageQualityInspection).Roles(RoleStorekeeper)
	b.Configure(StageStockPosting).Label("Stock Posting").
		From(StageQualityInspection).Roles(RoleStorekeeper)
	b.Configure(StageInvoiceVerification).Label("Invoice Verification").
		From(StageStockPosting).Roles(RoleStorekeeper)
	b.Configure(StagePaymentProcessing).Label("Payment Processing").
		From(StageInvoiceVerification).Roles(RoleAccountant)
	b.Configure(StageCompleted).Label("Completed").
		From(StagePaymentProcessing).Roles(RoleBursar).Terminal()

	b.Action(ActionSubmitRequest, StageBudgetVerification).Label("Submit for Budget Check")
	b.Action(ActionVerifyBudget, StageQuotationRequest).Label("Verify Budget").
		From(StageBudgetVerification).RequiresData("budget_remaining")
	b.Action(ActionRequestQuotations, StageQuotationEvaluation).Label("Record Quotations").RequiresData("quotations")
	b.Action(ActionEvaluateQuotations, StageProcurementApproval).Label("Select Supplier").RequiresData("selected_supplier")
	b.Action(ActionRequote, StageQuotationRequest).Label("Request New Quotations").
		From(StageQuotationEvaluation, StageGoodsReturn).RequiresData("reason")
	b.Action(ActionApproveProcurement, StagePurchaseOrderCreation).Label("Approve Procurement")
	b.Action(ActionReject, StageRejected).Label("Reject").RequiresData("rejection_reason")
	b.Action(ActionIssuePurchaseOrder, StageGoodsReceipt).Label("Issue Purchase Order").RequiresData("po_number")
	b.Action(ActionReceiveGoods, StageQualityInspection).Label("Receive Goods").RequiresData("delivery_note")
	b.Action(ActionPassInspection, StageStockPosting).Label("Pass Inspection")
	b.Action(ActionReturnGoods, StageGoodsReturn).Label("Return Goods").RequiresData("return_reason")
	b.Action(ActionPostStock, StageInvoiceVerification).Label("Post to Stock")
	b.Action(ActionVerifyInvoice, StagePaymentProcessing).Label("Verify Invoice").RequiresData("invoice_number", "invoice_amount")
	b.Action(ActionProcessPayment, StageCompleted).Label("Process Payment").RequiresData("payment_reference")

	return b.Build()
}

// Option configures the module
type Option func(*handlers)

// WithClock overrides the clock used for request and order numbers
func WithClock(now func() time.Time) Option {
	return func(h *handlers) {
		h.now = now
	}
}

// NewModule returns the procurement definition together with its handlers.
// Stages without domain rules use the passthrough handler.
func NewModule(opts ...Option) (appwf.Module, error) {
	def, err := Definition()
	if err != nil {
		return appwf.Module{}, err
	}

	h := &handlers{now: time.Now}
	for _, opt := range opts {
		opt(h)
	}

	return appwf.Module{
		Definition: def,
		EntryHandlers: map[string]dispatcher.HandlerFunc{
			StagePurchaseRequest: h.openRequest,
		},
		Handlers: map[string]dispatcher.HandlerFunc{
			ActionVerifyBudget:       h.verifyBudget,
			ActionRequestQuotations:  h.recordQuotations,
			ActionEvaluateQuotations: h.selectSupplier,
			ActionIssuePurchaseOrder: h.issuePurchaseOrder,
			ActionReceiveGoods:       h.receiveGoods,
			ActionVerifyInvoice:      h.verifyInvoice,
		},
		DefaultHandler: dispatcher.PassthroughHandler,
	}, nil
}

type handlers struct {
	now func() time.Time
}

// openRequest prices the requested items and numbers the request
func (h *handlers) openRequest(ctx context.Context, instance dispatcher.InstanceView, data map[string]interface{}) (dispatcher.Patch, error) {
	if _, err := payload.String(data, "department"); err != nil {
		return nil, err
	}
	items, err := payload.Records(data, "items")
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("a purchase request needs at least one item")
	}

	var total float64
	for i, item := range items {
		qty, err := payload.Number(item, "quantity")
		if err != nil {
			return nil, fmt.Errorf("items[%d]: %w", i, err)
		}
		price, err := payload.Number(item, "unit_price")
		if err != nil {
			return nil, fmt.Errorf("items[%d]: %w", i, err)
		}
		if qty <= 0 || price < 0 {
			return nil, fmt.Errorf("items[%d]: quantity must be positive and unit_price non-negative", i)
		}
		total += qty * price
	}

	return dispatcher.Patch{
		"request_no": payload.Sequence("PR", h.now().Year(), instance.ID()),
		"total_cost": roundCents(total),
	}, nil
}

// verifyBudget checks the remaining budget covers the request unless an override reason is given
func (h *handlers) verifyBudget(ctx context.Context, instance dispatcher.InstanceView, data map[string]interface{}) (dispatcher.Patch, error) {
	remaining, err := payload.Number(data, "budget_remaining")
	if err != nil {
		return nil, err
	}
	total, err := payload.Number(instance.Data(), "total_cost")
	if err != nil {
		return nil, fmt.Errorf("request carries no total: %w", err)
	}

	override := payload.OptionalString(data, "override_reason", "")
	if remaining < total && override == "" {
		return nil, fmt.Errorf("insufficient budget: %.2f remaining, %.2f required (deficit %.2f)",
			remaining, total, roundCents(total-remaining))
	}

	budget := map[string]interface{}{
		"remaining": remaining,
		"approved":  true,
	}
	if id := payload.OptionalString(data, "budget_id", ""); id != "" {
		budget["budget_id"] = id
	}
	if override != "" {
		budget["override_reason"] = override
	}
	return dispatcher.Patch{"budget": budget}, nil
}

func (h *handlers) recordQuotations(ctx context.Context, instance dispatcher.InstanceView, data map[string]interface{}) (dispatcher.Patch, error) {
	quotes, err := payload.Records(data, "quotations")
	if err != nil {
		return nil, err
	}
	if len(quotes) < MinQuotations {
		return nil, fmt.Errorf("at least %d quotations are required, got %d", MinQuotations, len(quotes))
	}

	suppliers := make(map[string]bool, len(quotes))
	for i, q := range quotes {
		supplier, err := payload.String(q, "supplier")
		if err != nil {
			return nil, fmt.Errorf("quotations[%d]: %w", i, err)
		}
		if suppliers[supplier] {
			return nil, fmt.Errorf("quotations[%d]: duplicate supplier %q", i, supplier)
		}
		suppliers[supplier] = true
		if _, err := payload.Number(q, "amount"); err != nil {
			return nil, fmt.Errorf("quotations[%d]: %w", i, err)
		}
	}

	return dispatcher.Patch{"quotations": quotes}, nil
}

// selectSupplier fixes the approved amount from the chosen quotation
func (h *handlers) selectSupplier(ctx context.Context, instance dispatcher.InstanceView, data map[string]interface{}) (dispatcher.Patch, error) {
	supplier, err := payload.String(data, "selected_supplier")
	if err != nil {
		return nil, err
	}
	quotes, err := payload.Records(instance.Data(), "quotations")
	if err != nil {
		return nil, err
	}

	for _, q := range quotes {
		if name, _ := payload.String(q, "supplier"); name == supplier {
			amount, err := payload.Number(q, "amount")
			if err != nil {
				return nil, err
			}
			return dispatcher.Patch{
				"selected_supplier": supplier,
				"approved_amount":   amount,
			}, nil
		}
	}
	return nil, fmt.Errorf("supplier %q has no quotation", supplier)
}

func (h *handlers) issuePurchaseOrder(ctx context.Context, instance dispatcher.InstanceView, data map[string]interface{}) (dispatcher.Patch, error) {
	po, err := payload.String(data, "po_number")
	if err != nil {
		return nil, err
	}
	return dispatcher.Patch{
		"po_number":    po,
		"po_issued_on": h.now().UTC().Format(time.DateOnly),
	}, nil
}

// receiveGoods appends a delivery to the receipts list
func (h *handlers) receiveGoods(ctx context.Context, instance dispatcher.InstanceView, data map[string]interface{}) (dispatcher.Patch, error) {
	note, err := payload.String(data, "delivery_note")
	if err != nil {
		return nil, err
	}

	var receipts []interface{}
	if existing, ok := instance.Get("receipts"); ok {
		if list, ok := existing.([]interface{}); ok {
			receipts = list
		}
	}
	receipts = append(receipts, map[string]interface{}{
		"delivery_note": note,
		"received_on":   h.now().UTC().Format(time.DateOnly),
	})
	return dispatcher.Patch{"receipts": receipts}, nil
}

// verifyInvoice rejects invoices above the approved amount
func (h *handlers) verifyInvoice(ctx context.Context, instance dispatcher.InstanceView, data map[string]interface{}) (dispatcher.Patch, error) {
	number, err := payload.String(data, "invoice_number")
	if err != nil {
		return nil, err
	}
	amount, err := payload.Number(data, "invoice_amount")
	if err != nil {
		return nil, err
	}
	approved, err := payload.Number(instance.Data(), "approved_amount")
	if err != nil {
		return nil, fmt.Errorf("no approved amount on record: %w", err)
	}
	if amount > approved {
		return nil, fmt.Errorf("invoice %s of %.2f exceeds the approved amount %.2f", number, amount, approved)
	}

	return dispatcher.Patch{
		"invoice": map[string]interface{}{
			"number": number,
			"amount": amount,
		},
	}, nil
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
