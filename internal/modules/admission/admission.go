// Package admission carries the student admission workflow: an application
// moves from submission through document checks, an optional interview,
// the placement offer and fee payment to enrollment.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/garyjia/stageflow/internal/application/dispatcher"
	appwf "github.com/garyjia/stageflow/internal/application/workflow"
	"github.com/garyjia/stageflow/internal/domain/workflow"
	"github.com/garyjia/stageflow/internal/modules/payload"
)

// WorkflowType is the registered type name
const WorkflowType = "admission"

// ReferenceType is the business entity admission instances track
const ReferenceType = "admission_application"

// Stages
const (
	StageApplicationSubmission = "application_submission"
	StageDocumentVerification  = "document_verification"
	StageInterviewScheduling   = "interview_scheduling"
	StageInterviewAssessment   = "interview_assessment"
	StagePlacementOffer        = "placement_offer"
	StageFeePayment            = "fee_payment"
	StageEnrollment            = "enrollment"
	StageEnrolled              = "enrolled"
	StageNotAdmitted           = "not_admitted"
)

// Actions
const (
	ActionSubmitDocuments    = "submit_documents"
	ActionVerifyDocuments    = "verify_documents"
	ActionAutoQualify        = "auto_qualify"
	ActionScheduleInterview  = "schedule_interview"
	ActionPassAssessment     = "pass_assessment"
	ActionFailAssessment     = "fail_assessment"
	ActionOfferPlacement     = "offer_placement"
	ActionRecordPayment      = "record_payment"
	ActionCompleteEnrollment = "complete_enrollment"
)

// Roles
const (
	RoleParent      = "parent"
	RoleRegistrar   = "registrar"
	RoleHeadTeacher = "head_teacher"
	RoleAccountant  = "accountant"
)

const (
	// PassMark is the lowest interview score that leads to a placement offer
	PassMark = 70.0

	// MinimumDepositRatio is the share of total fees due before enrollment
	MinimumDepositRatio = 0.5

	defaultVenue = "Main Office"
)

// Grades admitted by the school, in order
var Grades = []string{"ECD", "PP1", "PP2", "Grade1", "Grade2", "Grade3", "Grade4", "Grade5", "Grade6", "Grade7"}

// Only Grade2-6 sit an interview; other grades qualify once documents are verified
var assessedGrades = map[string]bool{
	"Grade2": true, "Grade3": true, "Grade4": true, "Grade5": true, "Grade6": true,
}

// RequiresAssessment reports whether applicants to grade sit an interview
func RequiresAssessment(grade string) bool {
	return assessedGrades[grade]
}

// RequiredDocuments lists the mandatory documents for grade
func RequiredDocuments(grade string) []string {
	docs := []string{"birth_certificate", "immunization_card", "passport_photo"}
	if RequiresAssessment(grade) {
		docs = append(docs, "progress_report", "leaving_certificate")
	}
	return docs
}

// Definition builds the admission workflow definition
func Definition() (*workflow.WorkflowDefinition, error) {
	b := workflow.NewBuilder(WorkflowType).
		Describe("Student Admission", "Application, verification, interview, placement and enrollment of a new student")

	b.Configure(StageApplicationSubmission).Label("Application Submission")
	b.Configure(StageDocumentVerification).Label("Document Verification").
		From(StageApplicationSubmission).Roles(RoleParent, RoleRegistrar)
	b.Configure(StageInterviewScheduling).Label("Interview Scheduling").
		From(StageDocumentVerification).Roles(RoleRegistrar)
	b.Configure(StageInterviewAssessment).Label("Interview Assessment").
		From(StageInterviewScheduling).Roles(RoleRegistrar)
	b.Configure(StagePlacementOffer).Label("Placement Offer").
		From(StageDocumentVerification, StageInterviewAssessment).Roles(RoleRegistrar, RoleHeadTeacher)
	b.Configure(StageNotAdmitted).Label("Not Admitted").
		From(StageInterviewAssessment).Roles(RoleHeadTeacher).Terminal()
	b.Configure(StageFeePayment).Label("Fee Payment").
		From(StagePlacementOffer).Roles(RoleHeadTeacher)
	b.Configure(StageEnrollment).Label("Enrollment").
		From(StageFeePayment).Roles(RoleAccountant)
	b.Configure(StageEnrolled).Label("Enrolled").
		From(StageEnrollment).Roles(RoleRegistrar).Terminal()

	b.Action(ActionSubmitDocuments, StageDocumentVerification).Label("Submit Documents").RequiresData("documents")
	b.Action(ActionVerifyDocuments, StageInterviewScheduling).Label("Verify Documents")
	b.Action(ActionAutoQualify, StagePlacementOffer).Label("Verify Documents and Qualify").
		From(StageDocumentVerification)
	b.Action(ActionScheduleInterview, StageInterviewAssessment).Label("Schedule Interview").
		RequiresData("interview_date", "interview_time")
	b.Action(ActionPassAssessment, StagePlacementOffer).Label("Pass Assessment").
		From(StageInterviewAssessment).RequiresData("score")
	b.Action(ActionFailAssessment, StageNotAdmitted).Label("Fail Assessment").RequiresData("score")
	b.Action(ActionOfferPlacement, StageFeePayment).Label("Offer Placement").RequiresData("class_id", "total_fees")
	b.Action(ActionRecordPayment, StageEnrollment).Label("Record Fee Payment").
		RequiresData("amount", "payment_method", "payment_reference")
	b.Action(ActionCompleteEnrollment, StageEnrolled).Label("Complete Enrollment")

	return b.Build()
}

// Option configures the module
type Option func(*handlers)

// WithClock overrides the clock used for application and student numbers
func WithClock(now func() time.Time) Option {
	return func(h *handlers) {
		h.now = now
	}
}

// NewModule returns the admission definition together with its handlers
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
			StageApplicationSubmission: h.submitApplication,
		},
		Handlers: map[string]dispatcher.HandlerFunc{
			ActionSubmitDocuments:    h.submitDocuments,
			ActionVerifyDocuments:    h.verifyDocuments,
			ActionAutoQualify:        h.autoQualify,
			ActionScheduleInterview:  h.scheduleInterview,
			ActionPassAssessment:     h.passAssessment,
			ActionFailAssessment:     h.failAssessment,
			ActionOfferPlacement:     h.offerPlacement,
			ActionRecordPayment:      h.recordPayment,
			ActionCompleteEnrollment: h.completeEnrollment,
		},
	}, nil
}

type handlers struct {
	now func() time.Time
}

func (h *handlers) submitApplication(ctx context.Context, instance dispatcher.InstanceView, data map[string]interface{}) (dispatcher.Patch, error) {
	if _, err := payload.String(data, "applicant_name"); err != nil {
		return nil, err
	}
	grade, err := payload.String(data, "grade_applying_for")
	if err != nil {
		return nil, err
	}
	if !isGrade(grade) {
		return nil, fmt.Errorf("unknown grade %q", grade)
	}

	return dispatcher.Patch{
		"application_no":      payload.Sequence("ADM", h.now().Year(), instance.ID()),
		"requires_assessment": RequiresAssessment(grade),
		"required_documents":  RequiredDocuments(grade),
	}, nil
}

func (h *handlers) submitDocuments(ctx context.Context, instance dispatcher.InstanceView, data map[string]interface{}) (dispatcher.Patch, error) {
	docs, err := payload.StringList(data, "documents")
	if err != nil {
		return nil, err
	}

	grade, _ := payload.String(instance.Data(), "grade_applying_for")
	submitted := make(map[string]bool, len(docs))
	for _, d := range docs {
		submitted[d] = true
	}
	var missing []string
	for _, d := range RequiredDocuments(grade) {
		if !submitted[d] {
			missing = append(missing, d)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("mandatory documents missing: %v", missing)
	}

	return dispatcher.Patch{"documents": docs}, nil
}

func (h *handlers) verifyDocuments(ctx context.Context, instance dispatcher.InstanceView, data map[string]interface{}) (dispatcher.Patch, error) {
	if !payload.Bool(instance.Data(), "requires_assessment") {
		return nil, fmt.Errorf("grade skips the interview, use %s", ActionAutoQualify)
	}
	return verificationPatch(data, false), nil
}

func (h *handlers) autoQualify(ctx context.Context, instance dispatcher.InstanceView, data map[string]interface{}) (dispatcher.Patch, error) {
	if payload.Bool(instance.Data(), "requires_assessment") {
		return nil, fmt.Errorf("grade requires an interview, use %s", ActionVerifyDocuments)
	}
	return verificationPatch(data, true), nil
}

func verificationPatch(data map[string]interface{}, autoQualified bool) dispatcher.Patch {
	patch := dispatcher.Patch{
		"documents_verified": true,
		"auto_qualified":     autoQualified,
	}
	if notes := payload.OptionalString(data, "notes", ""); notes != "" {
		patch["verification_notes"] = notes
	}
	return patch
}

func (h *handlers) scheduleInterview(ctx context.Context, instance dispatcher.InstanceView, data map[string]interface{}) (dispatcher.Patch, error) {
	date, err := payload.String(data, "interview_date")
	if err != nil {
		return nil, err
	}
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		return nil, fmt.Errorf("interview_date must be YYYY-MM-DD: %w", err)
	}
	at, err := payload.String(data, "interview_time")
	if err != nil {
		return nil, err
	}
	if _, err := time.Parse("15:04", at); err != nil {
		return nil, fmt.Errorf("interview_time must be HH:MM: %w", err)
	}

	return dispatcher.Patch{
		"interview": map[string]interface{}{
			"date":  date,
			"time":  at,
			"venue": payload.OptionalString(data, "venue", defaultVenue),
		},
	}, nil
}

func (h *handlers) passAssessment(ctx context.Context, instance dispatcher.InstanceView, data map[string]interface{}) (dispatcher.Patch, error) {
	score, err := assessmentScore(data)
	if err != nil {
		return nil, err
	}
	if score < PassMark {
		return nil, fmt.Errorf("score %.1f is below the pass mark %.0f, use %s", score, PassMark, ActionFailAssessment)
	}
	return assessmentPatch(score, data), nil
}

func (h *handlers) failAssessment(ctx context.Context, instance dispatcher.InstanceView, data map[string]interface{}) (dispatcher.Patch, error) {
	score, err := assessmentScore(data)
	if err != nil {
		return nil, err
	}
	if score >= PassMark {
		return nil, fmt.Errorf("score %.1f meets the pass mark %.0f, use %s", score, PassMark, ActionPassAssessment)
	}
	return assessmentPatch(score, data), nil
}

func assessmentScore(data map[string]interface{}) (float64, error) {
	score, err := payload.Number(data, "score")
	if err != nil {
		return 0, err
	}
	if score < 0 || score > 100 {
		return 0, fmt.Errorf("score must be between 0 and 100, got %.1f", score)
	}
	return score, nil
}

func assessmentPatch(score float64, data map[string]interface{}) dispatcher.Patch {
	return dispatcher.Patch{
		"assessment": map[string]interface{}{
			"score": score,
			"notes": payload.OptionalString(data, "notes", ""),
		},
	}
}

func (h *handlers) offerPlacement(ctx context.Context, instance dispatcher.InstanceView, data map[string]interface{}) (dispatcher.Patch, error) {
	classID, err := payload.String(data, "class_id")
	if err != nil {
		return nil, err
	}
	fees, err := payload.Number(data, "total_fees")
	if err != nil {
		return nil, err
	}
	if fees <= 0 {
		return nil, fmt.Errorf("total_fees must be positive, got %.2f", fees)
	}

	return dispatcher.Patch{
		"class_id":    classID,
		"total_fees":  fees,
		"minimum_due": fees * MinimumDepositRatio,
	}, nil
}

func (h *handlers) recordPayment(ctx context.Context, instance dispatcher.InstanceView, data map[string]interface{}) (dispatcher.Patch, error) {
	amount, err := payload.Number(data, "amount")
	if err != nil {
		return nil, err
	}
	method, err := payload.String(data, "payment_method")
	if err != nil {
		return nil, err
	}
	reference, err := payload.String(data, "payment_reference")
	if err != nil {
		return nil, err
	}

	fees, err := payload.Number(instance.Data(), "total_fees")
	if err != nil {
		return nil, fmt.Errorf("placement offer carries no fees: %w", err)
	}
	if minimum := fees * MinimumDepositRatio; amount < minimum {
		return nil, fmt.Errorf("payment %.2f is below the minimum deposit %.2f", amount, minimum)
	}

	return dispatcher.Patch{
		"payment": map[string]interface{}{
			"amount":    amount,
			"method":    method,
			"reference": reference,
			"balance":   fees - amount,
		},
	}, nil
}

func (h *handlers) completeEnrollment(ctx context.Context, instance dispatcher.InstanceView, data map[string]interface{}) (dispatcher.Patch, error) {
	now := h.now()
	return dispatcher.Patch{
		"student_number":  payload.Sequence("STU", now.Year(), instance.ID()),
		"enrollment_date": now.UTC().Format(time.DateOnly),
	}, nil
}

func isGrade(grade string) bool {
	for _, g := range Grades {
		if g == grade {
			return true
		}
	}
	return false
}
