package event

import (
	"encoding/json"
	"time"
)

// Type tags a domain event. Every type is a past-tense fact string and is
// bound to exactly one payload shape; payload shapes are only ever extended,
// never repurposed.
type Type string

const (
	// Finance
	PaymentReceived     Type = "PaymentReceived"
	PaymentReconciled   Type = "PaymentReconciled"
	PaymentReversed     Type = "PaymentReversed"
	InvoiceIssued       Type = "InvoiceIssued"
	FeePostingCompleted Type = "FeePostingCompleted"
	FeePostingFailed    Type = "FeePostingFailed"

	// Academic
	StudentEnrolled       Type = "StudentEnrolled"
	StudentPromoted       Type = "StudentPromoted"
	StudentWithdrawn      Type = "StudentWithdrawn"
	PromotionRunCompleted Type = "PromotionRunCompleted"

	// Notification
	NotificationRequested Type = "NotificationRequested"
	ReminderSent          Type = "ReminderSent"

	// System
	JobFailed       Type = "JobFailed"
	ReportGenerated Type = "ReportGenerated"
)

// Payload is implemented by every event payload struct. Tying the event type
// to the payload type means an emit or handler for PaymentReconciled can only
// ever see PaymentReconciledPayload.
type Payload interface {
	EventType() Type
}

// Event is an immutable, past-tense fact. Once dispatched it is never
// mutated and is persisted to the event log exactly once, no matter how
// many handlers later fail.
type Event struct {
	ID          string          `json:"event_id"`
	Type        Type            `json:"event_type"`
	OccurredAt  time.Time       `json:"occurred_at"`
	TenantID    string          `json:"tenant_id"`
	InitiatedBy string          `json:"initiated_by,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

/* ── Finance payloads ── */

type PaymentReceivedPayload struct {
	PaymentRecordID string  `json:"payment_record_id"`
	BankAccountID   string  `json:"bank_account_id,omitempty"`
	Amount          float64 `json:"amount"`
	TransactionRef  string  `json:"transaction_ref,omitempty"`
	PaymentChannel  string  `json:"payment_channel"`
}

func (PaymentReceivedPayload) EventType() Type { return PaymentReceived }

type PaymentReconciledPayload struct {
	PaymentRecordID string  `json:"payment_record_id"`
	InvoiceID       string  `json:"invoice_id"`
	StudentID       int64   `json:"student_id"`
	Amount          float64 `json:"amount"`
	InvoiceStatus   string  `json:"invoice_status"`
	NewPaidAmount   float64 `json:"new_paid_amount"`
	LedgerEntryID   string  `json:"ledger_entry_id"`
}

func (PaymentReconciledPayload) EventType() Type { return PaymentReconciled }

type PaymentReversedPayload struct {
	PaymentRecordID string  `json:"payment_record_id"`
	InvoiceID       string  `json:"invoice_id"`
	StudentID       int64   `json:"student_id"`
	Amount          float64 `json:"amount"`
	Reason          string  `json:"reason"`
}

func (PaymentReversedPayload) EventType() Type { return PaymentReversed }

type InvoiceIssuedPayload struct {
	InvoiceID   string  `json:"invoice_id"`
	InvoiceNo   string  `json:"invoice_no"`
	StudentID   int64   `json:"student_id"`
	TotalAmount float64 `json:"total_amount"`
	DueDate     string  `json:"due_date"`
}

func (InvoiceIssuedPayload) EventType() Type { return InvoiceIssued }

type FeePostingCompletedPayload struct {
	PostingRunID  string  `json:"posting_run_id"`
	Month         int     `json:"month"`
	Year          int     `json:"year"`
	TotalStudents int     `json:"total_students"`
	TotalInvoices int     `json:"total_invoices"`
	TotalAmount   float64 `json:"total_amount"`
}

func (FeePostingCompletedPayload) EventType() Type { return FeePostingCompleted }

type FeePostingFailedPayload struct {
	PostingRunID string `json:"posting_run_id"`
	Month        int    `json:"month"`
	Year         int    `json:"year"`
	ErrorMessage string `json:"error_message"`
}

func (FeePostingFailedPayload) EventType() Type { return FeePostingFailed }

/* ── Academic payloads ── */

type StudentEnrolledPayload struct {
	EnrollmentID   string `json:"enrollment_id"`
	StudentID      int64  `json:"student_id"`
	AcademicYearID string `json:"academic_year_id,omitempty"`
	ClassID        string `json:"class_id"`
	SectionID      string `json:"section_id,omitempty"`
}

func (StudentEnrolledPayload) EventType() Type { return StudentEnrolled }

type StudentPromotedPayload struct {
	StudentID          int64  `json:"student_id"`
	FromAcademicYearID string `json:"from_academic_year_id"`
	ToAcademicYearID   string `json:"to_academic_year_id"`
	FromClassID        string `json:"from_class_id"`
	ToClassID          string `json:"to_class_id"`
	Action             string `json:"action"` // PROMOTED, RETAINED, GRADUATED
}

func (StudentPromotedPayload) EventType() Type { return StudentPromoted }

type StudentWithdrawnPayload struct {
	EnrollmentID   string `json:"enrollment_id"`
	StudentID      int64  `json:"student_id"`
	AcademicYearID string `json:"academic_year_id"`
}

func (StudentWithdrawnPayload) EventType() Type { return StudentWithdrawn }

type PromotionRunCompletedPayload struct {
	PromotionRunID string `json:"promotion_run_id"`
	TotalStudents  int    `json:"total_students"`
	Promoted       int    `json:"promoted"`
	Retained       int    `json:"retained"`
	Graduated      int    `json:"graduated"`
	Errors         int    `json:"errors"`
}

func (PromotionRunCompletedPayload) EventType() Type { return PromotionRunCompleted }

/* ── Notification payloads ── */

// NotificationRequestedPayload asks for a message to reach a recipient. The
// async handler fans it out into one delivery job per channel; delivery
// itself never happens inside a handler.
type NotificationRequestedPayload struct {
	RecipientName  string `json:"recipient_name"`
	RecipientEmail string `json:"recipient_email,omitempty"`
	RecipientPhone string `json:"recipient_phone,omitempty"`
	Subject        string `json:"subject"`
	Message        string `json:"message"`
}

func (NotificationRequestedPayload) EventType() Type { return NotificationRequested }

type ReminderSentPayload struct {
	StudentID   int64  `json:"student_id"`
	InvoiceID   string `json:"invoice_id,omitempty"`
	Channel     string `json:"channel"`
	TriggerType string `json:"trigger_type"`
}

func (ReminderSentPayload) EventType() Type { return ReminderSent }

/* ── System payloads ── */

type JobFailedPayload struct {
	JobID    string `json:"job_id"`
	JobType  string `json:"job_type"`
	Queue    string `json:"queue"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
}

func (JobFailedPayload) EventType() Type { return JobFailed }

type ReportGeneratedPayload struct {
	JobID      string `json:"job_id"`
	ReportType string `json:"report_type"`
	ResultURL  string `json:"result_url,omitempty"`
}

func (ReportGeneratedPayload) EventType() Type { return ReportGenerated }
