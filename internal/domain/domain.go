package domain

import "civicwater/internal/trackid"

// StageState is the lifecycle state of one timeline entry.
type StageState string

const (
	StagePending    StageState = "pending"
	StageInProgress StageState = "in_progress"
	StageCompleted  StageState = "completed"
)

// Label returns the display label of the stage state.
func (s StageState) Label() string {
	switch s {
	case StagePending:
		return "Pending"
	case StageInProgress:
		return "In Progress"
	case StageCompleted:
		return "Completed"
	}
	return string(s)
}

type StageEntry struct {
	Label   string     `json:"label"`
	State   StageState `json:"state" enum:"pending,in_progress,completed"`
	At      string     `json:"at,omitempty" format:"date-time"`
	Officer string     `json:"officer,omitempty"`
	Note    string     `json:"note,omitempty"`
}

type ContactOfficer struct {
	Name        string `json:"name"`
	Designation string `json:"designation,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Email       string `json:"email,omitempty"`
}

// StatusRecord is the tracked state of one application or grievance.
// CurrentStep always equals the number of started stages in Timeline.
type StatusRecord struct {
	ID                  string            `json:"id"`
	Family              trackid.Family    `json:"family" enum:"APP,WNC,GRV"`
	Form                string            `json:"form,omitempty"`
	Category            string            `json:"category"`
	Subject             string            `json:"subject,omitempty"`
	ApplicantName       string            `json:"applicantName,omitempty"`
	Mobile              string            `json:"mobile,omitempty"`
	PropertyID          string            `json:"propertyId,omitempty"`
	ConsumerNumber      string            `json:"consumerNumber,omitempty"`
	Status              Status            `json:"status"`
	Priority            Priority          `json:"priority,omitempty"`
	SubmittedAt         string            `json:"submittedAt" format:"date-time"`
	ApprovedAt          *string           `json:"approvedAt,omitempty" format:"date-time"`
	ResolvedAt          *string           `json:"resolvedAt,omitempty" format:"date-time"`
	DueAt               *string           `json:"dueAt,omitempty" format:"date-time"`
	Overdue             bool              `json:"overdue"`
	EstimatedCompletion string            `json:"estimatedCompletion,omitempty"`
	CurrentStep         int               `json:"currentStep"`
	TotalSteps          int               `json:"totalSteps"`
	Timeline            []StageEntry      `json:"timeline"`
	Resolution          string            `json:"resolution,omitempty"`
	ContactOfficer      *ContactOfficer   `json:"contactOfficer,omitempty"`
	Fields              map[string]string `json:"fields,omitempty"`
	Attachments         []Attachment      `json:"attachments,omitempty"`
	CreatedBy           string            `json:"createdBy,omitempty"`
	UpdatedAt           string            `json:"updatedAt" format:"date-time"`
}

type Attachment struct {
	ID          string `json:"id"`
	RecordID    string `json:"recordId,omitempty"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	URL         string `json:"url,omitempty"`
	CreatedBy   string `json:"-"`
	CreatedAt   string `json:"createdAt" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entityKind"`
	EntityID   string `json:"entityId,omitempty"`
	ActorID    string `json:"actorId"`
	Payload    string `json:"payload"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actorId"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"createdAt" format:"date-time"`
}

// Citizen is an account reachable by mobile number.
type Citizen struct {
	Mobile string `json:"mobile"`
	Name   string `json:"name"`
}

type Property struct {
	ID          string       `json:"id"`
	Mobile      string       `json:"mobile"`
	Address     string       `json:"address"`
	Connections []Connection `json:"connections,omitempty"`
}

// Connection is a billable water hookup identified by its consumer number.
type Connection struct {
	ConsumerNumber   string `json:"consumerNumber"`
	PropertyID       string `json:"propertyId"`
	Category         string `json:"category"`
	Type             string `json:"type"`
	Size             string `json:"size"`
	BillingFrequency string `json:"billingFrequency"`
	MeterType        string `json:"meterType"`
	LastReading      int64  `json:"lastReading,omitempty"`
	DueAmount        int64  `json:"dueAmount"`
}

type BillStatus string

const (
	BillPending BillStatus = "pending"
	BillPaid    BillStatus = "paid"
)

// Bill is one period's charge against a connection. DueAmount is the unpaid
// remainder and is zero once the bill is paid.
type Bill struct {
	ID              string     `json:"id"`
	ConsumerNumber  string     `json:"consumerNumber"`
	Period          string     `json:"period" example:"December 2025"`
	BillDate        string     `json:"billDate" format:"date"`
	DueDate         string     `json:"dueDate" format:"date"`
	PreviousReading int64      `json:"previousReading"`
	CurrentReading  int64      `json:"currentReading"`
	Consumption     int64      `json:"consumption"`
	Amount          int64      `json:"amount"`
	DueAmount       int64      `json:"dueAmount"`
	Status          BillStatus `json:"status" enum:"pending,paid"`
	PaidAt          string     `json:"paidAt,omitempty" format:"date-time"`
	TransactionID   string     `json:"transactionId,omitempty"`
}

// Payment settles a bill in full. ReceiptNumber is RCPT-YYYY-NNNNNN.
type Payment struct {
	TransactionID  string `json:"transactionId"`
	ReceiptNumber  string `json:"receiptNumber"`
	BillID         string `json:"billId"`
	ConsumerNumber string `json:"consumerNumber"`
	Amount         int64  `json:"amount"`
	Method         string `json:"method" enum:"upi,card,netbanking"`
	PaidBy         string `json:"paidBy"`
	PaidAt         string `json:"paidAt" format:"date-time"`
}

// MeterReading is a citizen-submitted reading. BillID is set once a bill
// covers it.
type MeterReading struct {
	ID              string `json:"id"`
	ConsumerNumber  string `json:"consumerNumber"`
	PreviousReading int64  `json:"previousReading"`
	Reading         int64  `json:"reading"`
	Consumption     int64  `json:"consumption"`
	SubmittedBy     string `json:"submittedBy"`
	SubmittedAt     string `json:"submittedAt" format:"date-time"`
	BillID          string `json:"billId,omitempty"`
}
