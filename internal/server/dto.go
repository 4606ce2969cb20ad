package server

import (
	"sort"

	"civicwater/internal/billing"
	"civicwater/internal/domain"
	"civicwater/internal/login"
	"civicwater/internal/timeline"
	"civicwater/internal/workflow"
)

// Request payloads

type GrievanceRequest struct {
	ConnectionID   string   `json:"connectionId,omitempty" example:"WC-2025-001" doc:"Defaults to the logged-in consumer number"`
	Category       string   `json:"category,omitempty" example:"billing" doc:"Complaint type key, see GET /forms"`
	Subject        string   `json:"subject,omitempty"`
	Description    string   `json:"description,omitempty"`
	Priority       string   `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	AttachmentRefs []string `json:"attachmentRefs,omitempty"`
}

type SubmissionRequest struct {
	Form           string            `json:"form" example:"new-connection"`
	Fields         map[string]string `json:"fields"`
	AttachmentRefs []string          `json:"attachmentRefs,omitempty"`
}

type SendOTPRequest struct {
	Identifier string `json:"identifier" example:"9876543210" doc:"10-digit mobile or consumer number"`
}

type VerifyOTPRequest struct {
	Identifier string `json:"identifier"`
	Code       string `json:"code"`
}

type SelectPropertyRequest struct {
	PropertyID string `json:"propertyId"`
}

type AdvanceRequest struct {
	Officer string `json:"officer,omitempty"`
	Note    string `json:"note,omitempty"`
}

type SetStatusRequest struct {
	Status     string `json:"status" example:"rejected"`
	Resolution string `json:"resolution,omitempty"`
	Force      bool   `json:"force,omitempty"`
}

type BillEstimateRequest struct {
	ConsumerNumber  string `json:"consumerNumber,omitempty"`
	PreviousReading *int64 `json:"previousReading,omitempty"`
	CurrentReading  int64  `json:"currentReading"`
}

type MeterReadingRequest struct {
	Reading int64 `json:"reading" minimum:"0" example:"1320"`
}

type PayBillRequest struct {
	Method string `json:"method" enum:"upi,card,netbanking"`
}

// Response payloads

type StatusRecordResponse struct {
	domain.StatusRecord
	StatusLabel string  `json:"statusLabel" example:"Under Review"`
	Progress    float64 `json:"progress" minimum:"0" maximum:"1"`
}

type GrievanceCreatedResponse struct {
	GrievanceNumber     string               `json:"grievanceNumber"`
	Record              StatusRecordResponse `json:"record"`
	RejectedAttachments []RejectedAttachment `json:"rejectedAttachments,omitempty"`
}

type ApplicationCreatedResponse struct {
	ApplicationID       string               `json:"applicationId"`
	Record              StatusRecordResponse `json:"record"`
	RejectedAttachments []RejectedAttachment `json:"rejectedAttachments,omitempty"`
}

// RejectedAttachment is a ref dropped from a submission.
type RejectedAttachment struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

func rejectedResponses(rs []workflow.Rejection) []RejectedAttachment {
	if len(rs) == 0 {
		return nil
	}
	out := make([]RejectedAttachment, 0, len(rs))
	for _, r := range rs {
		out = append(out, RejectedAttachment{ID: r.ID, Name: r.Name, Reason: r.Err.Error()})
	}
	return out
}

type UploadResponse struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

type SendOTPResponse struct {
	Sent        bool   `json:"sent"`
	SentTo      string `json:"sentTo"`
	ExpiresIn   int    `json:"expiresIn" doc:"Seconds until the code expires"`
	ResendAfter int    `json:"resendAfter" doc:"Seconds until another code may be requested"`
}

type LoginResponse struct {
	Token                  string            `json:"token"`
	ExpiresAt              string            `json:"expiresAt" format:"date-time"`
	SessionKind            string            `json:"sessionKind" enum:"mobile,consumer"`
	PropertyID             string            `json:"propertyId,omitempty"`
	Properties             []domain.Property `json:"properties"`
	NeedsPropertySelection bool              `json:"needsPropertySelection"`
}

type MeResponse struct {
	ActorID     string   `json:"actorId"`
	Kind        string   `json:"kind" enum:"mobile,consumer,officer"`
	PropertyID  string   `json:"propertyId,omitempty"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type RecordListResponse struct {
	Items []StatusRecordResponse `json:"items"`
}

type EventListResponse struct {
	Items []domain.Event `json:"items"`
}

type SweepResponse struct {
	Flagged int `json:"flagged"`
}

type BillEstimateResponse struct {
	billing.Estimate
	WindowOpen bool `json:"windowOpen" doc:"Whether readings are accepted today"`
}

type ConnectionListResponse struct {
	Items []domain.Connection `json:"items"`
}

type BillListResponse struct {
	Items []domain.Bill `json:"items"`
}

type MeterReadingResponse struct {
	Reading  domain.MeterReading `json:"reading"`
	Estimate billing.Estimate    `json:"estimate"`
}

type PaymentResponse struct {
	Payment domain.Payment `json:"payment"`
	Bill    domain.Bill    `json:"bill"`
}

type ConnectionFeeResponse struct {
	PipeSize string `json:"pipeSize"`
	Fee      int64  `json:"fee"`
}

type FieldResponse struct {
	Key      string   `json:"key"`
	Label    string   `json:"label"`
	Required bool     `json:"required"`
	Options  []string `json:"options,omitempty"`
	MinLen   int      `json:"minLength,omitempty"`
	MaxLen   int      `json:"maxLength,omitempty"`
	Pattern  string   `json:"pattern,omitempty"`
}

type StepResponse struct {
	Name   string          `json:"name"`
	Fields []FieldResponse `json:"fields"`
}

type FormResponse struct {
	Name         string         `json:"name"`
	Title        string         `json:"title"`
	Family       string         `json:"family" enum:"APP,WNC,GRV"`
	Category     string         `json:"category"`
	Stages       []string       `json:"stages"`
	Steps        []StepResponse `json:"steps"`
	MaxFiles     int            `json:"maxFiles"`
	MaxBytes     int64          `json:"maxBytes"`
	AllowedTypes []string       `json:"allowedTypes"`
}

func recordResponse(rec domain.StatusRecord) StatusRecordResponse {
	if rec.Timeline == nil {
		rec.Timeline = []domain.StageEntry{}
	}
	return StatusRecordResponse{
		StatusRecord: rec,
		StatusLabel:  rec.Status.Label(),
		Progress:     timeline.ProgressOf(rec),
	}
}

func recordResponses(recs []domain.StatusRecord) []StatusRecordResponse {
	out := make([]StatusRecordResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordResponse(rec))
	}
	return out
}

func loginResponse(res login.Result) LoginResponse {
	return LoginResponse{
		Token:                  res.Token,
		ExpiresAt:              res.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		SessionKind:            string(res.Session.Kind()),
		PropertyID:             res.Session.Property(),
		Properties:             nonNilSlice(res.Properties),
		NeedsPropertySelection: res.NeedsPropertySelection,
	}
}

func formResponses(defs map[string]workflow.Definition) []FormResponse {
	names := make([]string, 0, len(defs))
	for n := range defs {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]FormResponse, 0, len(defs))
	for _, n := range names {
		def := defs[n]
		fr := FormResponse{
			Name:         def.Name,
			Title:        def.Title,
			Family:       string(def.Family),
			Category:     def.Category,
			Stages:       nonNilSlice(def.Stages),
			MaxFiles:     def.Attachments.MaxFiles,
			MaxBytes:     def.Attachments.MaxBytes,
			AllowedTypes: nonNilSlice(def.Attachments.AllowedTypes),
		}
		for _, st := range def.Steps {
			sr := StepResponse{Name: st.Name, Fields: []FieldResponse{}}
			for _, f := range st.Fields {
				sr.Fields = append(sr.Fields, FieldResponse{
					Key: f.Key, Label: f.Label, Required: f.Required, Options: f.Options,
					MinLen: f.MinLen, MaxLen: f.MaxLen, Pattern: f.Pattern,
				})
			}
			fr.Steps = append(fr.Steps, sr)
		}
		out = append(out, fr)
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
