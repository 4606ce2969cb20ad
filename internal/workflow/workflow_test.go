package workflow_test

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"civicwater/internal/config"
	"civicwater/internal/domain"
	"civicwater/internal/trackid"
	"civicwater/internal/workflow"
)

func definition(t *testing.T, name string) workflow.Definition {
	t.Helper()
	defs, err := workflow.Definitions(config.Default())
	if err != nil {
		t.Fatalf("definitions: %v", err)
	}
	def, ok := defs[name]
	if !ok {
		t.Fatalf("form %s missing", name)
	}
	return def
}

func counterIssuer(year int) workflow.IssuerFunc {
	var n int64
	return func(ctx context.Context, s *workflow.Session) (trackid.ID, error) {
		n++
		return trackid.Parse(trackid.Format(s.Def.Family, year, trackid.Pad(n, 3)))
	}
}

func TestDefinitionsFromConfig(t *testing.T) {
	defs, err := workflow.Definitions(config.Default())
	if err != nil {
		t.Fatalf("definitions: %v", err)
	}
	want := map[string]int{"grievance": 2, "first-connection-grievance": 3, "new-connection": 3, "first-connection": 5}
	for name, steps := range want {
		if got := len(defs[name].Steps); got != steps {
			t.Fatalf("%s: %d steps, want %d", name, got, steps)
		}
	}
	if defs["first-connection"].Family != trackid.FirstConnection || defs["new-connection"].Family != trackid.Application {
		t.Fatalf("families: %s %s", defs["first-connection"].Family, defs["new-connection"].Family)
	}
	if defs["grievance"].Attachments.MaxBytes != 10*1024*1024 {
		t.Fatalf("grievance max bytes: %d", defs["grievance"].Attachments.MaxBytes)
	}
}

func TestNextBlockedOnMissingGrievanceType(t *testing.T) {
	s := workflow.NewSession(definition(t, "first-connection-grievance"))
	s.Set("applicationId", "WNC-2025-180652")
	s.Set("applicantName", "Sneha Deshmukh")
	s.Set("mobile", "9876543215")
	if err := s.Next(); err != nil {
		t.Fatalf("step 1: %v", err)
	}
	s.Set("subject", "Low pressure")
	s.Set("description", "No update for two weeks after inspection")
	err := s.Next()
	var ve *workflow.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, ok := ve.Fields["grievanceType"]; !ok {
		t.Fatalf("grievanceType not reported: %+v", ve.Fields)
	}
	if s.Step != 1 {
		t.Fatalf("moved to step %d", s.Step+1)
	}
}

func TestBackPreservesFields(t *testing.T) {
	s := workflow.NewSession(definition(t, "first-connection-grievance"))
	s.Set("applicationId", "WNC-2025-180652")
	s.Set("applicantName", "Sneha Deshmukh")
	s.Set("mobile", "9876543215")
	if err := s.Next(); err != nil {
		t.Fatalf("next: %v", err)
	}
	s.Set("subject", "Low pressure")
	if err := s.Back(); err != nil {
		t.Fatalf("back: %v", err)
	}
	if err := s.Next(); err != nil {
		t.Fatalf("next again: %v", err)
	}
	if s.Step != 1 || s.Get("subject") != "Low pressure" {
		t.Fatalf("step %d subject %q", s.Step, s.Get("subject"))
	}
	if err := s.Back(); err != nil {
		t.Fatalf("back: %v", err)
	}
	if err := s.Back(); !errors.Is(err, workflow.ErrFirstStep) {
		t.Fatalf("back from first step: %v", err)
	}
}

func TestFieldRules(t *testing.T) {
	s := workflow.NewSession(definition(t, "grievance"))
	s.Set("connectionId", "WC-2025-001")
	s.Set("complaintType", "billing")
	s.Set("remark", "too short")
	err := s.Next()
	var ve *workflow.ValidationError
	if !errors.As(err, &ve) || ve.Fields["remark"] != "Description must be at least 20 characters" {
		t.Fatalf("short remark: %v", err)
	}
	s.Set("remark", strings.Repeat("x", 501))
	if err := s.Next(); !errors.As(err, &ve) || ve.Fields["remark"] != "Description must not exceed 500 characters" {
		t.Fatalf("long remark: %v", err)
	}
	s.Set("remark", strings.Repeat("x", 25))
	s.Set("complaintType", "weather")
	if err := s.Next(); !errors.As(err, &ve) || ve.Fields["complaintType"] != "Please select a complaint type" {
		t.Fatalf("bad enum: %v", err)
	}

	nc := workflow.NewSession(definition(t, "new-connection"))
	nc.SetAll(map[string]string{
		"applicantName": "Rajesh Kumar", "mobile": "5876543210", "connectionType": "new", "connectionSize": "15mm",
		"connectionCategory": "domestic", "numberOfOccupants": "0", "billingFrequency": "quarterly", "meterType": "meter",
	})
	err = nc.Next()
	if !errors.As(err, &ve) || ve.Fields["mobile"] != "Valid 10-digit mobile required" || ve.Fields["numberOfOccupants"] == "" {
		t.Fatalf("new connection rules: %v", err)
	}
}

func TestConnectionIDMatchesAnyCase(t *testing.T) {
	s := workflow.NewSession(definition(t, "grievance"))
	s.SetAll(map[string]string{
		"connectionId":  " wc-2025-001 ",
		"complaintType": "billing",
		"remark":        "Meter reading on the last bill is wrong",
	})
	if err := s.Next(); err != nil {
		t.Fatalf("lower-case connection id: %v", err)
	}
	if got := s.Def.Summarize(s.Fields).ConsumerNumber; got != "WC-2025-001" {
		t.Fatalf("consumer number %q", got)
	}

	fg := workflow.NewSession(definition(t, "first-connection-grievance"))
	fg.SetAll(map[string]string{"applicationId": "wnc-2025-180652", "applicantName": "Sneha Deshmukh", "mobile": "9876543215"})
	if err := fg.Next(); err != nil {
		t.Fatalf("lower-case application id: %v", err)
	}
}

func TestCrossFieldDocumentRule(t *testing.T) {
	s := workflow.NewSession(definition(t, "first-connection"))
	s.SetAll(map[string]string{"propertyType": "rented", "aadharCard": "a", "addressProof": "b", "photograph": "c"})
	err := s.ValidateStep(3)
	var ve *workflow.ValidationError
	if !errors.As(err, &ve) || ve.Fields["nocDocument"] == "" {
		t.Fatalf("rented without noc: %v", err)
	}
	s.Set("nocDocument", "d")
	if err := s.ValidateStep(3); err != nil {
		t.Fatalf("with noc: %v", err)
	}
}

func attachment(id, ct string, size int64) domain.Attachment {
	return domain.Attachment{ID: id, Name: id + ".pdf", ContentType: ct, Size: size}
}

func TestAttachmentBounds(t *testing.T) {
	s := workflow.NewSession(definition(t, "grievance"))
	rejected := s.AddAttachments(
		attachment("a", "application/pdf", 1024),
		attachment("b", "image/png", 2048),
		attachment("c", "image/jpeg; charset=binary", 4096),
		attachment("d", "application/pdf", 1024),
	)
	if len(s.Attachments) != 3 {
		t.Fatalf("kept %d attachments", len(s.Attachments))
	}
	if len(rejected) != 1 || rejected[0].Name != "d.pdf" || !errors.Is(rejected[0], workflow.ErrAttachmentRejected) {
		t.Fatalf("fourth file: %+v", rejected)
	}
	if s.Attachments[2].ContentType != "image/jpeg" {
		t.Fatalf("content type not normalised: %s", s.Attachments[2].ContentType)
	}

	s = workflow.NewSession(definition(t, "grievance"))
	rejected = s.AddAttachments(attachment("big", "application/pdf", 11*1024*1024), attachment("ok", "application/pdf", 1024))
	if len(rejected) != 1 || rejected[0].Name != "big.pdf" || !errors.Is(rejected[0].Err, workflow.ErrAttachmentRejected) {
		t.Fatalf("oversize file: %+v", rejected)
	}
	if len(s.Attachments) != 1 || s.Attachments[0].ID != "ok" {
		t.Fatalf("remaining files: %+v", s.Attachments)
	}
	if rej := s.AddAttachments(attachment("exe", "application/x-msdownload", 10)); len(rej) != 1 {
		t.Fatalf("type allow-list not applied")
	}
	if !s.RemoveAttachment("ok") || len(s.Attachments) != 0 {
		t.Fatalf("remove attachment")
	}
}

func TestGrievanceSubmitIssuesIdentifier(t *testing.T) {
	s := workflow.NewSession(definition(t, "grievance"))
	s.Set("connectionId", "WC-2025-001")
	s.Set("complaintType", "billing")
	s.Set("remark", "Bill shows wrong reading.")
	if len(s.Get("remark")) != 25 {
		t.Fatalf("remark should be 25 characters")
	}
	if err := s.Next(); err != nil {
		t.Fatalf("next: %v", err)
	}
	id, err := s.Submit(context.Background(), counterIssuer(2025))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !regexp.MustCompile(`^GRV-2025-\d{3}$`).MatchString(id.String()) {
		t.Fatalf("identifier %s", id)
	}
	if s.State != workflow.StateSubmitted || s.Issued != id {
		t.Fatalf("state %s issued %s", s.State, s.Issued)
	}
	if err := s.Set("remark", "changed"); !errors.Is(err, workflow.ErrNotEditable) {
		t.Fatalf("edit after submit: %v", err)
	}
	if _, err := s.Submit(context.Background(), counterIssuer(2025)); !errors.Is(err, workflow.ErrNotEditable) {
		t.Fatalf("second submit: %v", err)
	}
}

func TestSubmitRevalidatesAllSteps(t *testing.T) {
	s := workflow.NewSession(definition(t, "first-connection-grievance"))
	s.Step = s.LastStep()
	_, err := s.Submit(context.Background(), counterIssuer(2025))
	var ve *workflow.ValidationError
	if !errors.As(err, &ve) || ve.Step != 0 || s.Step != 0 {
		t.Fatalf("expected jump to first invalid step, got %v at %d", err, s.Step)
	}
	if _, err := s.Submit(context.Background(), counterIssuer(2025)); !errors.Is(err, workflow.ErrNotLastStep) {
		t.Fatalf("submit from first step: %v", err)
	}
}

func TestSubmitFailureKeepsFields(t *testing.T) {
	s := workflow.NewSession(definition(t, "grievance"))
	s.SetAll(map[string]string{"connectionId": "WC-2025-001", "complaintType": "supply", "remark": "No water since Monday morning"})
	s.Step = s.LastStep()
	boom := errors.New("network down")
	var sawPending bool
	_, err := s.Submit(context.Background(), workflow.IssuerFunc(func(ctx context.Context, sess *workflow.Session) (trackid.ID, error) {
		sawPending = sess.State == workflow.StatePending
		return trackid.ID{}, boom
	}))
	if !errors.Is(err, workflow.ErrSubmitFailed) || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped failure, got %v", err)
	}
	if !sawPending {
		t.Fatalf("issuer did not observe pending state")
	}
	if s.State != workflow.StateEditing || s.Step != s.LastStep() || s.Get("remark") == "" {
		t.Fatalf("session not restored: %s %d", s.State, s.Step)
	}
	if _, err := s.Submit(context.Background(), counterIssuer(2025)); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestSummaries(t *testing.T) {
	def := definition(t, "grievance")
	sum := def.Summarize(map[string]string{"connectionId": "wc-2025-001", "complaintType": "billing", "remark": "Incorrect meter reading in bill"})
	if sum.ConsumerNumber != "WC-2025-001" || sum.Category != "Billing Issue" || sum.Subject != "Incorrect meter reading in bill" {
		t.Fatalf("grievance summary: %+v", sum)
	}
	fc := definition(t, "first-connection").Summarize(map[string]string{"firstName": "Sneha", "lastName": "Deshmukh", "propertyId": "c3-12"})
	if fc.ApplicantName != "Sneha Deshmukh" || fc.PropertyID != "C3-12" || fc.Category != "First Water Connection" {
		t.Fatalf("first connection summary: %+v", fc)
	}
}
