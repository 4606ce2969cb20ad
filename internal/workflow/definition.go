package workflow

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"civicwater/internal/config"
	"civicwater/internal/trackid"
)

// FieldRule describes one form input. Values are validated after trimming.
type FieldRule struct {
	Key      string   `json:"key"`
	Label    string   `json:"label"`
	Required bool     `json:"required"`
	Message  string   `json:"message,omitempty"`
	MinLen   int      `json:"minLength,omitempty"`
	MaxLen   int      `json:"maxLength,omitempty"`
	Pattern  string   `json:"pattern,omitempty"`
	Options  []string `json:"options,omitempty"`
	// Integer requires a positive whole number.
	Integer bool `json:"integer,omitempty"`
	// Upper matches the upper-cased value, for identifiers like WC-2025-001.
	Upper bool `json:"upper,omitempty"`

	MinMessage     string `json:"-"`
	MaxMessage     string `json:"-"`
	PatternMessage string `json:"-"`

	re *regexp.Regexp
}

func (r FieldRule) check(raw string) string {
	v := strings.TrimSpace(raw)
	if v == "" {
		if r.Required {
			return r.missing()
		}
		return ""
	}
	if r.Upper {
		v = strings.ToUpper(v)
	}
	n := utf8.RuneCountInString(v)
	if r.MinLen > 0 && n < r.MinLen {
		return orDefault(r.MinMessage, fmt.Sprintf("%s must be at least %d characters", r.Label, r.MinLen))
	}
	if r.MaxLen > 0 && n > r.MaxLen {
		return orDefault(r.MaxMessage, fmt.Sprintf("%s must not exceed %d characters", r.Label, r.MaxLen))
	}
	if r.re != nil && !r.re.MatchString(v) {
		return orDefault(r.PatternMessage, r.missing())
	}
	if len(r.Options) > 0 && !contains(r.Options, v) {
		return r.missing()
	}
	if r.Integer {
		if i, err := strconv.Atoi(v); err != nil || i <= 0 {
			return r.missing()
		}
	}
	return ""
}

func (r FieldRule) missing() string {
	return orDefault(r.Message, r.Label+" is required")
}

// Step is one page of a form. Check adds cross-field rules on top of the
// per-field ones.
type Step struct {
	Name   string                                           `json:"name"`
	Fields []FieldRule                                      `json:"fields"`
	Check  func(fields map[string]string) map[string]string `json:"-"`
}

type AttachmentPolicy struct {
	MaxFiles     int      `json:"maxFiles"`
	MaxBytes     int64    `json:"maxBytes"`
	AllowedTypes []string `json:"allowedTypes"`
}

// Summary is what a submission contributes to the status record header.
type Summary struct {
	ApplicantName  string
	Mobile         string
	ConsumerNumber string
	PropertyID     string
	Category       string
	Subject        string
	Priority       string
}

type Definition struct {
	Name        string           `json:"name"`
	Title       string           `json:"title"`
	Family      trackid.Family   `json:"family"`
	Category    string           `json:"category"`
	Service     string           `json:"service,omitempty"`
	Stages      []string         `json:"stages"`
	SeqWidth    int              `json:"-"`
	Steps       []Step           `json:"steps"`
	Attachments AttachmentPolicy `json:"attachments"`

	summarize func(d Definition, fields map[string]string) Summary
}

// Summarize extracts the record header from submitted fields.
func (d Definition) Summarize(fields map[string]string) Summary {
	if d.summarize == nil {
		return Summary{Category: d.Category}
	}
	s := d.summarize(d, fields)
	if s.Category == "" {
		s.Category = d.Category
	}
	return s
}

// Keys lists every field key across all steps.
func (d Definition) Keys() []string {
	var keys []string
	for _, st := range d.Steps {
		for _, f := range st.Fields {
			keys = append(keys, f.Key)
		}
	}
	return keys
}

var mobilePattern = `^[6-9]\d{9}$`

// ComplaintTypes maps connection grievance types to record categories.
var ComplaintTypes = map[string]string{
	"billing":    "Billing Issue",
	"supply":     "Water Supply",
	"quality":    "Water Quality",
	"leakage":    "Leakage Problem",
	"meter":      "Meter Issue",
	"connection": "Connection Issue",
	"pressure":   "Water Pressure",
	"other":      "Other",
}

// GrievanceTypes maps first-connection grievance types to record categories.
var GrievanceTypes = map[string]string{
	"delay":         "Application Processing Delay",
	"document":      "Document Verification Issue",
	"payment":       "Payment Related Issue",
	"communication": "Communication/Update Issue",
	"other":         "Other Issue",
}

var PipeSizes = []string{"15mm", "20mm", "25mm", "40mm", "50mm"}

func keysOf(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func description(key, label string) FieldRule {
	return FieldRule{
		Key: key, Label: label, Required: true, MinLen: 20, MaxLen: 500,
		Message:    "Please provide a description of your grievance",
		MinMessage: "Description must be at least 20 characters",
		MaxMessage: "Description must not exceed 500 characters",
	}
}

func subjectLine(remark string) string {
	remark = strings.TrimSpace(remark)
	if utf8.RuneCountInString(remark) <= 60 {
		return remark
	}
	return strings.TrimSpace(string([]rune(remark)[:60])) + "..."
}

func builtin() map[string]Definition {
	return map[string]Definition{
		"grievance": {
			Title: "Raise Grievance",
			Steps: []Step{
				{Name: "Details", Fields: []FieldRule{
					{Key: "connectionId", Label: "Water connection", Required: true, Message: "Please select a water connection",
						Pattern: `^WC-\d{4}-\d+$`, Upper: true},
					{Key: "complaintType", Label: "Complaint type", Required: true, Message: "Please select a complaint type",
						Options: keysOf(ComplaintTypes)},
					{Key: "subject", Label: "Subject", MaxLen: 120},
					description("remark", "Description"),
					{Key: "priority", Label: "Priority", Options: []string{"low", "medium", "high", "urgent"}},
				}},
				{Name: "Review"},
			},
			summarize: func(d Definition, f map[string]string) Summary {
				subject := strings.TrimSpace(f["subject"])
				if subject == "" {
					subject = subjectLine(f["remark"])
				}
				return Summary{
					ConsumerNumber: strings.ToUpper(strings.TrimSpace(f["connectionId"])),
					Category:       ComplaintTypes[f["complaintType"]],
					Subject:        subject,
					Priority:       f["priority"],
				}
			},
		},
		"first-connection-grievance": {
			Title: "First Connection Grievance",
			Steps: []Step{
				{Name: "Application", Fields: []FieldRule{
					{Key: "applicationId", Label: "Application ID", Required: true, Message: "Application ID is required",
						Pattern: `^WNC-\d{4}-\d+$`, Upper: true, PatternMessage: "Enter a valid WNC application ID"},
					{Key: "applicantName", Label: "Applicant name", Required: true, Message: "Applicant name is required"},
					{Key: "mobile", Label: "Mobile", Required: true, Message: "Valid 10-digit mobile required", Pattern: mobilePattern},
				}},
				{Name: "Grievance", Fields: []FieldRule{
					{Key: "grievanceType", Label: "Grievance type", Required: true, Message: "Please select a grievance type",
						Options: keysOf(GrievanceTypes)},
					{Key: "subject", Label: "Subject", Required: true, Message: "Subject is required", MaxLen: 120},
					description("description", "Description"),
					{Key: "priority", Label: "Priority", Options: []string{"low", "medium", "high"}},
				}},
				{Name: "Review"},
			},
			summarize: func(d Definition, f map[string]string) Summary {
				return Summary{
					ApplicantName: strings.TrimSpace(f["applicantName"]),
					Mobile:        strings.TrimSpace(f["mobile"]),
					Category:      GrievanceTypes[f["grievanceType"]],
					Subject:       strings.TrimSpace(f["subject"]),
					Priority:      f["priority"],
				}
			},
		},
		"new-connection": {
			Title: "New Water Connection",
			Steps: []Step{
				{Name: "Connection Details", Fields: []FieldRule{
					{Key: "applicantName", Label: "Applicant name", Required: true, Message: "Applicant name is required"},
					{Key: "mobile", Label: "Mobile", Required: true, Message: "Valid 10-digit mobile required", Pattern: mobilePattern},
					{Key: "propertyId", Label: "Property number"},
					{Key: "connectionType", Label: "Connection type", Required: true, Message: "Please select connection type",
						Options: []string{"new", "additional", "temporary"}},
					{Key: "connectionSize", Label: "Pipe size", Required: true, Message: "Please select pipe size", Options: PipeSizes},
					{Key: "connectionCategory", Label: "Category", Required: true, Message: "Please select category",
						Options: []string{"domestic", "commercial", "industrial", "institutional"}},
					{Key: "numberOfOccupants", Label: "Occupants", Required: true, Message: "Please enter number of occupants", Integer: true},
					{Key: "billingFrequency", Label: "Billing frequency", Required: true, Message: "Please select billing frequency",
						Options: []string{"quarterly", "annual"}},
					{Key: "meterType", Label: "Meter type", Required: true, Message: "Please select meter type",
						Options: []string{"meter", "non-meter"}},
				}},
				{Name: "Documents Upload", Fields: []FieldRule{
					{Key: "ownershipProof", Label: "Ownership proof", Required: true, Message: "Property ownership proof is required"},
					{Key: "identityProof", Label: "Identity proof", Required: true, Message: "Identity proof is required"},
					{Key: "taxReceipt", Label: "Tax receipt", Required: true, Message: "Tax receipt is required"},
					{Key: "finalDeclaration", Label: "Declaration", Required: true, Message: "Please accept the declaration",
						Options: []string{"true"}},
				}},
				{Name: "Review & Submit"},
			},
			summarize: func(d Definition, f map[string]string) Summary {
				return Summary{
					ApplicantName: strings.TrimSpace(f["applicantName"]),
					Mobile:        strings.TrimSpace(f["mobile"]),
					PropertyID:    strings.ToUpper(strings.TrimSpace(f["propertyId"])),
				}
			},
		},
		"first-connection": {
			Title: "First Water Connection",
			Steps: []Step{
				{Name: "Personal", Fields: []FieldRule{
					{Key: "firstName", Label: "First name", Required: true},
					{Key: "lastName", Label: "Last name", Required: true},
					{Key: "mobile", Label: "Mobile", Required: true, Message: "Valid 10-digit mobile required", Pattern: mobilePattern},
					{Key: "email", Label: "Email", Pattern: `^[^@\s]+@[^@\s]+\.[^@\s]+$`, PatternMessage: "Enter a valid email"},
					{Key: "aadharNo", Label: "Aadhar number", Pattern: `^\d{12}$`, PatternMessage: "Aadhar number must be 12 digits"},
				}},
				{Name: "Property", Fields: []FieldRule{
					{Key: "propertyId", Label: "Property number", Required: true},
					{Key: "zoneNo", Label: "Zone", Required: true},
					{Key: "wardNo", Label: "Ward", Required: true},
					{Key: "streetAddress", Label: "Street address", Required: true},
					{Key: "pincode", Label: "Pincode", Required: true, Pattern: `^\d{6}$`, PatternMessage: "Pincode must be 6 digits"},
					{Key: "propertyType", Label: "Property type", Required: true, Options: []string{"owned", "rented"}},
				}},
				{Name: "Connection", Fields: []FieldRule{
					{Key: "connectionUse", Label: "Connection use", Required: true,
						Options: []string{"domestic", "commercial", "industrial", "institutional"}},
					{Key: "pipeSize", Label: "Pipe size", Required: true, Message: "Please select pipe size", Options: PipeSizes},
				}},
				{Name: "Documents", Fields: []FieldRule{
					{Key: "aadharCard", Label: "Aadhar card", Required: true},
					{Key: "addressProof", Label: "Address proof", Required: true},
					{Key: "photograph", Label: "Applicant photograph", Required: true},
					{Key: "propertyProof", Label: "Property ownership document"},
					{Key: "nocDocument", Label: "NOC from owner"},
				}, Check: func(f map[string]string) map[string]string {
					switch f["propertyType"] {
					case "owned":
						if strings.TrimSpace(f["propertyProof"]) == "" {
							return map[string]string{"propertyProof": "Property ownership document is required"}
						}
					case "rented":
						if strings.TrimSpace(f["nocDocument"]) == "" {
							return map[string]string{"nocDocument": "NOC from owner is required"}
						}
					}
					return nil
				}},
				{Name: "Review"},
			},
			summarize: func(d Definition, f map[string]string) Summary {
				return Summary{
					ApplicantName: strings.TrimSpace(strings.TrimSpace(f["firstName"]) + " " + strings.TrimSpace(f["lastName"])),
					Mobile:        strings.TrimSpace(f["mobile"]),
					PropertyID:    strings.ToUpper(strings.TrimSpace(f["propertyId"])),
				}
			},
		},
	}
}

// Definitions builds the forms configured in cfg. Forms without built-in
// step rules are skipped.
func Definitions(cfg *config.Config) (map[string]Definition, error) {
	base := builtin()
	out := map[string]Definition{}
	for _, name := range cfg.FormNames() {
		def, ok := base[name]
		if !ok {
			continue
		}
		fc, _ := cfg.Form(name)
		def.Name = name
		def.Family = trackid.Family(fc.Family)
		def.Category = fc.Category
		def.Service = fc.Service
		def.Stages = append([]string(nil), fc.Stages...)
		def.SeqWidth = fc.SequenceWidth
		def.Attachments = AttachmentPolicy{
			MaxFiles:     fc.Attachments.MaxFiles,
			MaxBytes:     fc.Attachments.MaxBytes(),
			AllowedTypes: append([]string(nil), fc.Attachments.Types...),
		}
		for i := range def.Steps {
			for j := range def.Steps[i].Fields {
				rule := &def.Steps[i].Fields[j]
				if rule.Pattern == "" {
					continue
				}
				re, err := regexp.Compile(rule.Pattern)
				if err != nil {
					return nil, fmt.Errorf("form %s field %s: %w", name, rule.Key, err)
				}
				rule.re = re
			}
		}
		out[name] = def
	}
	return out, nil
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
