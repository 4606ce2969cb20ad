package domain

import (
	"fmt"
	"strings"

	"civicwater/internal/trackid"
)

// Status is the closed set of record statuses. Display text comes from Label.
type Status string

const (
	StatusSubmitted           Status = "submitted"
	StatusUnderReview         Status = "under_review"
	StatusInspectionScheduled Status = "inspection_scheduled"
	StatusApproved            Status = "approved"
	StatusRejected            Status = "rejected"
	StatusActive              Status = "active"
	StatusAcknowledged        Status = "acknowledged"
	StatusInProgress          Status = "in_progress"
	StatusResolved            Status = "resolved"
	StatusClosed              Status = "closed"
)

var statusLabels = map[Status]string{
	StatusSubmitted:           "Submitted",
	StatusUnderReview:         "Under Review",
	StatusInspectionScheduled: "Inspection Scheduled",
	StatusApproved:            "Approved",
	StatusRejected:            "Rejected",
	StatusActive:              "Active",
	StatusAcknowledged:        "Acknowledged",
	StatusInProgress:          "In Progress",
	StatusResolved:            "Resolved",
	StatusClosed:              "Closed",
}

// Label returns the text shown to citizens.
func (s Status) Label() string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return string(s)
}

// Terminal reports whether no further review happens.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusActive, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// TerminalStatuses lists every status for which Terminal is true.
func TerminalStatuses() []Status {
	return []Status{StatusApproved, StatusRejected, StatusActive, StatusResolved, StatusClosed}
}

// ParseStatus accepts either the tag ("under_review") or the label ("Under Review").
func ParseStatus(raw string) (Status, error) {
	norm := strings.ToLower(strings.TrimSpace(raw))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	s := Status(norm)
	if _, ok := statusLabels[s]; !ok {
		return "", fmt.Errorf("invalid status %q", raw)
	}
	return s, nil
}

var applicationTransitions = map[Status][]Status{
	StatusSubmitted:           {StatusUnderReview, StatusRejected},
	StatusUnderReview:         {StatusInspectionScheduled, StatusApproved, StatusRejected},
	StatusInspectionScheduled: {StatusUnderReview, StatusApproved, StatusRejected},
	StatusApproved:            {StatusActive},
}

var grievanceTransitions = map[Status][]Status{
	StatusSubmitted:    {StatusAcknowledged, StatusInProgress, StatusRejected},
	StatusAcknowledged: {StatusUnderReview, StatusInProgress, StatusResolved, StatusRejected},
	StatusUnderReview:  {StatusInProgress, StatusResolved, StatusRejected},
	StatusInProgress:   {StatusResolved, StatusRejected},
	StatusResolved:     {StatusClosed},
}

func transitionsFor(f trackid.Family) map[Status][]Status {
	if f == trackid.Grievance {
		return grievanceTransitions
	}
	return applicationTransitions
}

// TransitionError reports a status change the family's table does not allow.
type TransitionError struct {
	Family trackid.Family
	From   Status
	To     Status
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid %s status transition %s -> %s", strings.ToLower(e.Family.Label()), e.From, e.To)
}

// ValidStatus reports whether s belongs to the family's status set.
func ValidStatus(f trackid.Family, s Status) bool {
	table := transitionsFor(f)
	if _, ok := table[s]; ok {
		return true
	}
	for _, next := range table {
		for _, n := range next {
			if n == s {
				return true
			}
		}
	}
	return false
}

// CheckTransition returns a TransitionError unless from -> to is allowed.
// A no-op change is always allowed.
func CheckTransition(f trackid.Family, from, to Status) error {
	if from == to {
		return nil
	}
	for _, next := range transitionsFor(f)[from] {
		if next == to {
			return nil
		}
	}
	return TransitionError{Family: f, From: from, To: to}
}

// SuccessStatus is the status a record reaches when its last stage completes.
func SuccessStatus(f trackid.Family) Status {
	if f == trackid.Grievance {
		return StatusResolved
	}
	return StatusApproved
}

// Priority applies to grievances only.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Label() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityMedium:
		return "Medium"
	case PriorityHigh:
		return "High"
	case PriorityUrgent:
		return "Urgent"
	}
	return string(p)
}

// ParsePriority defaults an empty value to medium.
func ParsePriority(raw string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(raw)))
	switch p {
	case "":
		return PriorityMedium, nil
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return p, nil
	}
	return "", fmt.Errorf("invalid priority %q", raw)
}
