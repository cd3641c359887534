// Package formdata is the FormData aggregate: one submission of a case report
// form, optionally bound to a patient visit.
package formdata

import (
	"github.com/clinprecision/clinops-core"
)

// Family is the stream family of form submissions.
const Family = "FormData"

// Form data statuses.
const (
	StatusDraft     = "DRAFT"
	StatusSubmitted = "SUBMITTED"
	StatusLocked    = "LOCKED"
)

// FormDataSubmitted records a new form submission.
type FormDataSubmitted struct {
	FormDataID string                 `json:"formDataId"`
	StudyID    string                 `json:"studyId"`
	FormID     string                 `json:"formId"`
	PatientID  string                 `json:"patientId,omitempty"`
	VisitID    string                 `json:"visitId,omitempty"`
	SiteID     string                 `json:"siteId,omitempty"`
	Data       map[string]interface{} `json:"data"`
	Status     string                 `json:"status"`
}

func (FormDataSubmitted) EventType() string { return "FormDataSubmitted" }

// FormDataUpdated replaces the captured values.
type FormDataUpdated struct {
	FormDataID string                 `json:"formDataId"`
	Data       map[string]interface{} `json:"data"`
	From       string                 `json:"from"`
	Status     string                 `json:"status"`
	Reason     string                 `json:"reason,omitempty"`
}

func (FormDataUpdated) EventType() string { return "FormDataUpdated" }

// FormDataLocked freezes a submitted form.
type FormDataLocked struct {
	FormDataID string `json:"formDataId"`
	Reason     string `json:"reason"`
}

func (FormDataLocked) EventType() string { return "FormDataLocked" }

// RegisterEvents adds the form data events to reg.
func RegisterEvents(reg *clinops.Registry) {
	clinops.Register[FormDataSubmitted](reg, Family)
	clinops.Register[FormDataUpdated](reg, Family)
	clinops.Register[FormDataLocked](reg, Family)
}

// FormData is the aggregate.
type FormData struct {
	clinops.AggregateBase

	StudyID   string
	FormID    string
	PatientID string
	VisitID   string
	SiteID    string
	Data      map[string]interface{}
	Status    string
}

// New returns an empty form submission ready for replay.
func New(id string) *FormData {
	return &FormData{AggregateBase: clinops.NewAggregateBase(id, Family)}
}

func (f *FormData) record(e clinops.DomainEvent) {
	_ = f.ApplyEvent(e)
	f.Record(e)
}

// ApplyEvent implements clinops.Aggregate.
func (f *FormData) ApplyEvent(event interface{}) error {
	switch e := event.(type) {
	case FormDataSubmitted:
		f.StudyID = e.StudyID
		f.FormID = e.FormID
		f.PatientID = e.PatientID
		f.VisitID = e.VisitID
		f.SiteID = e.SiteID
		f.Data = e.Data
		f.Status = e.Status
	case FormDataUpdated:
		f.Data = e.Data
		f.Status = e.Status
	case FormDataLocked:
		f.Status = StatusLocked
	}
	return nil
}

// Submission is the input of a new form submission.
type Submission struct {
	StudyID   string
	FormID    string
	PatientID string
	VisitID   string
	SiteID    string
	Data      map[string]interface{}
	Status    string
}

// Submit records the form. Forms captured at a visit must name the patient,
// and nothing is submitted directly as LOCKED.
func (f *FormData) Submit(s Submission) error {
	if s.Status == StatusLocked {
		return clinops.NewInvalidStateTransition(Family, f.AggregateID(), "", StatusLocked, "forms are locked through the lock workflow")
	}
	if s.Status != StatusDraft && s.Status != StatusSubmitted {
		return clinops.NewValidationError("SubmitFormData", "status", "must be DRAFT or SUBMITTED")
	}
	if s.VisitID != "" && s.PatientID == "" {
		return clinops.NewValidationError("SubmitFormData", "patientId", "is required for visit forms")
	}
	if len(s.Data) == 0 {
		return clinops.NewValidationError("SubmitFormData", "data", "at least one field must be filled")
	}
	f.record(FormDataSubmitted{
		FormDataID: f.AggregateID(),
		StudyID:    s.StudyID,
		FormID:     s.FormID,
		PatientID:  s.PatientID,
		VisitID:    s.VisitID,
		SiteID:     s.SiteID,
		Data:       s.Data,
		Status:     s.Status,
	})
	return nil
}

// Update replaces the values of a draft or submitted form. A submitted form
// cannot return to DRAFT.
func (f *FormData) Update(data map[string]interface{}, status, reason string) error {
	if f.Status != StatusDraft && f.Status != StatusSubmitted {
		return clinops.NewInvalidStateTransition(Family, f.AggregateID(), f.Status, status, "only DRAFT or SUBMITTED forms can be updated")
	}
	if status == "" {
		status = f.Status
	}
	if status != StatusDraft && status != StatusSubmitted {
		return clinops.NewValidationError("UpdateFormData", "status", "must be DRAFT or SUBMITTED")
	}
	if f.Status == StatusSubmitted && status == StatusDraft {
		return clinops.NewInvalidStateTransition(Family, f.AggregateID(), f.Status, status, "submitted forms stay submitted")
	}
	if len(data) == 0 {
		return clinops.NewValidationError("UpdateFormData", "data", "at least one field must be filled")
	}
	f.record(FormDataUpdated{FormDataID: f.AggregateID(), Data: data, From: f.Status, Status: status, Reason: reason})
	return nil
}

// Lock freezes a submitted form.
func (f *FormData) Lock(reason string) error {
	if f.Status != StatusSubmitted {
		return clinops.NewInvalidStateTransition(Family, f.AggregateID(), f.Status, StatusLocked, "only SUBMITTED forms can be locked")
	}
	f.record(FormDataLocked{FormDataID: f.AggregateID(), Reason: reason})
	return nil
}

// Complete reports whether the form counts toward visit completion.
func Complete(status string) bool {
	return status == StatusSubmitted || status == StatusLocked
}
