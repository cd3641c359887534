package formdata

import (
	"context"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain"
)

// SubmitFormData records a form submission.
type SubmitFormData struct {
	clinops.CommandBase
	FormDataID string                 `json:"formDataId"`
	StudyID    string                 `json:"studyId" validate:"required"`
	FormID     string                 `json:"formId" validate:"required"`
	PatientID  string                 `json:"patientId"`
	VisitID    string                 `json:"visitId"`
	SiteID     string                 `json:"siteId"`
	Data       map[string]interface{} `json:"data"`
	Status     string                 `json:"status" validate:"required"`
}

func (SubmitFormData) CommandType() string   { return "SubmitFormData" }
func (c SubmitFormData) AggregateID() string { return c.FormDataID }
func (SubmitFormData) Validate() error       { return nil }

// UpdateFormData replaces the values of a form. An empty Status keeps the
// current one.
type UpdateFormData struct {
	clinops.CommandBase
	FormDataID string                 `json:"formDataId" validate:"required"`
	Data       map[string]interface{} `json:"data"`
	Status     string                 `json:"status" validate:"omitempty,oneof=DRAFT SUBMITTED"`
	Reason     string                 `json:"reason"`
}

func (UpdateFormData) CommandType() string   { return "UpdateFormData" }
func (c UpdateFormData) AggregateID() string { return c.FormDataID }
func (c UpdateFormData) Validate() error {
	return domain.Check(c.CommandType()).That(len(c.Data) > 0, "data", "at least one field must be filled").Err()
}

// LockFormData freezes a submitted form.
type LockFormData struct {
	clinops.CommandBase
	FormDataID string `json:"formDataId" validate:"required"`
	Reason     string `json:"reason" validate:"required"`
}

func (LockFormData) CommandType() string   { return "LockFormData" }
func (c LockFormData) AggregateID() string { return c.FormDataID }
func (c LockFormData) Validate() error {
	return domain.Check(c.CommandType()).Require("reason", c.Reason).Err()
}

// RegisterHandlers registers the form data command handlers on bus.
func RegisterHandlers(bus *clinops.CommandBus, deps domain.Deps) {
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[SubmitFormData, *FormData]{
		CommandType: "SubmitFormData",
		Store:       deps.Store,
		Factory:     New,
		Create:      true,
		Decide: func(ctx context.Context, cmd SubmitFormData, f *FormData) error {
			return f.Submit(Submission{
				StudyID:   cmd.StudyID,
				FormID:    cmd.FormID,
				PatientID: cmd.PatientID,
				VisitID:   cmd.VisitID,
				SiteID:    cmd.SiteID,
				Data:      cmd.Data,
				Status:    cmd.Status,
			})
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[UpdateFormData, *FormData]{
		CommandType: "UpdateFormData",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd UpdateFormData, f *FormData) error {
			return f.Update(cmd.Data, cmd.Status, cmd.Reason)
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[LockFormData, *FormData]{
		CommandType: "LockFormData",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd LockFormData, f *FormData) error {
			return f.Lock(cmd.Reason)
		},
	}))
}
