package projection

import (
	"context"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain/document"
)

// NewDocumentProjector maintains the study documents table. Deleted
// documents stay in the table with Deleted set.
func NewDocumentProjector(rows clinops.ReadModelRepository[DocumentRow], deps Deps) *Projector[DocumentRow] {
	p := newProjector("document", document.Family, document.Family, rows, func(id string) *DocumentRow { return &DocumentRow{ID: id} }, deps)

	p.handle("DocumentUploaded", on(ActionCreated, func(_ context.Context, r *DocumentRow, e document.DocumentUploaded, ev clinops.Event) error {
		r.StudyID = e.StudyID
		r.Name = e.Name
		r.DocumentType = e.DocumentType
		r.FileName = e.FileName
		r.FilePath = e.FilePath
		r.FileSize = e.FileSize
		r.MimeType = e.MimeType
		r.Version = e.Version
		r.Description = e.Description
		r.Status = document.StatusDraft
		r.UploadedBy = ev.ActorID()
		r.CreatedAt = ev.Timestamp
		r.UpdatedAt = ev.Timestamp
		return nil
	}).creating())

	p.handle("DocumentApproved", on(ActionApproved, func(_ context.Context, r *DocumentRow, _ document.DocumentApproved, ev clinops.Event) error {
		r.Status = document.StatusCurrent
		r.ApprovedBy = ev.ActorID()
		r.ApprovedAt = at(ev.Timestamp)
		r.UpdatedAt = ev.Timestamp
		return nil
	}))

	p.handle("DocumentSuperseded", on(ActionSuperseded, func(_ context.Context, r *DocumentRow, e document.DocumentSuperseded, ev clinops.Event) error {
		r.Status = document.StatusSuperseded
		r.SupersededBy = e.NewDocumentID
		r.UpdatedAt = ev.Timestamp
		return nil
	}))

	p.handle("DocumentArchived", on(ActionArchived, func(_ context.Context, r *DocumentRow, _ document.DocumentArchived, ev clinops.Event) error {
		r.Status = document.StatusArchived
		r.UpdatedAt = ev.Timestamp
		return nil
	}))

	p.handle("DocumentDeleted", on(ActionDeleted, func(_ context.Context, r *DocumentRow, _ document.DocumentDeleted, ev clinops.Event) error {
		r.Deleted = true
		r.DeletedAt = at(ev.Timestamp)
		r.UpdatedAt = ev.Timestamp
		return nil
	}).deleting())

	p.handle("DocumentMetadataUpdated", on(ActionUpdated, func(_ context.Context, r *DocumentRow, e document.DocumentMetadataUpdated, ev clinops.Event) error {
		if e.Name != "" {
			r.Name = e.Name
		}
		if e.Description != "" {
			r.Description = e.Description
		}
		if e.Version != "" {
			r.Version = e.Version
		}
		r.UpdatedAt = ev.Timestamp
		return nil
	}))

	p.handle("DocumentDownloaded", on(ActionDownloaded, func(_ context.Context, r *DocumentRow, _ document.DocumentDownloaded, _ clinops.Event) error {
		r.DownloadCount++
		return nil
	}))
	return p
}
