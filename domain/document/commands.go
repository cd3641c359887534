package document

import (
	"context"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain"
)

// UploadDocument registers a new draft document.
type UploadDocument struct {
	clinops.CommandBase
	DocumentID   string `json:"documentId"`
	StudyID      string `json:"studyId" validate:"required"`
	Name         string `json:"name" validate:"required"`
	DocumentType string `json:"documentType" validate:"required"`
	FileName     string `json:"fileName" validate:"required"`
	FilePath     string `json:"filePath" validate:"required"`
	FileSize     int64  `json:"fileSize" validate:"gt=0"`
	MimeType     string `json:"mimeType" validate:"required"`
	Version      string `json:"version" validate:"required"`
	Description  string `json:"description"`
}

func (UploadDocument) CommandType() string   { return "UploadDocument" }
func (c UploadDocument) AggregateID() string { return c.DocumentID }
func (UploadDocument) Validate() error       { return nil }

// ApproveDocument approves a draft.
type ApproveDocument struct {
	clinops.CommandBase
	DocumentID string `json:"documentId" validate:"required"`
	Signature  string `json:"signature"`
	Comments   string `json:"comments"`
	Role       string `json:"role"`
}

func (ApproveDocument) CommandType() string   { return "ApproveDocument" }
func (c ApproveDocument) AggregateID() string { return c.DocumentID }
func (ApproveDocument) Validate() error       { return nil }

// SupersedeDocument replaces a current document with a newer one.
type SupersedeDocument struct {
	clinops.CommandBase
	DocumentID    string `json:"documentId" validate:"required"`
	NewDocumentID string `json:"newDocumentId" validate:"required"`
	Reason        string `json:"reason" validate:"required"`
}

func (SupersedeDocument) CommandType() string   { return "SupersedeDocument" }
func (c SupersedeDocument) AggregateID() string { return c.DocumentID }
func (SupersedeDocument) Validate() error       { return nil }

// ArchiveDocument retires a document.
type ArchiveDocument struct {
	clinops.CommandBase
	DocumentID      string `json:"documentId" validate:"required"`
	Reason          string `json:"reason" validate:"required"`
	RetentionPolicy string `json:"retentionPolicy"`
}

func (ArchiveDocument) CommandType() string   { return "ArchiveDocument" }
func (c ArchiveDocument) AggregateID() string { return c.DocumentID }
func (ArchiveDocument) Validate() error       { return nil }

// DeleteDocument soft-deletes a draft.
type DeleteDocument struct {
	clinops.CommandBase
	DocumentID string `json:"documentId" validate:"required"`
	Reason     string `json:"reason" validate:"required"`
}

func (DeleteDocument) CommandType() string   { return "DeleteDocument" }
func (c DeleteDocument) AggregateID() string { return c.DocumentID }
func (DeleteDocument) Validate() error       { return nil }

// UpdateDocumentMetadata edits a draft's descriptive fields.
type UpdateDocumentMetadata struct {
	clinops.CommandBase
	DocumentID  string `json:"documentId" validate:"required"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
}

func (UpdateDocumentMetadata) CommandType() string   { return "UpdateDocumentMetadata" }
func (c UpdateDocumentMetadata) AggregateID() string { return c.DocumentID }
func (c UpdateDocumentMetadata) Validate() error {
	return domain.Check(c.CommandType()).
		That(!domain.Blank(c.Name) || !domain.Blank(c.Description) || !domain.Blank(c.Version), "", "at least one field must change").
		Err()
}

// DownloadDocument records an access.
type DownloadDocument struct {
	clinops.CommandBase
	DocumentID string `json:"documentId" validate:"required"`
	Reason     string `json:"reason"`
}

func (DownloadDocument) CommandType() string   { return "DownloadDocument" }
func (c DownloadDocument) AggregateID() string { return c.DocumentID }
func (DownloadDocument) Validate() error       { return nil }

// RegisterHandlers registers the document command handlers on bus.
func RegisterHandlers(bus *clinops.CommandBus, deps domain.Deps) {
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[UploadDocument, *Document]{
		CommandType: "UploadDocument",
		Store:       deps.Store,
		Factory:     New,
		Create:      true,
		Decide: func(ctx context.Context, cmd UploadDocument, d *Document) error {
			return d.Upload(Upload{
				StudyID:      cmd.StudyID,
				Name:         cmd.Name,
				DocumentType: cmd.DocumentType,
				FileName:     cmd.FileName,
				FilePath:     cmd.FilePath,
				FileSize:     cmd.FileSize,
				MimeType:     cmd.MimeType,
				Version:      cmd.Version,
				Description:  cmd.Description,
			})
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[ApproveDocument, *Document]{
		CommandType: "ApproveDocument",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd ApproveDocument, d *Document) error {
			required := deps.Snapshot().RequiresSignature(d.DocumentType)
			return d.Approve(cmd.Signature, cmd.Comments, cmd.Role, required)
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[SupersedeDocument, *Document]{
		CommandType: "SupersedeDocument",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd SupersedeDocument, d *Document) error {
			return d.Supersede(cmd.NewDocumentID, cmd.Reason)
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[ArchiveDocument, *Document]{
		CommandType: "ArchiveDocument",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd ArchiveDocument, d *Document) error {
			return d.Archive(cmd.Reason, cmd.RetentionPolicy)
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[DeleteDocument, *Document]{
		CommandType: "DeleteDocument",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd DeleteDocument, d *Document) error {
			return d.Delete(cmd.Reason)
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[UpdateDocumentMetadata, *Document]{
		CommandType: "UpdateDocumentMetadata",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd UpdateDocumentMetadata, d *Document) error {
			return d.UpdateMetadata(cmd.Name, cmd.Description, cmd.Version)
		},
	}))
	bus.Register(clinops.NewAggregateHandler(clinops.AggregateHandlerConfig[DownloadDocument, *Document]{
		CommandType: "DownloadDocument",
		Store:       deps.Store,
		Factory:     New,
		Decide: func(ctx context.Context, cmd DownloadDocument, d *Document) error {
			return d.Download(cmd.Reason)
		},
	}))
}
