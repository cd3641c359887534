package document

import (
	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain"
)

// Document statuses.
const (
	StatusDraft      = "DRAFT"
	StatusCurrent    = "CURRENT"
	StatusSuperseded = "SUPERSEDED"
	StatusArchived   = "ARCHIVED"
)

// Transitions is the document lifecycle.
var Transitions = domain.Transitions{
	StatusDraft:   {StatusCurrent, StatusArchived},
	StatusCurrent: {StatusSuperseded, StatusArchived},
}

// Document is the aggregate.
type Document struct {
	clinops.AggregateBase

	StudyID         string
	Name            string
	DocumentType    string
	FileName        string
	FilePath        string
	FileSize        int64
	MimeType        string
	DocumentVersion string
	Description     string
	Status          string
	Deleted         bool
	SupersededBy    string
}

// New returns an empty document ready for replay.
func New(id string) *Document {
	return &Document{AggregateBase: clinops.NewAggregateBase(id, Family)}
}

func (d *Document) record(e clinops.DomainEvent) {
	_ = d.ApplyEvent(e)
	d.Record(e)
}

// ApplyEvent implements clinops.Aggregate.
func (d *Document) ApplyEvent(event interface{}) error {
	switch e := event.(type) {
	case DocumentUploaded:
		d.StudyID = e.StudyID
		d.Name = e.Name
		d.DocumentType = e.DocumentType
		d.FileName = e.FileName
		d.FilePath = e.FilePath
		d.FileSize = e.FileSize
		d.MimeType = e.MimeType
		d.DocumentVersion = e.Version
		d.Description = e.Description
		d.Status = StatusDraft
	case DocumentApproved:
		d.Status = StatusCurrent
	case DocumentSuperseded:
		d.Status = StatusSuperseded
		d.SupersededBy = e.NewDocumentID
	case DocumentArchived:
		d.Status = StatusArchived
	case DocumentDeleted:
		d.Deleted = true
	case DocumentMetadataUpdated:
		if e.Name != "" {
			d.Name = e.Name
		}
		if e.Description != "" {
			d.Description = e.Description
		}
		if e.Version != "" {
			d.DocumentVersion = e.Version
		}
	case DocumentDownloaded:
	}
	return nil
}

// Upload is the content of a new document.
type Upload struct {
	StudyID      string
	Name         string
	DocumentType string
	FileName     string
	FilePath     string
	FileSize     int64
	MimeType     string
	Version      string
	Description  string
}

// Upload records a new DRAFT document.
func (d *Document) Upload(u Upload) error {
	d.record(DocumentUploaded{
		DocumentID:   d.AggregateID(),
		StudyID:      u.StudyID,
		Name:         u.Name,
		DocumentType: u.DocumentType,
		FileName:     u.FileName,
		FilePath:     u.FilePath,
		FileSize:     u.FileSize,
		MimeType:     u.MimeType,
		Version:      u.Version,
		Description:  u.Description,
	})
	return nil
}

func (d *Document) transition(to, reason string) error {
	if d.Deleted {
		return clinops.NewInvalidStateTransition(Family, d.AggregateID(), d.Status, to, "document is deleted")
	}
	if !Transitions.Allows(d.Status, to) {
		return clinops.NewInvalidStateTransition(Family, d.AggregateID(), d.Status, to, reason)
	}
	return nil
}

// Approve makes a draft CURRENT. Types that require a signature cannot be
// approved without one.
func (d *Document) Approve(signature, comments, role string, signatureRequired bool) error {
	if err := d.transition(StatusCurrent, "only DRAFT documents can be approved"); err != nil {
		return err
	}
	if signatureRequired && domain.Blank(signature) {
		return clinops.NewPreconditionError("electronic-signature",
			"document type "+d.DocumentType+" requires an electronic signature")
	}
	d.record(DocumentApproved{DocumentID: d.AggregateID(), Signature: signature, Comments: comments, Role: role})
	return nil
}

// Supersede replaces a CURRENT document.
func (d *Document) Supersede(newDocumentID, reason string) error {
	if err := d.transition(StatusSuperseded, "only CURRENT documents can be superseded"); err != nil {
		return err
	}
	if newDocumentID == d.AggregateID() {
		return clinops.NewValidationError("SupersedeDocument", "newDocumentId", "must differ from the superseded document")
	}
	d.record(DocumentSuperseded{DocumentID: d.AggregateID(), NewDocumentID: newDocumentID, Reason: reason})
	return nil
}

// Archive retires a DRAFT or CURRENT document.
func (d *Document) Archive(reason, retentionPolicy string) error {
	if err := d.transition(StatusArchived, "only DRAFT or CURRENT documents can be archived"); err != nil {
		return err
	}
	d.record(DocumentArchived{DocumentID: d.AggregateID(), Reason: reason, RetentionPolicy: retentionPolicy})
	return nil
}

// Delete soft-deletes a draft.
func (d *Document) Delete(reason string) error {
	if d.Deleted {
		return clinops.NewInvalidStateTransition(Family, d.AggregateID(), d.Status, d.Status, "document is already deleted")
	}
	if d.Status != StatusDraft {
		return clinops.NewInvalidStateTransition(Family, d.AggregateID(), d.Status, "DELETED", "only DRAFT documents can be deleted")
	}
	d.record(DocumentDeleted{DocumentID: d.AggregateID(), Reason: reason})
	return nil
}

// UpdateMetadata changes descriptive fields of a draft.
func (d *Document) UpdateMetadata(name, description, version string) error {
	if d.Deleted || d.Status != StatusDraft {
		return clinops.NewInvalidStateTransition(Family, d.AggregateID(), d.Status, d.Status, "only DRAFT documents can be edited")
	}
	e := DocumentMetadataUpdated{DocumentID: d.AggregateID()}
	if !domain.Blank(name) && name != d.Name {
		e.Name = name
	}
	if !domain.Blank(description) && description != d.Description {
		e.Description = description
	}
	if !domain.Blank(version) && version != d.DocumentVersion {
		e.Version = version
	}
	if e == (DocumentMetadataUpdated{DocumentID: d.AggregateID()}) {
		return nil
	}
	d.record(e)
	return nil
}

// Download records an access to the document.
func (d *Document) Download(reason string) error {
	if d.Deleted {
		return clinops.NewInvalidStateTransition(Family, d.AggregateID(), d.Status, d.Status, "document is deleted")
	}
	d.record(DocumentDownloaded{DocumentID: d.AggregateID(), Reason: reason})
	return nil
}
