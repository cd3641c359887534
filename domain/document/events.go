// Package document is the StudyDocument aggregate: controlled study
// documents moving from draft through approval to supersession or archive.
package document

import "github.com/clinprecision/clinops-core"

// Family is the stream family of study documents.
const Family = "StudyDocument"

// DocumentUploaded creates a DRAFT document.
type DocumentUploaded struct {
	DocumentID   string `json:"documentId"`
	StudyID      string `json:"studyId"`
	Name         string `json:"name"`
	DocumentType string `json:"documentType"`
	FileName     string `json:"fileName"`
	FilePath     string `json:"filePath"`
	FileSize     int64  `json:"fileSize"`
	MimeType     string `json:"mimeType"`
	Version      string `json:"version"`
	Description  string `json:"description,omitempty"`
}

func (DocumentUploaded) EventType() string { return "DocumentUploaded" }

// DocumentApproved makes a draft CURRENT.
type DocumentApproved struct {
	DocumentID string `json:"documentId"`
	Signature  string `json:"signature,omitempty"`
	Comments   string `json:"comments,omitempty"`
	Role       string `json:"role,omitempty"`
}

func (DocumentApproved) EventType() string { return "DocumentApproved" }

// DocumentSuperseded replaces a CURRENT document with a newer one.
type DocumentSuperseded struct {
	DocumentID    string `json:"documentId"`
	NewDocumentID string `json:"newDocumentId"`
	Reason        string `json:"reason"`
}

func (DocumentSuperseded) EventType() string { return "DocumentSuperseded" }

// DocumentArchived retires a document under a retention policy.
type DocumentArchived struct {
	DocumentID      string `json:"documentId"`
	Reason          string `json:"reason"`
	RetentionPolicy string `json:"retentionPolicy,omitempty"`
}

func (DocumentArchived) EventType() string { return "DocumentArchived" }

// DocumentDeleted soft-deletes a draft.
type DocumentDeleted struct {
	DocumentID string `json:"documentId"`
	Reason     string `json:"reason"`
}

func (DocumentDeleted) EventType() string { return "DocumentDeleted" }

// DocumentMetadataUpdated carries only the fields that changed.
type DocumentMetadataUpdated struct {
	DocumentID  string `json:"documentId"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
}

func (DocumentMetadataUpdated) EventType() string { return "DocumentMetadataUpdated" }

// DocumentDownloaded is an access record. It changes no state.
type DocumentDownloaded struct {
	DocumentID string `json:"documentId"`
	Reason     string `json:"reason,omitempty"`
}

func (DocumentDownloaded) EventType() string { return "DocumentDownloaded" }

// RegisterEvents adds the document events to reg.
func RegisterEvents(reg *clinops.Registry) {
	clinops.Register[DocumentUploaded](reg, Family)
	clinops.Register[DocumentApproved](reg, Family)
	clinops.Register[DocumentSuperseded](reg, Family)
	clinops.Register[DocumentArchived](reg, Family)
	clinops.Register[DocumentDeleted](reg, Family)
	clinops.Register[DocumentMetadataUpdated](reg, Family)
	clinops.Register[DocumentDownloaded](reg, Family)
}
