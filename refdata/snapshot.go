// Package refdata holds the reference data the domain rules consult: document
// types, amendment types, visit types and the enrollment age. A Snapshot is
// immutable; a Provider swaps in fresh snapshots on an explicit schedule.
package refdata

import (
	"strings"
	"time"
)

// DocumentType describes one kind of study document.
type DocumentType struct {
	Code              string `json:"code" yaml:"code"`
	Name              string `json:"name" yaml:"name"`
	RequiresSignature bool   `json:"requiresSignature" yaml:"requiresSignature"`
}

// AmendmentType describes one kind of protocol amendment.
type AmendmentType struct {
	Code                       string `json:"code" yaml:"code"`
	RequiresRegulatoryApproval bool   `json:"requiresRegulatoryApproval" yaml:"requiresRegulatoryApproval"`
}

// Snapshot is a read-only view of reference data at one point in time.
// Callers must not modify it.
type Snapshot struct {
	documentTypes  map[string]DocumentType
	amendmentTypes map[string]AmendmentType
	visitTypes     map[string]struct{}
	minimumAge     int
	loadedAt       time.Time
}

// Data is the plain form a Source produces.
type Data struct {
	DocumentTypes        []DocumentType  `json:"documentTypes" yaml:"documentTypes"`
	AmendmentTypes       []AmendmentType `json:"amendmentTypes" yaml:"amendmentTypes"`
	VisitTypes           []string        `json:"visitTypes" yaml:"visitTypes"`
	MinimumEnrollmentAge int             `json:"minimumEnrollmentAge" yaml:"minimumEnrollmentAge"`
}

// NewSnapshot freezes d. Codes are matched case-insensitively.
func NewSnapshot(d Data, loadedAt time.Time) *Snapshot {
	s := &Snapshot{
		documentTypes:  make(map[string]DocumentType, len(d.DocumentTypes)),
		amendmentTypes: make(map[string]AmendmentType, len(d.AmendmentTypes)),
		visitTypes:     make(map[string]struct{}, len(d.VisitTypes)),
		minimumAge:     d.MinimumEnrollmentAge,
		loadedAt:       loadedAt,
	}
	for _, t := range d.DocumentTypes {
		s.documentTypes[normalize(t.Code)] = t
	}
	for _, t := range d.AmendmentTypes {
		s.amendmentTypes[normalize(t.Code)] = t
	}
	for _, v := range d.VisitTypes {
		s.visitTypes[normalize(v)] = struct{}{}
	}
	if s.minimumAge <= 0 {
		s.minimumAge = DefaultMinimumAge
	}
	return s
}

func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// DefaultMinimumAge is the enrollment age used when none is configured.
const DefaultMinimumAge = 18

// DefaultData is the reference data the system ships with.
func DefaultData() Data {
	return Data{
		DocumentTypes: []DocumentType{
			{Code: "PROTOCOL", Name: "Protocol", RequiresSignature: true},
			{Code: "ICF", Name: "Informed Consent Form", RequiresSignature: true},
			{Code: "IB", Name: "Investigator Brochure", RequiresSignature: true},
			{Code: "CRF", Name: "Case Report Form"},
			{Code: "REGULATORY", Name: "Regulatory Submission", RequiresSignature: true},
			{Code: "SAFETY_REPORT", Name: "Safety Report"},
			{Code: "OTHER", Name: "Other"},
		},
		AmendmentTypes: []AmendmentType{
			{Code: "MAJOR", RequiresRegulatoryApproval: true},
			{Code: "SAFETY", RequiresRegulatoryApproval: true},
			{Code: "MINOR"},
			{Code: "ADMINISTRATIVE"},
		},
		VisitTypes:           []string{"SCREENING", "BASELINE", "TREATMENT", "FOLLOW_UP", "UNSCHEDULED", "END_OF_STUDY"},
		MinimumEnrollmentAge: DefaultMinimumAge,
	}
}

// Default returns a snapshot of DefaultData.
func Default() *Snapshot {
	return NewSnapshot(DefaultData(), time.Time{})
}

// DocumentType looks up a document type by code.
func (s *Snapshot) DocumentType(code string) (DocumentType, bool) {
	t, ok := s.documentTypes[normalize(code)]
	return t, ok
}

// RequiresSignature reports whether approving a document of this type needs
// an electronic signature. Unknown types do not.
func (s *Snapshot) RequiresSignature(docType string) bool {
	return s.documentTypes[normalize(docType)].RequiresSignature
}

// IsAmendmentType reports whether code is a known amendment type.
func (s *Snapshot) IsAmendmentType(code string) bool {
	_, ok := s.amendmentTypes[normalize(code)]
	return ok
}

// RequiresRegulatoryApproval reports whether an amendment of this type must be
// flagged for regulatory approval.
func (s *Snapshot) RequiresRegulatoryApproval(amendmentType string) bool {
	return s.amendmentTypes[normalize(amendmentType)].RequiresRegulatoryApproval
}

// IsVisitType reports whether t is a known visit type. An empty catalog accepts
// every type.
func (s *Snapshot) IsVisitType(t string) bool {
	if len(s.visitTypes) == 0 {
		return true
	}
	_, ok := s.visitTypes[normalize(t)]
	return ok
}

// MinimumEnrollmentAge is the minimum patient age in whole years.
func (s *Snapshot) MinimumEnrollmentAge() int { return s.minimumAge }

// LoadedAt is when the snapshot was loaded; zero for the built-in default.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }
