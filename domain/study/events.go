// Package study is the Study aggregate: a clinical study's identity and
// lifecycle from planning to closure.
package study

import "github.com/clinprecision/clinops-core"

// Family is the stream family of studies.
const Family = "Study"

// StudyCreated opens a study in PLANNING.
type StudyCreated struct {
	StudyID        string `json:"studyId"`
	Name           string `json:"name"`
	ProtocolNumber string `json:"protocolNumber"`
	Sponsor        string `json:"sponsor"`
	Description    string `json:"description,omitempty"`
}

func (StudyCreated) EventType() string { return "StudyCreated" }

// StudyStatusChanged records one lifecycle transition.
type StudyStatusChanged struct {
	StudyID string `json:"studyId"`
	From    string `json:"from"`
	To      string `json:"to"`
	Reason  string `json:"reason"`
}

func (StudyStatusChanged) EventType() string { return "StudyStatusChanged" }

// StudyDetailsUpdated carries the fields that changed; empty means unchanged.
type StudyDetailsUpdated struct {
	StudyID     string `json:"studyId"`
	Name        string `json:"name,omitempty"`
	Sponsor     string `json:"sponsor,omitempty"`
	Description string `json:"description,omitempty"`
}

func (StudyDetailsUpdated) EventType() string { return "StudyDetailsUpdated" }

// RegisterEvents adds the study events to reg.
func RegisterEvents(reg *clinops.Registry) {
	clinops.Register[StudyCreated](reg, Family)
	clinops.Register[StudyStatusChanged](reg, Family)
	clinops.Register[StudyDetailsUpdated](reg, Family)
}
