// Package patient is the Patient aggregate: registration, study enrollment
// and the participation lifecycle.
package patient

import (
	"fmt"
	"strings"
	"time"

	"github.com/clinprecision/clinops-core"
)

// Family is the stream family of patients.
const Family = "Patient"

// PatientRegistered is schema version 2. Version 1 carried a single fullName.
type PatientRegistered struct {
	PatientID     string    `json:"patientId"`
	PatientNumber string    `json:"patientNumber"`
	FirstName     string    `json:"firstName"`
	LastName      string    `json:"lastName"`
	DateOfBirth   time.Time `json:"dateOfBirth"`
	Gender        string    `json:"gender"`
	Phone         string    `json:"phone,omitempty"`
	Email         string    `json:"email,omitempty"`
}

func (PatientRegistered) EventType() string { return "PatientRegistered" }

// PatientEnrolled adds a study to the patient's enrollments. The patient's
// status is not changed by it.
type PatientEnrolled struct {
	PatientID       string    `json:"patientId"`
	EnrollmentID    string    `json:"enrollmentId"`
	StudyID         string    `json:"studyId"`
	SiteID          string    `json:"siteId"`
	ScreeningNumber string    `json:"screeningNumber"`
	EnrollmentDate  time.Time `json:"enrollmentDate"`
}

func (PatientEnrolled) EventType() string { return "PatientEnrolled" }

// PatientStatusChanged records one lifecycle transition.
type PatientStatusChanged struct {
	PatientID string `json:"patientId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason"`
	Notes     string `json:"notes,omitempty"`
}

func (PatientStatusChanged) EventType() string { return "PatientStatusChanged" }

// PatientDemographicsUpdated carries only the fields that changed.
type PatientDemographicsUpdated struct {
	PatientID   string     `json:"patientId"`
	FirstName   string     `json:"firstName,omitempty"`
	LastName    string     `json:"lastName,omitempty"`
	DateOfBirth *time.Time `json:"dateOfBirth,omitempty"`
	Gender      string     `json:"gender,omitempty"`
	Phone       string     `json:"phone,omitempty"`
	Email       string     `json:"email,omitempty"`
}

func (PatientDemographicsUpdated) EventType() string { return "PatientDemographicsUpdated" }

// splitFullName turns a version 1 registration into version 2.
func splitFullName(payload map[string]interface{}) (map[string]interface{}, error) {
	full, _ := payload["fullName"].(string)
	full = strings.TrimSpace(full)
	if full == "" {
		return nil, fmt.Errorf("patient: v1 registration without fullName")
	}
	first, last := full, ""
	if i := strings.LastIndex(full, " "); i > 0 {
		first, last = strings.TrimSpace(full[:i]), full[i+1:]
	}
	payload["firstName"] = first
	payload["lastName"] = last
	delete(payload, "fullName")
	return payload, nil
}

// RegisterEvents adds the patient events to reg.
func RegisterEvents(reg *clinops.Registry) {
	clinops.Register[PatientRegistered](reg, Family,
		clinops.WithSchemaVersion(2),
		clinops.WithUpcaster(1, splitFullName),
	)
	clinops.Register[PatientEnrolled](reg, Family)
	clinops.Register[PatientStatusChanged](reg, Family)
	clinops.Register[PatientDemographicsUpdated](reg, Family)
}
