package patient

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/domain"
)

// Patient statuses.
const (
	StatusRegistered = "REGISTERED"
	StatusScreening  = "SCREENING"
	StatusEnrolled   = "ENROLLED"
	StatusActive     = "ACTIVE"
	StatusCompleted  = "COMPLETED"
	StatusWithdrawn  = "WITHDRAWN"
)

// Transitions is the participation lifecycle. Every non-terminal state may
// also withdraw.
var Transitions = domain.Transitions{
	StatusRegistered: {StatusScreening, StatusWithdrawn},
	StatusScreening:  {StatusEnrolled, StatusWithdrawn},
	StatusEnrolled:   {StatusActive, StatusWithdrawn},
	StatusActive:     {StatusCompleted, StatusWithdrawn},
}

// Enrollment is one study the patient is enrolled in.
type Enrollment struct {
	EnrollmentID    string
	StudyID         string
	SiteID          string
	ScreeningNumber string
	EnrollmentDate  time.Time
}

// Patient is the aggregate.
type Patient struct {
	clinops.AggregateBase

	PatientNumber string
	FirstName     string
	LastName      string
	DateOfBirth   time.Time
	Gender        string
	Phone         string
	Email         string
	Status        string
	Enrollments   map[string]Enrollment
}

// New returns an empty patient ready for replay.
func New(id string) *Patient {
	return &Patient{
		AggregateBase: clinops.NewAggregateBase(id, Family),
		Enrollments:   make(map[string]Enrollment),
	}
}

func (p *Patient) record(e clinops.DomainEvent) {
	_ = p.ApplyEvent(e)
	p.Record(e)
}

// ApplyEvent implements clinops.Aggregate.
func (p *Patient) ApplyEvent(event interface{}) error {
	switch e := event.(type) {
	case PatientRegistered:
		p.PatientNumber = e.PatientNumber
		p.FirstName = e.FirstName
		p.LastName = e.LastName
		p.DateOfBirth = e.DateOfBirth
		p.Gender = e.Gender
		p.Phone = e.Phone
		p.Email = e.Email
		p.Status = StatusRegistered
	case PatientEnrolled:
		p.Enrollments[e.StudyID] = Enrollment{
			EnrollmentID:    e.EnrollmentID,
			StudyID:         e.StudyID,
			SiteID:          e.SiteID,
			ScreeningNumber: e.ScreeningNumber,
			EnrollmentDate:  e.EnrollmentDate,
		}
	case PatientStatusChanged:
		p.Status = e.To
	case PatientDemographicsUpdated:
		if e.FirstName != "" {
			p.FirstName = e.FirstName
		}
		if e.LastName != "" {
			p.LastName = e.LastName
		}
		if e.DateOfBirth != nil {
			p.DateOfBirth = *e.DateOfBirth
		}
		if e.Gender != "" {
			p.Gender = e.Gender
		}
		if e.Phone != "" {
			p.Phone = e.Phone
		}
		if e.Email != "" {
			p.Email = e.Email
		}
	}
	return nil
}

// Demographics are the personal fields of a registration or update.
type Demographics struct {
	FirstName   string
	LastName    string
	DateOfBirth time.Time
	Gender      string
	Phone       string
	Email       string
}

func checkAge(cmdType string, dob, today time.Time, minAge int) error {
	if domain.AgeOn(dob, today) < minAge {
		return clinops.NewValidationError(cmdType, "dateOfBirth", fmt.Sprintf("must be %d+", minAge))
	}
	return nil
}

// Register records a new patient. The patient must be at least minAge on today.
func (p *Patient) Register(number string, d Demographics, today time.Time, minAge int) error {
	if err := checkAge("RegisterPatient", d.DateOfBirth, today, minAge); err != nil {
		return err
	}
	p.record(PatientRegistered{
		PatientID:     p.AggregateID(),
		PatientNumber: number,
		FirstName:     d.FirstName,
		LastName:      d.LastName,
		DateOfBirth:   domain.Day(d.DateOfBirth),
		Gender:        d.Gender,
		Phone:         d.Phone,
		Email:         d.Email,
	})
	return nil
}

// IsEnrolledIn reports whether studyID is in the enrollment set.
func (p *Patient) IsEnrolledIn(studyID string) bool {
	_, ok := p.Enrollments[studyID]
	return ok
}

// Enroll adds a study enrollment. It returns the new enrollment ID.
func (p *Patient) Enroll(studyID, siteID, screeningNumber string, date time.Time) (string, error) {
	if p.Status != StatusRegistered && p.Status != StatusScreening {
		return "", clinops.NewInvalidStateTransition(Family, p.AggregateID(), p.Status, StatusEnrolled,
			"enrollment requires REGISTERED or SCREENING")
	}
	if p.IsEnrolledIn(studyID) {
		return "", clinops.NewInvalidStateTransition(Family, p.AggregateID(), p.Status, StatusEnrolled,
			"already enrolled in study "+studyID)
	}
	id := uuid.NewString()
	p.record(PatientEnrolled{
		PatientID:       p.AggregateID(),
		EnrollmentID:    id,
		StudyID:         studyID,
		SiteID:          siteID,
		ScreeningNumber: screeningNumber,
		EnrollmentDate:  domain.Day(date),
	})
	return id, nil
}

// ChangeStatus moves the patient along its lifecycle.
func (p *Patient) ChangeStatus(to, reason, notes string) error {
	if !Transitions.Allows(p.Status, to) {
		return clinops.NewInvalidStateTransition(Family, p.AggregateID(), p.Status, to, "")
	}
	p.record(PatientStatusChanged{PatientID: p.AggregateID(), From: p.Status, To: to, Reason: reason, Notes: notes})
	return nil
}

// UpdateDemographics merges the non-empty fields of d. A changed date of
// birth is re-checked against the minimum age.
func (p *Patient) UpdateDemographics(d Demographics, today time.Time, minAge int) error {
	if Transitions.Terminal(p.Status) {
		return clinops.NewInvalidStateTransition(Family, p.AggregateID(), p.Status, p.Status, "patient record is closed")
	}
	e := PatientDemographicsUpdated{
		PatientID: p.AggregateID(),
		FirstName: changed(p.FirstName, d.FirstName),
		LastName:  changed(p.LastName, d.LastName),
		Gender:    changed(p.Gender, d.Gender),
		Phone:     changed(p.Phone, d.Phone),
		Email:     changed(p.Email, d.Email),
	}
	if !d.DateOfBirth.IsZero() && !domain.Day(d.DateOfBirth).Equal(p.DateOfBirth) {
		if err := checkAge("UpdatePatientDemographics", d.DateOfBirth, today, minAge); err != nil {
			return err
		}
		dob := domain.Day(d.DateOfBirth)
		e.DateOfBirth = &dob
	}
	if e == (PatientDemographicsUpdated{PatientID: p.AggregateID()}) {
		return nil
	}
	p.record(e)
	return nil
}

func changed(current, next string) string {
	if domain.Blank(next) || next == current {
		return ""
	}
	return next
}
