package projection

import (
	"encoding/json"
	"time"
)

// StudyRow is the read model of a study.
type StudyRow struct {
	ID             string    `db:"id,pk" json:"id"`
	Name           string    `db:"name" json:"name"`
	ProtocolNumber string    `db:"protocol_number,index" json:"protocolNumber"`
	Sponsor        string    `db:"sponsor" json:"sponsor"`
	Description    string    `db:"description" json:"description,omitempty"`
	Status         string    `db:"status,index" json:"status"`
	CreatedBy      string    `db:"created_by" json:"createdBy,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time `db:"updated_at" json:"updatedAt"`
}

// SiteRow is the read model of a research site.
type SiteRow struct {
	ID             string    `db:"id,pk" json:"id"`
	Name           string    `db:"name" json:"name"`
	SiteNumber     string    `db:"site_number,unique" json:"siteNumber"`
	OrganizationID string    `db:"organization_id,index" json:"organizationId"`
	AddressLine1   string    `db:"address_line1" json:"addressLine1,omitempty"`
	AddressLine2   string    `db:"address_line2" json:"addressLine2,omitempty"`
	City           string    `db:"city" json:"city,omitempty"`
	State          string    `db:"state" json:"state,omitempty"`
	PostalCode     string    `db:"postal_code" json:"postalCode,omitempty"`
	Country        string    `db:"country" json:"country,omitempty"`
	Phone          string    `db:"phone" json:"phone,omitempty"`
	Email          string    `db:"email" json:"email,omitempty"`
	Status         string    `db:"status,index" json:"status"`
	StatusReason   string    `db:"status_reason" json:"statusReason,omitempty"`
	CreatedBy      string    `db:"created_by" json:"createdBy,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time `db:"updated_at" json:"updatedAt"`
}

// SiteUserRow is one role a user holds at a site.
type SiteUserRow struct {
	ID         string    `db:"id,pk" json:"id"`
	SiteID     string    `db:"site_id,index" json:"siteId"`
	UserID     string    `db:"user_id,index" json:"userId"`
	RoleID     string    `db:"role_id" json:"roleId"`
	AssignedBy string    `db:"assigned_by" json:"assignedBy,omitempty"`
	Reason     string    `db:"reason" json:"reason,omitempty"`
	AssignedAt time.Time `db:"assigned_at" json:"assignedAt"`
}

// PatientRow is the read model of a patient.
type PatientRow struct {
	ID            string    `db:"id,pk" json:"id"`
	PatientNumber string    `db:"patient_number,unique" json:"patientNumber"`
	FirstName     string    `db:"first_name" json:"firstName"`
	LastName      string    `db:"last_name" json:"lastName"`
	DateOfBirth   time.Time `db:"date_of_birth" json:"dateOfBirth"`
	Gender        string    `db:"gender" json:"gender"`
	Phone         string    `db:"phone" json:"phone,omitempty"`
	Email         string    `db:"email" json:"email,omitempty"`
	Status        string    `db:"status,index" json:"status"`
	StatusReason  string    `db:"status_reason" json:"statusReason,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time `db:"updated_at" json:"updatedAt"`
}

// EnrollmentRow is one patient's enrollment in one study.
type EnrollmentRow struct {
	ID              string    `db:"id,pk" json:"id"`
	PatientID       string    `db:"patient_id,index" json:"patientId"`
	StudyID         string    `db:"study_id,index" json:"studyId"`
	SiteID          string    `db:"site_id" json:"siteId"`
	ScreeningNumber string    `db:"screening_number" json:"screeningNumber"`
	EnrollmentDate  time.Time `db:"enrollment_date" json:"enrollmentDate"`
	EnrolledBy      string    `db:"enrolled_by" json:"enrolledBy,omitempty"`
}

// DocumentRow is the read model of a study document. Deleted documents keep
// their row.
type DocumentRow struct {
	ID            string     `db:"id,pk" json:"id"`
	StudyID       string     `db:"study_id,index" json:"studyId"`
	Name          string     `db:"name" json:"name"`
	DocumentType  string     `db:"document_type" json:"documentType"`
	FileName      string     `db:"file_name" json:"fileName"`
	FilePath      string     `db:"file_path" json:"filePath"`
	FileSize      int64      `db:"file_size" json:"fileSize"`
	MimeType      string     `db:"mime_type" json:"mimeType"`
	Version       string     `db:"version" json:"version"`
	Description   string     `db:"description" json:"description,omitempty"`
	Status        string     `db:"status,index" json:"status"`
	ApprovedBy    string     `db:"approved_by" json:"approvedBy,omitempty"`
	ApprovedAt    *time.Time `db:"approved_at" json:"approvedAt,omitempty"`
	SupersededBy  string     `db:"superseded_by" json:"supersededBy,omitempty"`
	DownloadCount int        `db:"download_count" json:"downloadCount"`
	Deleted       bool       `db:"deleted" json:"deleted"`
	DeletedAt     *time.Time `db:"deleted_at" json:"deletedAt,omitempty"`
	UploadedBy    string     `db:"uploaded_by" json:"uploadedBy,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updatedAt"`
}

// ProtocolVersionRow is the read model of a protocol version. At most one row
// per study is ACTIVE.
type ProtocolVersionRow struct {
	ID                         string     `db:"id,pk" json:"id"`
	StudyID                    string     `db:"study_id,index" json:"studyId"`
	VersionNumber              string     `db:"version_number" json:"versionNumber"`
	Description                string     `db:"description" json:"description,omitempty"`
	AmendmentType              string     `db:"amendment_type" json:"amendmentType,omitempty"`
	ChangesSummary             string     `db:"changes_summary" json:"changesSummary,omitempty"`
	RequiresRegulatoryApproval bool       `db:"requires_regulatory_approval" json:"requiresRegulatoryApproval"`
	Status                     string     `db:"status,index" json:"status"`
	StatusReason               string     `db:"status_reason" json:"statusReason,omitempty"`
	EffectiveDate              *time.Time `db:"effective_date" json:"effectiveDate,omitempty"`
	ApprovedBy                 string     `db:"approved_by" json:"approvedBy,omitempty"`
	ApprovedAt                 *time.Time `db:"approved_at" json:"approvedAt,omitempty"`
	ActivatedAt                *time.Time `db:"activated_at" json:"activatedAt,omitempty"`
	CreatedAt                  time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt                  time.Time  `db:"updated_at" json:"updatedAt"`
}

// BuildRow is the read model of a study database build.
type BuildRow struct {
	ID               string     `db:"id,pk" json:"id"`
	StudyID          string     `db:"study_id,index" json:"studyId"`
	StudyName        string     `db:"study_name" json:"studyName"`
	StudyProtocol    string     `db:"study_protocol" json:"studyProtocol"`
	Status           string     `db:"status,index" json:"status"`
	FormDefinitions  int        `db:"form_definitions" json:"formDefinitions"`
	ValidationRules  int        `db:"validation_rules" json:"validationRules"`
	FormsConfigured  int        `db:"forms_configured" json:"formsConfigured"`
	TablesCreated    int        `db:"tables_created" json:"tablesCreated"`
	ValidationStatus string     `db:"validation_status" json:"validationStatus,omitempty"`
	ErrorMessage     string     `db:"error_message" json:"errorMessage,omitempty"`
	RequestedBy      string     `db:"requested_by" json:"requestedBy,omitempty"`
	StartedAt        time.Time  `db:"started_at" json:"startedAt"`
	FinishedAt       *time.Time `db:"finished_at" json:"finishedAt,omitempty"`
}

// DesignRow marks that a study's design exists.
type DesignRow struct {
	ID        string    `db:"id,pk" json:"id"`
	StudyName string    `db:"study_name" json:"studyName,omitempty"`
	CreatedBy string    `db:"created_by" json:"createdBy,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// ArmRow is the read model of a treatment arm.
type ArmRow struct {
	ID              string     `db:"id,pk" json:"id"`
	StudyID         string     `db:"study_id,index" json:"studyId"`
	Name            string     `db:"name" json:"name"`
	Description     string     `db:"description" json:"description,omitempty"`
	Type            string     `db:"type" json:"type,omitempty"`
	SequenceNumber  int        `db:"sequence_number" json:"sequenceNumber"`
	PlannedSubjects int        `db:"planned_subjects" json:"plannedSubjects"`
	Removed         bool       `db:"removed" json:"removed"`
	RemovedAt       *time.Time `db:"removed_at" json:"removedAt,omitempty"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updatedAt"`
}

// VisitDefinitionRow is the read model of a planned visit.
type VisitDefinitionRow struct {
	ID             string     `db:"id,pk" json:"id"`
	StudyID        string     `db:"study_id,index" json:"studyId"`
	ArmID          string     `db:"arm_id" json:"armId,omitempty"`
	Name           string     `db:"name" json:"name"`
	Description    string     `db:"description" json:"description,omitempty"`
	Timepoint      int        `db:"timepoint" json:"timepoint"`
	WindowBefore   int        `db:"window_before" json:"windowBefore"`
	WindowAfter    int        `db:"window_after" json:"windowAfter"`
	VisitType      string     `db:"visit_type" json:"visitType"`
	Required       bool       `db:"required" json:"required"`
	SequenceNumber int        `db:"sequence_number" json:"sequenceNumber"`
	Removed        bool       `db:"removed" json:"removed"`
	RemovedAt      *time.Time `db:"removed_at" json:"removedAt,omitempty"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updatedAt"`
}

// FormAssignmentRow places a form on a visit definition.
type FormAssignmentRow struct {
	ID                string     `db:"id,pk" json:"id"`
	StudyID           string     `db:"study_id,index" json:"studyId"`
	VisitDefinitionID string     `db:"visit_definition_id,index" json:"visitDefinitionId"`
	FormID            string     `db:"form_id" json:"formId"`
	Required          bool       `db:"required" json:"required"`
	Conditional       bool       `db:"conditional" json:"conditional"`
	ConditionalLogic  string     `db:"conditional_logic" json:"conditionalLogic,omitempty"`
	DisplayOrder      int        `db:"display_order" json:"displayOrder"`
	Instructions      string     `db:"instructions" json:"instructions,omitempty"`
	Removed           bool       `db:"removed" json:"removed"`
	RemovedAt         *time.Time `db:"removed_at" json:"removedAt,omitempty"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updatedAt"`
}

// VisitRow is the read model of a patient visit.
type VisitRow struct {
	ID                string     `db:"id,pk" json:"id"`
	PatientID         string     `db:"patient_id,index" json:"patientId"`
	StudyID           string     `db:"study_id,index" json:"studyId"`
	SiteID            string     `db:"site_id" json:"siteId"`
	VisitDefinitionID string     `db:"visit_definition_id" json:"visitDefinitionId,omitempty"`
	VisitType         string     `db:"visit_type" json:"visitType"`
	VisitDate         time.Time  `db:"visit_date" json:"visitDate"`
	BuildID           string     `db:"build_id" json:"buildId,omitempty"`
	Status            string     `db:"status,index" json:"status"`
	StatusReason      string     `db:"status_reason" json:"statusReason,omitempty"`
	CompletedAt       *time.Time `db:"completed_at" json:"completedAt,omitempty"`
	CreatedBy         string     `db:"created_by" json:"createdBy,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updatedAt"`
}

// FormDataRow is the read model of a form submission. Data holds the JSON
// encoded field values.
type FormDataRow struct {
	ID          string          `db:"id,pk" json:"id"`
	StudyID     string          `db:"study_id,index" json:"studyId"`
	FormID      string          `db:"form_id" json:"formId"`
	PatientID   string          `db:"patient_id" json:"patientId,omitempty"`
	VisitID     string          `db:"visit_id,index" json:"visitId,omitempty"`
	SiteID      string          `db:"site_id" json:"siteId,omitempty"`
	Status      string          `db:"status" json:"status"`
	Data        json.RawMessage `db:"data" json:"data"`
	SubmittedBy string          `db:"submitted_by" json:"submittedBy,omitempty"`
	LockedAt    *time.Time      `db:"locked_at" json:"lockedAt,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updatedAt"`
}
