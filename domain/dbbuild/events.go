// Package dbbuild is the StudyDatabaseBuild aggregate: one attempt to build
// a study's data-capture database from its protocol and form definitions.
package dbbuild

import "github.com/clinprecision/clinops-core"

// Family is the stream family of database builds.
const Family = "StudyDatabaseBuild"

// BuildStarted opens an IN_PROGRESS build.
type BuildStarted struct {
	BuildID         string `json:"buildId"`
	StudyID         string `json:"studyId"`
	StudyName       string `json:"studyName"`
	StudyProtocol   string `json:"studyProtocol"`
	FormDefinitions int    `json:"formDefinitions"`
	ValidationRules int    `json:"validationRules"`
}

func (BuildStarted) EventType() string { return "StudyDatabaseBuildStarted" }

// ValidationResult is the outcome of validating a build.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// BuildValidated records a validation run.
type BuildValidated struct {
	BuildID          string           `json:"buildId"`
	StudyID          string           `json:"studyId"`
	StrictMode       bool             `json:"strictMode"`
	ComplianceCheck  bool             `json:"complianceCheck"`
	PerformanceCheck bool             `json:"performanceCheck"`
	Result           ValidationResult `json:"result"`
}

func (BuildValidated) EventType() string { return "StudyDatabaseBuildValidated" }

// BuildCompleted finishes a build successfully.
type BuildCompleted struct {
	BuildID         string           `json:"buildId"`
	StudyID         string           `json:"studyId"`
	FormsConfigured int              `json:"formsConfigured"`
	TablesCreated   int              `json:"tablesCreated,omitempty"`
	Validation      ValidationResult `json:"validation"`
}

func (BuildCompleted) EventType() string { return "StudyDatabaseBuildCompleted" }

// BuildFailed ends a build with an error.
type BuildFailed struct {
	BuildID          string   `json:"buildId"`
	StudyID          string   `json:"studyId"`
	ErrorMessage     string   `json:"errorMessage"`
	ValidationErrors []string `json:"validationErrors,omitempty"`
}

func (BuildFailed) EventType() string { return "StudyDatabaseBuildFailed" }

// BuildCancelled abandons a build.
type BuildCancelled struct {
	BuildID string `json:"buildId"`
	StudyID string `json:"studyId"`
	Reason  string `json:"reason"`
}

func (BuildCancelled) EventType() string { return "StudyDatabaseBuildCancelled" }

// RegisterEvents adds the build events to reg.
func RegisterEvents(reg *clinops.Registry) {
	clinops.Register[BuildStarted](reg, Family)
	clinops.Register[BuildValidated](reg, Family)
	clinops.Register[BuildCompleted](reg, Family)
	clinops.Register[BuildFailed](reg, Family)
	clinops.Register[BuildCancelled](reg, Family)
}
