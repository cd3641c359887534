// Package domain holds what the aggregate families share: the collaborators
// their command handlers receive and the state-machine helpers they use.
// Each family lives in its own subpackage.
package domain

import (
	"strconv"
	"strings"
	"time"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/refdata"
)

// Deps are the collaborators handed to every family's RegisterHandlers.
type Deps struct {
	Store   *clinops.EventStore
	RefData *refdata.Provider

	// Now is the command clock. Defaults to time.Now in UTC.
	Now func() time.Time
}

// Clock returns the current command time.
func (d Deps) Clock() time.Time {
	if d.Now == nil {
		return time.Now().UTC()
	}
	return d.Now()
}

// Snapshot returns the current reference data.
func (d Deps) Snapshot() *refdata.Snapshot {
	if d.RefData == nil {
		return refdata.Default()
	}
	return d.RefData.Snapshot()
}

// Transitions is a status transition table: from-state to allowed targets.
// A state with no entry is terminal.
type Transitions map[string][]string

// Allows reports whether from -> to is a legal transition.
func (t Transitions) Allows(from, to string) bool {
	for _, s := range t[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether nothing leaves state.
func (t Transitions) Terminal(state string) bool {
	return len(t[state]) == 0
}

// Blank reports whether s is empty after trimming.
func Blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// Checker accumulates field errors for one command.
type Checker struct {
	errs *clinops.MultiValidationError
}

// Check starts a checker for cmdType.
func Check(cmdType string) *Checker {
	return &Checker{errs: clinops.NewMultiValidationError(cmdType)}
}

// Require fails field when value is blank.
func (c *Checker) Require(field, value string) *Checker {
	if Blank(value) {
		c.errs.AddField(field, "is required")
	}
	return c
}

// MinLength fails field when the trimmed value is shorter than n.
func (c *Checker) MinLength(field, value string, n int) *Checker {
	if len(strings.TrimSpace(value)) < n {
		c.errs.AddField(field, "must be at least "+strconv.Itoa(n)+" characters")
	}
	return c
}

// That fails field with message when ok is false.
func (c *Checker) That(ok bool, field, message string) *Checker {
	if !ok {
		c.errs.AddField(field, message)
	}
	return c
}

// Err returns the accumulated error, or nil.
func (c *Checker) Err() error {
	return c.errs.ErrOrNil()
}

// AgeOn returns the age in whole years on date for someone born on dob.
func AgeOn(dob, date time.Time) int {
	years := date.Year() - dob.Year()
	if date.Month() < dob.Month() || (date.Month() == dob.Month() && date.Day() < dob.Day()) {
		years--
	}
	return years
}

// Day truncates t to a calendar date in UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// StudyScope is the lock scope that serializes commands whose rules span the
// aggregates of one study.
func StudyScope(studyID string) string {
	return "study:" + studyID
}
