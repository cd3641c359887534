package postgres

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name  string
		input string
		ok    bool
	}{
		{"simple", "clinops", true},
		{"underscore prefix", "_private", true},
		{"digits", "test_123", true},
		{"empty", "", false},
		{"leading digit", "1abc", false},
		{"quote", `bad"name`, false},
		{"semicolon", "a;DROP", false},
		{"dot", "a.b", false},
		{"max length", strings.Repeat("a", 63), true},
		{"too long", strings.Repeat("a", 64), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateIdentifier(tt.input, "schema")
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestQuoteQualifiedTable(t *testing.T) {
	assert.Equal(t, `"clinops"."events"`, quoteQualifiedTable("clinops", "events"))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "$1", placeholders(1, 1))
	assert.Equal(t, "$3, $4, $5", placeholders(3, 3))
	assert.Equal(t, "", placeholders(1, 0))
}

func TestIsUniqueViolation(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "uq_protocol_versions_active"}
	pqErr := &pq.Error{Code: "23505", Constraint: "events_stream_id_version_key"}

	assert.True(t, isUniqueViolation(pgErr))
	assert.True(t, isUniqueViolation(fmt.Errorf("wrapped: %w", pgErr)))
	assert.True(t, isUniqueViolation(pqErr))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
	assert.False(t, isUniqueViolation(nil))

	assert.Equal(t, "uq_protocol_versions_active", constraintName(pgErr))
	assert.Equal(t, "events_stream_id_version_key", constraintName(pqErr))
	assert.Equal(t, "", constraintName(errors.New("boom")))
}
