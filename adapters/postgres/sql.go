package postgres

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// validateIdentifier rejects names that would need quoting tricks to be safe
// in generated SQL.
func validateIdentifier(name, kind string) error {
	if name == "" {
		return fmt.Errorf("clinops/postgres: %s name cannot be empty", kind)
	}
	if len(name) > 63 {
		return fmt.Errorf("clinops/postgres: %s name %q exceeds 63 characters", kind, name)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("clinops/postgres: %s name %q contains invalid characters", kind, name)
	}
	return nil
}

func quoteIdentifier(name string) string {
	return pq.QuoteIdentifier(name)
}

func quoteQualifiedTable(schema, table string) string {
	return quoteIdentifier(schema) + "." + quoteIdentifier(table)
}

// uniqueViolation is SQLSTATE 23505.
const uniqueViolation = "23505"

// isUniqueViolation recognizes unique constraint errors from both the pgx and
// the lib/pq driver.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	return false
}

// constraintName returns the violated constraint, if the driver reports one.
func constraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Constraint
	}
	return ""
}

// placeholders returns "$start, $start+1, ..." for n parameters.
func placeholders(start, n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(ps, ", ")
}
