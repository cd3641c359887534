package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/adapters"
)

var (
	timeType    = reflect.TypeOf(time.Time{})
	rawJSONType = reflect.TypeOf(json.RawMessage{})
)

// ColumnType is the SQL shape of one read-model field.
type ColumnType struct {
	Name       string
	SQLType    string
	Nullable   bool
	PrimaryKey bool
	Index      bool
	Unique     bool
	JSON       bool

	field []int
}

// IndexDef is a secondary index. Where makes it partial.
type IndexDef struct {
	Name    string
	Columns []string
	Unique  bool
	Where   string
}

// ReadModelOption configures a PostgresRepository.
type ReadModelOption func(*readModelConfig)

type readModelConfig struct {
	schema      string
	tableName   string
	autoMigrate bool
	indexes     []IndexDef
}

// WithReadModelSchema sets the schema of the read-model table.
func WithReadModelSchema(schema string) ReadModelOption {
	return func(c *readModelConfig) {
		c.schema = schema
	}
}

// WithTableName sets the table name. The default is the snake_case type name.
func WithTableName(name string) ReadModelOption {
	return func(c *readModelConfig) {
		c.tableName = name
	}
}

// WithAutoMigrate creates and evolves the table on construction (default true).
func WithAutoMigrate(enabled bool) ReadModelOption {
	return func(c *readModelConfig) {
		c.autoMigrate = enabled
	}
}

// WithPartialUniqueIndex adds a unique index over columns restricted to rows
// matching where, e.g. one ACTIVE protocol version per study:
//
//	WithPartialUniqueIndex("uq_protocol_versions_active", "status = 'ACTIVE'", "study_id")
func WithPartialUniqueIndex(name, where string, columns ...string) ReadModelOption {
	return func(c *readModelConfig) {
		c.indexes = append(c.indexes, IndexDef{Name: name, Columns: columns, Unique: true, Where: where})
	}
}

// PostgresRepository stores one read-model type in one table. Columns come
// from the `db` struct tag (see clinops.Columns); options pk, index and unique
// are honored. Writes join the transaction of a Transactor on the context.
type PostgresRepository[T any] struct {
	db      *sql.DB
	config  readModelConfig
	columns []ColumnType
	indexes []IndexDef
	byName  map[string]int
	pk      int
}

var _ clinops.ReadModelRepository[struct{ ID string }] = (*PostgresRepository[struct{ ID string }])(nil)

// NewPostgresRepository creates the repository and, unless disabled, its table.
//
//	repo, err := postgres.NewPostgresRepository[projection.StudyRow](db,
//	    postgres.WithReadModelSchema("clinops"),
//	    postgres.WithTableName("studies"),
//	)
func NewPostgresRepository[T any](db *sql.DB, opts ...ReadModelOption) (*PostgresRepository[T], error) {
	config := readModelConfig{
		schema:      DefaultSchema,
		autoMigrate: true,
	}
	for _, opt := range opts {
		opt(&config)
	}

	var zero T
	typ := reflect.TypeOf(zero)
	if typ.Kind() != reflect.Struct {
		return nil, fmt.Errorf("clinops/postgres/readmodel: %s is not a struct", typ)
	}
	if config.tableName == "" {
		config.tableName = clinops.SnakeCase(typ.Name())
	}
	if err := validateIdentifier(config.schema, "schema"); err != nil {
		return nil, err
	}
	if err := validateIdentifier(config.tableName, "table"); err != nil {
		return nil, err
	}

	repo := &PostgresRepository[T]{
		db:     db,
		config: config,
		byName: make(map[string]int),
		pk:     -1,
	}
	if err := repo.buildTableSchema(typ); err != nil {
		return nil, fmt.Errorf("clinops/postgres/readmodel: failed to build schema: %w", err)
	}

	if config.autoMigrate {
		if err := repo.Migrate(context.Background()); err != nil {
			return nil, fmt.Errorf("clinops/postgres/readmodel: migration failed: %w", err)
		}
	}
	return repo, nil
}

func (r *PostgresRepository[T]) buildTableSchema(typ reflect.Type) error {
	for _, c := range clinops.Columns(typ) {
		f := typ.FieldByIndex(c.Index)
		col := ColumnType{
			Name:       c.Name,
			PrimaryKey: c.HasOption("pk"),
			Index:      c.HasOption("index") || c.HasOption("unique"),
			Unique:     c.HasOption("unique"),
			Nullable:   f.Type.Kind() == reflect.Ptr || c.HasOption("nullable"),
			field:      c.Index,
		}
		col.SQLType, col.JSON = goTypeToSQL(f.Type)
		if t := c.Option("type"); t != "" {
			col.SQLType = t
		}
		if col.JSON {
			col.Nullable = true
		}
		if col.PrimaryKey {
			if r.pk >= 0 {
				return fmt.Errorf("%s has more than one pk column", typ)
			}
			r.pk = len(r.columns)
		}
		if err := validateIdentifier(col.Name, "column"); err != nil {
			return err
		}
		r.byName[col.Name] = len(r.columns)
		r.columns = append(r.columns, col)
	}
	if len(r.columns) == 0 {
		return fmt.Errorf("%s has no columns", typ)
	}
	if r.pk < 0 {
		if i, ok := r.byName["id"]; ok {
			r.pk = i
		} else {
			r.pk = 0
		}
		r.columns[r.pk].PrimaryKey = true
	}

	for _, col := range r.columns {
		if col.Index && !col.PrimaryKey {
			r.indexes = append(r.indexes, IndexDef{
				Name:    fmt.Sprintf("idx_%s_%s", r.config.tableName, col.Name),
				Columns: []string{col.Name},
				Unique:  col.Unique,
			})
		}
	}
	r.indexes = append(r.indexes, r.config.indexes...)
	return nil
}

// Columns returns the column definitions.
func (r *PostgresRepository[T]) Columns() []ColumnType {
	return append([]ColumnType(nil), r.columns...)
}

func (r *PostgresRepository[T]) tableQ() string {
	return quoteQualifiedTable(r.config.schema, r.config.tableName)
}

func (r *PostgresRepository[T]) pkCol() string {
	return quoteIdentifier(r.columns[r.pk].Name)
}

func (r *PostgresRepository[T]) selectList() string {
	cols := make([]string, len(r.columns))
	for i, c := range r.columns {
		cols[i] = quoteIdentifier(c.Name)
	}
	return strings.Join(cols, ", ")
}

// Migrate creates the table and indexes, and adds columns missing from an
// existing table.
func (r *PostgresRepository[T]) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS `+quoteIdentifier(r.config.schema)); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	defs := make([]string, len(r.columns))
	for i, col := range r.columns {
		def := quoteIdentifier(col.Name) + " " + col.SQLType
		switch {
		case col.PrimaryKey:
			def += " PRIMARY KEY"
		case !col.Nullable:
			def += " NOT NULL"
		}
		defs[i] = def
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, r.tableQ(), strings.Join(defs, ", ")))
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	if err := r.migrateColumns(ctx); err != nil {
		return fmt.Errorf("failed to migrate columns: %w", err)
	}

	for _, idx := range r.indexes {
		if err := validateIdentifier(idx.Name, "index"); err != nil {
			return err
		}
		cols := make([]string, len(idx.Columns))
		for i, c := range idx.Columns {
			cols[i] = quoteIdentifier(c)
		}
		stmt := "CREATE INDEX IF NOT EXISTS "
		if idx.Unique {
			stmt = "CREATE UNIQUE INDEX IF NOT EXISTS "
		}
		stmt += quoteIdentifier(idx.Name) + " ON " + r.tableQ() + " (" + strings.Join(cols, ", ") + ")"
		if idx.Where != "" {
			stmt += " WHERE " + idx.Where
		}
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index %s: %w", idx.Name, err)
		}
	}
	return nil
}

func (r *PostgresRepository[T]) migrateColumns(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2`, r.config.schema, r.config.tableName)
	if err != nil {
		return err
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		existing[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, col := range r.columns {
		if existing[col.Name] || col.PrimaryKey {
			continue
		}
		def := quoteIdentifier(col.Name) + " " + col.SQLType
		if !col.Nullable {
			def += " NOT NULL DEFAULT " + defaultForType(col.SQLType)
		}
		if _, err := r.db.ExecContext(ctx, `ALTER TABLE `+r.tableQ()+` ADD COLUMN IF NOT EXISTS `+def); err != nil {
			return fmt.Errorf("failed to add column %s: %w", col.Name, err)
		}
	}
	return nil
}

// Get returns clinops.ErrNotFound when id has no row. Inside a transaction
// the row is locked until commit.
func (r *PostgresRepository[T]) Get(ctx context.Context, id string) (*T, error) {
	query := `SELECT ` + r.selectList() + ` FROM ` + r.tableQ() + ` WHERE ` + r.pkCol() + ` = $1`
	if TxFromContext(ctx) != nil {
		query += ` FOR UPDATE`
	}

	model := new(T)
	err := conn(ctx, r.db).QueryRowContext(ctx, query, id).Scan(r.scanDest(model)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, clinops.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("clinops/postgres/readmodel: get failed: %w", err)
	}
	return model, nil
}

// Find returns the rows matching query.
func (r *PostgresRepository[T]) Find(ctx context.Context, query clinops.Query) ([]*T, error) {
	where, args, err := r.buildWhereClause(query.Filters)
	if err != nil {
		return nil, err
	}
	order, err := r.buildOrderClause(query.OrderBy)
	if err != nil {
		return nil, err
	}
	sqlQuery := `SELECT ` + r.selectList() + ` FROM ` + r.tableQ() + where + order + buildLimitClause(query.Limit, query.Offset)

	rows, err := conn(ctx, r.db).QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("clinops/postgres/readmodel: find failed: %w", err)
	}
	defer rows.Close()

	results := make([]*T, 0)
	for rows.Next() {
		model := new(T)
		if err := rows.Scan(r.scanDest(model)...); err != nil {
			return nil, fmt.Errorf("clinops/postgres/readmodel: scan failed: %w", err)
		}
		results = append(results, model)
	}
	return results, rows.Err()
}

// FindOne returns clinops.ErrNotFound when nothing matches.
func (r *PostgresRepository[T]) FindOne(ctx context.Context, query clinops.Query) (*T, error) {
	query.Limit = 1
	results, err := r.Find(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, clinops.ErrNotFound
	}
	return results[0], nil
}

// Count returns the number of rows matching query.
func (r *PostgresRepository[T]) Count(ctx context.Context, query clinops.Query) (int64, error) {
	where, args, err := r.buildWhereClause(query.Filters)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := conn(ctx, r.db).QueryRowContext(ctx, `SELECT COUNT(*) FROM `+r.tableQ()+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("clinops/postgres/readmodel: count failed: %w", err)
	}
	return n, nil
}

// Insert returns adapters.ErrDuplicateKey when a unique index rejects the row.
func (r *PostgresRepository[T]) Insert(ctx context.Context, model *T) error {
	values, err := r.extractValues(model)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, r.tableQ(), r.selectList(), placeholders(1, len(r.columns)))
	if _, err := conn(ctx, r.db).ExecContext(ctx, query, values...); err != nil {
		return r.writeError("insert", err)
	}
	return nil
}

// Update applies fn to the stored row.
func (r *PostgresRepository[T]) Update(ctx context.Context, id string, fn func(*T)) error {
	model, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	fn(model)

	values, err := r.extractValues(model)
	if err != nil {
		return err
	}
	sets := make([]string, 0, len(r.columns))
	args := make([]interface{}, 0, len(r.columns)+1)
	for i, col := range r.columns {
		if i == r.pk {
			continue
		}
		args = append(args, values[i])
		sets = append(sets, fmt.Sprintf("%s = $%d", quoteIdentifier(col.Name), len(args)))
	}
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE %s = $%d`, r.tableQ(), strings.Join(sets, ", "), r.pkCol(), len(args))

	result, err := conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		return r.writeError("update", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return clinops.ErrNotFound
	}
	return nil
}

// Upsert inserts model or replaces the row with the same primary key.
func (r *PostgresRepository[T]) Upsert(ctx context.Context, model *T) error {
	values, err := r.extractValues(model)
	if err != nil {
		return err
	}
	updates := make([]string, 0, len(r.columns))
	for i, col := range r.columns {
		if i != r.pk {
			q := quoteIdentifier(col.Name)
			updates = append(updates, q+" = EXCLUDED."+q)
		}
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s`,
		r.tableQ(), r.selectList(), placeholders(1, len(r.columns)), r.pkCol(), strings.Join(updates, ", "))
	if _, err := conn(ctx, r.db).ExecContext(ctx, query, values...); err != nil {
		return r.writeError("upsert", err)
	}
	return nil
}

// Delete removes a row. Domain events never delete; rebuilds do.
func (r *PostgresRepository[T]) Delete(ctx context.Context, id string) error {
	result, err := conn(ctx, r.db).ExecContext(ctx, `DELETE FROM `+r.tableQ()+` WHERE `+r.pkCol()+` = $1`, id)
	if err != nil {
		return fmt.Errorf("clinops/postgres/readmodel: delete failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return clinops.ErrNotFound
	}
	return nil
}

// Clear removes every row.
func (r *PostgresRepository[T]) Clear(ctx context.Context) error {
	if _, err := conn(ctx, r.db).ExecContext(ctx, `TRUNCATE TABLE `+r.tableQ()); err != nil {
		return fmt.Errorf("clinops/postgres/readmodel: clear failed: %w", err)
	}
	return nil
}

// TableName returns the qualified table name.
func (r *PostgresRepository[T]) TableName() string {
	return r.config.schema + "." + r.config.tableName
}

// DropTable removes the table.
func (r *PostgresRepository[T]) DropTable(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+r.tableQ()+` CASCADE`)
	return err
}

func (r *PostgresRepository[T]) writeError(op string, err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s.%s %s", adapters.ErrDuplicateKey, r.config.tableName, op, constraintName(err))
	}
	return fmt.Errorf("clinops/postgres/readmodel: %s failed: %w", op, err)
}

func (r *PostgresRepository[T]) column(field string) (ColumnType, error) {
	if i, ok := r.byName[field]; ok {
		return r.columns[i], nil
	}
	if i, ok := r.byName[clinops.SnakeCase(field)]; ok {
		return r.columns[i], nil
	}
	return ColumnType{}, fmt.Errorf("%w: unknown field %q", clinops.ErrInvalidQuery, field)
}

func (r *PostgresRepository[T]) buildWhereClause(filters []clinops.Filter) (string, []interface{}, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}

	var conds []string
	var args []interface{}
	next := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	for _, f := range filters {
		col, err := r.column(f.Field)
		if err != nil {
			return "", nil, err
		}
		q := quoteIdentifier(col.Name)

		switch f.Op {
		case clinops.FilterOpEq, clinops.FilterOpNe, clinops.FilterOpGt,
			clinops.FilterOpGte, clinops.FilterOpLt, clinops.FilterOpLte:
			conds = append(conds, fmt.Sprintf("%s %s %s", q, f.Op, next(f.Value)))
		case clinops.FilterOpIsNull:
			conds = append(conds, q+" IS NULL")
		case clinops.FilterOpIsNotNull:
			conds = append(conds, q+" IS NOT NULL")
		case clinops.FilterOpIn, clinops.FilterOpNotIn:
			list := reflect.ValueOf(f.Value)
			if list.Kind() != reflect.Slice {
				return "", nil, fmt.Errorf("%w: %s needs a slice", clinops.ErrInvalidQuery, f.Op)
			}
			if list.Len() == 0 {
				if f.Op == clinops.FilterOpIn {
					conds = append(conds, "FALSE")
				}
				continue
			}
			ps := make([]string, list.Len())
			for i := range ps {
				ps[i] = next(list.Index(i).Interface())
			}
			conds = append(conds, fmt.Sprintf("%s %s (%s)", q, f.Op, strings.Join(ps, ", ")))
		case clinops.FilterOpContains:
			if !col.JSON {
				return "", nil, fmt.Errorf("%w: %s needs a list column", clinops.ErrInvalidQuery, f.Op)
			}
			elem, err := json.Marshal([]interface{}{f.Value})
			if err != nil {
				return "", nil, fmt.Errorf("%w: %v", clinops.ErrInvalidQuery, err)
			}
			conds = append(conds, fmt.Sprintf("%s @> %s::jsonb", q, next(string(elem))))
		default:
			return "", nil, fmt.Errorf("%w: operator %s", clinops.ErrInvalidQuery, f.Op)
		}
	}

	if len(conds) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func (r *PostgresRepository[T]) buildOrderClause(orderBy []clinops.OrderBy) (string, error) {
	if len(orderBy) == 0 {
		return "", nil
	}
	clauses := make([]string, len(orderBy))
	for i, o := range orderBy {
		col, err := r.column(o.Field)
		if err != nil {
			return "", err
		}
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		clauses[i] = quoteIdentifier(col.Name) + " " + dir
	}
	return " ORDER BY " + strings.Join(clauses, ", "), nil
}

func buildLimitClause(limit, offset int) string {
	var clause string
	if limit > 0 {
		clause = fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		clause += fmt.Sprintf(" OFFSET %d", offset)
	}
	return clause
}

func (r *PostgresRepository[T]) scanDest(model *T) []interface{} {
	val := reflect.ValueOf(model).Elem()
	dest := make([]interface{}, len(r.columns))
	for i, col := range r.columns {
		field := val.FieldByIndex(col.field)
		if col.JSON {
			dest[i] = &jsonColumn{target: field}
			continue
		}
		dest[i] = field.Addr().Interface()
	}
	return dest
}

func (r *PostgresRepository[T]) extractValues(model *T) ([]interface{}, error) {
	val := reflect.ValueOf(model).Elem()
	values := make([]interface{}, len(r.columns))
	for i, col := range r.columns {
		field := val.FieldByIndex(col.field)
		if !col.JSON {
			values[i] = field.Interface()
			continue
		}
		v, err := jsonValue(field)
		if err != nil {
			return nil, fmt.Errorf("clinops/postgres/readmodel: column %s: %w", col.Name, err)
		}
		values[i] = v
	}
	return values, nil
}

// jsonColumn scans a JSONB column into a json.RawMessage, slice, map or
// struct field.
type jsonColumn struct {
	target reflect.Value
}

func (j *jsonColumn) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		j.target.Set(reflect.Zero(j.target.Type()))
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into a JSON column", src)
	}
	if j.target.Type() == rawJSONType {
		j.target.SetBytes(append([]byte(nil), data...))
		return nil
	}
	return json.Unmarshal(data, j.target.Addr().Interface())
}

func jsonValue(field reflect.Value) (interface{}, error) {
	if field.Type() == rawJSONType {
		if field.Len() == 0 {
			return nil, nil
		}
		return string(field.Bytes()), nil
	}
	switch field.Kind() {
	case reflect.Slice, reflect.Map, reflect.Ptr:
		if field.IsNil() {
			return nil, nil
		}
	}
	b, err := json.Marshal(field.Interface())
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// goTypeToSQL maps a Go field type to a column type, reporting whether the
// column holds JSON.
func goTypeToSQL(t reflect.Type) (string, bool) {
	if t == rawJSONType {
		return "JSONB", true
	}
	if t.Kind() == reflect.Ptr {
		return goTypeToSQL(t.Elem())
	}
	if t == timeType {
		return "TIMESTAMPTZ", false
	}
	switch t.Kind() {
	case reflect.String:
		return "TEXT", false
	case reflect.Int, reflect.Int64, reflect.Uint32, reflect.Uint, reflect.Uint64:
		return "BIGINT", false
	case reflect.Int32, reflect.Uint16:
		return "INTEGER", false
	case reflect.Int8, reflect.Int16, reflect.Uint8:
		return "SMALLINT", false
	case reflect.Float32:
		return "REAL", false
	case reflect.Float64:
		return "DOUBLE PRECISION", false
	case reflect.Bool:
		return "BOOLEAN", false
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return "BYTEA", false
		}
		return "JSONB", true
	default:
		return "JSONB", true
	}
}

func defaultForType(sqlType string) string {
	switch strings.ToUpper(sqlType) {
	case "BIGINT", "INTEGER", "SMALLINT", "REAL", "DOUBLE PRECISION":
		return "0"
	case "BOOLEAN":
		return "false"
	case "TIMESTAMPTZ", "TIMESTAMP":
		return "NOW()"
	case "JSONB", "JSON":
		return "'null'"
	default:
		return "''"
	}
}
