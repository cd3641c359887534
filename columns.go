package clinops

import (
	"reflect"
	"strings"
	"unicode"
)

// ColumnTag is the struct tag naming read-model columns, for example
// `db:"study_id,index"`.
const ColumnTag = "db"

// Column describes how one struct field maps to a read-model column.
type Column struct {
	Name    string
	Index   []int
	Options []string
}

// HasOption reports whether the tag carries opt (pk, index, unique, ...).
func (c Column) HasOption(opt string) bool {
	for _, o := range c.Options {
		if o == opt || strings.HasPrefix(o, opt+"=") {
			return true
		}
	}
	return false
}

// Option returns the value of a key=value tag option.
func (c Column) Option(key string) string {
	for _, o := range c.Options {
		if strings.HasPrefix(o, key+"=") {
			return strings.TrimPrefix(o, key+"=")
		}
	}
	return ""
}

// Columns lists the column mapping of struct type t in field order.
// Unexported fields and fields tagged `db:"-"` are skipped.
func Columns(t reflect.Type) []Column {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	var cols []Column
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get(ColumnTag)
		if tag == "-" {
			continue
		}
		col := Column{Name: SnakeCase(f.Name), Index: f.Index}
		if tag != "" {
			parts := strings.Split(tag, ",")
			if parts[0] != "" {
				col.Name = parts[0]
			}
			col.Options = parts[1:]
		}
		cols = append(cols, col)
	}
	return cols
}

// SnakeCase converts a Go identifier to snake_case, keeping acronyms whole
// (StudyID -> study_id).
func SnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prevLower := unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if prevLower || (nextLower && unicode.IsUpper(runes[i-1])) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
