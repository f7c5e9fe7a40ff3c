package device

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/timzifer/beamio/config"
	"github.com/timzifer/beamio/signal"
)

// Field declares one signal of a device layout.
type Field struct {
	Name       string
	Access     signal.Access
	Kind       config.ValueKind
	Suffix     string
	ReadSuffix string
	Wait       bool
	ExecValue  any
}

func newField(name string, access signal.Access, kind config.ValueKind) Field {
	return Field{Name: name, Access: access, Kind: kind, Wait: true}
}

// RW declares a read-write field.
func RW(name string, kind config.ValueKind) Field {
	return newField(name, signal.AccessReadWrite, kind)
}

// RO declares a read-only field.
func RO(name string, kind config.ValueKind) Field {
	return newField(name, signal.AccessRead, kind)
}

// WO declares a write-only field.
func WO(name string, kind config.ValueKind) Field {
	return newField(name, signal.AccessWrite, kind)
}

// X declares an executable field. It writes 1 unless Executes says otherwise.
func X(name string) Field {
	f := newField(name, signal.AccessExecute, config.ValueKindInteger)
	f.ExecValue = 1
	return f
}

// At sets the address suffix appended to the device prefix.
func (f Field) At(suffix string) Field {
	f.Suffix = suffix
	return f
}

// ReadAt reads the field from a different suffix than it is written to.
func (f Field) ReadAt(suffix string) Field {
	f.ReadSuffix = suffix
	return f
}

// NoWait makes writes fire and forget.
func (f Field) NoWait() Field {
	f.Wait = false
	return f
}

// Executes sets the value written when the field is executed.
func (f Field) Executes(v any) Field {
	f.ExecValue = v
	return f
}

func (f Field) suffix() string {
	if f.Suffix != "" {
		return f.Suffix
	}
	return SnakeCase(f.Name)
}

// Table is an ordered set of fields, keyed by name.
type Table struct {
	fields []Field
	index  map[string]int
}

// Define builds a table. Field names must be unique and non-empty.
func Define(fields ...Field) (*Table, error) {
	t := &Table{index: make(map[string]int, len(fields))}
	var errs []error
	for _, f := range fields {
		if strings.TrimSpace(f.Name) == "" {
			errs = append(errs, errors.New("field name must not be empty"))
			continue
		}
		if _, dup := t.index[f.Name]; dup {
			errs = append(errs, fmt.Errorf("field %s declared twice", f.Name))
			continue
		}
		t.index[f.Name] = len(t.fields)
		t.fields = append(t.fields, f)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return t, nil
}

// MustDefine is Define for static layouts.
func MustDefine(fields ...Field) *Table {
	t, err := Define(fields...)
	if err != nil {
		panic(err)
	}
	return t
}

// Extend returns a copy of t where fields with an existing name replace the
// original in place and new fields are appended.
func (t *Table) Extend(fields ...Field) (*Table, error) {
	out := &Table{
		fields: append([]Field(nil), t.fields...),
		index:  make(map[string]int, len(t.index)+len(fields)),
	}
	for name, i := range t.index {
		out.index[name] = i
	}
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if strings.TrimSpace(f.Name) == "" {
			return nil, errors.New("field name must not be empty")
		}
		if _, dup := seen[f.Name]; dup {
			return nil, fmt.Errorf("field %s declared twice", f.Name)
		}
		seen[f.Name] = struct{}{}
		if i, ok := out.index[f.Name]; ok {
			out.fields[i] = f
			continue
		}
		out.index[f.Name] = len(out.fields)
		out.fields = append(out.fields, f)
	}
	return out, nil
}

// Fields returns the fields in declaration order.
func (t *Table) Fields() []Field {
	return append([]Field(nil), t.fields...)
}

// Field looks up a field by name.
func (t *Table) Field(name string) (Field, bool) {
	i, ok := t.index[name]
	if !ok {
		return Field{}, false
	}
	return t.fields[i], true
}

// Len returns the number of fields.
func (t *Table) Len() int { return len(t.fields) }

// SnakeCase converts CamelCase names to snake_case. Names that are already
// snake_case are returned unchanged.
func SnakeCase(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]) ||
				(i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
