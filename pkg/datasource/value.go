package datasource

import (
	"bytes"
	"database/sql/driver"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ValueKind tags the variant a Value holds.
type ValueKind int

const (
	ValueNull ValueKind = iota
	ValueNumber
	ValueString
	ValueBool
	ValueBinary
)

// Value is one cell of a result row. Numbers keep their textual form so
// DECIMAL and BIGINT values survive JSON encoding without rounding.
type Value struct {
	Kind  ValueKind
	Num   string
	Str   string
	Bool  bool
	Bytes []byte
}

func Null() Value { return Value{Kind: ValueNull} }

func String(s string) Value { return Value{Kind: ValueString, Str: s} }

func Bool(b bool) Value { return Value{Kind: ValueBool, Bool: b} }

func Binary(b []byte) Value { return Value{Kind: ValueBinary, Bytes: b} }

func Int(n int64) Value { return Value{Kind: ValueNumber, Num: strconv.FormatInt(n, 10)} }

func Uint(n uint64) Value { return Value{Kind: ValueNumber, Num: strconv.FormatUint(n, 10)} }

func numberText(num string) Value { return Value{Kind: ValueNumber, Num: num} }

// Float returns a number, or a string for NaN and infinities which JSON
// cannot carry.
func Float(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return String(strconv.FormatFloat(f, 'g', -1, 64))
	}
	return Value{Kind: ValueNumber, Num: strconv.FormatFloat(f, 'g', -1, 64)}
}

// Interface returns the plain Go value, mainly for tests and logs.
func (v Value) Interface() any {
	switch v.Kind {
	case ValueNumber:
		if n, err := strconv.ParseInt(v.Num, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(v.Num, 64); err == nil {
			return f
		}
		return v.Num
	case ValueString:
		return v.Str
	case ValueBool:
		return v.Bool
	case ValueBinary:
		return v.Bytes
	default:
		return nil
	}
}

// MarshalJSON encodes binary data as base64 text.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case ValueNumber:
		return []byte(v.Num), nil
	case ValueString:
		return json.Marshal(v.Str)
	case ValueBool:
		return json.Marshal(v.Bool)
	case ValueBinary:
		return json.Marshal(base64.StdEncoding.EncodeToString(v.Bytes))
	default:
		return []byte("null"), nil
	}
}

// Row is an ordered mapping from column name to value. Columns is shared by
// every row of one result.
type Row struct {
	Columns []string
	Values  []Value
}

// Get returns the value of the named column.
func (r Row) Get(column string) (Value, bool) {
	for i, c := range r.Columns {
		if c == column {
			return r.Values[i], true
		}
	}
	return Value{}, false
}

// MarshalJSON writes the row as an object with keys in column order.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range r.Columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := r.Values[i].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

var binaryTypes = []string{"BLOB", "BINARY", "VARBINARY", "BYTEA", "BIT"}

var numericTypes = []string{"INT", "DECIMAL", "NUMERIC", "FLOAT", "DOUBLE", "REAL"}

func typeMentions(dbType string, set []string) bool {
	t := strings.ToUpper(dbType)
	for _, s := range set {
		if strings.Contains(t, s) {
			return true
		}
	}
	return false
}

// fromDriver converts a scanned driver value. dbType is the engine's column
// type name and may be empty for computed columns.
func fromDriver(v any, dbType string) Value {
	switch x := v.(type) {
	case nil:
		return Null()
	case int64:
		return Int(x)
	case int32:
		return Int(int64(x))
	case int16:
		return Int(int64(x))
	case int8:
		return Int(int64(x))
	case int:
		return Int(int64(x))
	case uint64:
		return Uint(x)
	case uint32:
		return Uint(uint64(x))
	case uint16:
		return Uint(uint64(x))
	case uint8:
		return Uint(uint64(x))
	case float64:
		return Float(x)
	case float32:
		return Float(float64(x))
	case bool:
		return Bool(x)
	case string:
		return String(x)
	case time.Time:
		return String(x.Format(time.RFC3339Nano))
	case [16]byte:
		return String(uuid.UUID(x).String())
	case []byte:
		return fromBytes(x, dbType)
	case driver.Valuer:
		inner, err := x.Value()
		if err != nil {
			return String(fmt.Sprint(v))
		}
		if _, again := inner.(driver.Valuer); again {
			return String(fmt.Sprint(inner))
		}
		return fromText(inner, dbType)
	case fmt.Stringer:
		return String(x.String())
	default:
		if b, err := json.Marshal(x); err == nil {
			return String(string(b))
		}
		return String(fmt.Sprint(x))
	}
}

// fromText handles driver.Valuer results, which report numerics such as
// pgtype.Numeric as strings.
func fromText(v any, dbType string) Value {
	if s, ok := v.(string); ok && typeMentions(dbType, numericTypes) {
		if _, err := strconv.ParseFloat(s, 64); err == nil {
			return numberText(s)
		}
	}
	return fromDriver(v, dbType)
}

func fromBytes(b []byte, dbType string) Value {
	if typeMentions(dbType, binaryTypes) {
		return Binary(append([]byte(nil), b...))
	}
	s := string(b)
	if typeMentions(dbType, numericTypes) {
		if _, err := strconv.ParseFloat(s, 64); err == nil {
			return numberText(s)
		}
	}
	if !utf8.ValidString(s) {
		return Binary(append([]byte(nil), b...))
	}
	return String(s)
}
