// Package convert turns Trino row-array JSON into Arrow record batches.
package convert

import (
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"trino-arrow-gateway/internal/domain"
)

// typeMapping is checked in order; the first matching prefix wins.
var typeMapping = []struct {
	prefix string
	typ    arrow.DataType
}{
	{"BIGINT", arrow.PrimitiveTypes.Int64},
	{"INTEGER", arrow.PrimitiveTypes.Int32},
	{"DOUBLE", arrow.PrimitiveTypes.Float64},
	{"VARCHAR", arrow.BinaryTypes.String},
	{"CHAR", arrow.BinaryTypes.String},
	{"BOOLEAN", arrow.FixedWidthTypes.Boolean},
	{"DATE", arrow.FixedWidthTypes.Date32},
}

// ArrowType maps a Trino type name such as "varchar(32)" to its Arrow type.
func ArrowType(trinoType string) (arrow.DataType, bool) {
	t := strings.ToUpper(strings.TrimSpace(trinoType))
	for _, m := range typeMapping {
		if strings.HasPrefix(t, m.prefix) {
			return m.typ, true
		}
	}
	return nil, false
}

// SchemaFromColumns builds a nullable Arrow schema for the given columns.
func SchemaFromColumns(columns []domain.Column) (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(columns))
	for i, col := range columns {
		typ, ok := ArrowType(col.Type)
		if !ok {
			return nil, &domain.UnsupportedSchemaError{Column: col.Name, Type: col.Type}
		}
		fields[i] = arrow.Field{Name: col.Name, Type: typ, Nullable: true}
	}
	return arrow.NewSchema(fields, nil), nil
}
