package convert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"trino-arrow-gateway/internal/domain"
)

// DefaultBatchSize is used when a non-positive batch size is configured.
const DefaultBatchSize = 1024

// Reader converts JSON row arrays into record batches for a fixed schema.
type Reader struct {
	mem       memory.Allocator
	schema    *arrow.Schema
	batchSize int
}

// NewReader creates a Reader. A nil allocator falls back to memory.DefaultAllocator.
func NewReader(mem memory.Allocator, schema *arrow.Schema, batchSize int) *Reader {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Reader{mem: mem, schema: schema, batchSize: batchSize}
}

// Convert reads a single JSON array of rows from in and calls onBatch for every
// batchSize rows plus a final partial batch. onBatch owns the batch it receives
// and must release it. Empty input produces no batches.
func (r *Reader) Convert(ctx context.Context, in io.Reader, onBatch func(arrow.RecordBatch) error) error {
	dec := json.NewDecoder(in)
	dec.UseNumber()

	tok, err := dec.Token()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return &domain.MalformedPayloadError{Message: err.Error()}
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return &domain.MalformedPayloadError{Message: fmt.Sprintf("expected array of rows, got %v", tok)}
	}

	fields := r.schema.Fields()
	builders := make([]array.Builder, len(fields))
	for i, f := range fields {
		builders[i] = array.NewBuilder(r.mem, f.Type)
	}
	defer func() {
		for _, b := range builders {
			b.Release()
		}
	}()

	rows := 0
	for dec.More() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.readRow(dec, fields, builders); err != nil {
			return err
		}
		rows++
		if rows == r.batchSize {
			if err := onBatch(r.flush(builders, rows)); err != nil {
				return err
			}
			rows = 0
		}
	}
	if _, err := dec.Token(); err != nil {
		return &domain.MalformedPayloadError{Message: err.Error()}
	}
	if rows > 0 {
		return onBatch(r.flush(builders, rows))
	}
	return nil
}

func (r *Reader) flush(builders []array.Builder, rows int) arrow.RecordBatch {
	cols := make([]arrow.Array, len(builders))
	for i, b := range builders {
		cols[i] = b.NewArray()
	}
	batch := array.NewRecordBatch(r.schema, cols, int64(rows))
	for _, c := range cols {
		c.Release()
	}
	return batch
}

func (r *Reader) readRow(dec *json.Decoder, fields []arrow.Field, builders []array.Builder) error {
	tok, err := dec.Token()
	if err != nil {
		return &domain.MalformedPayloadError{Message: err.Error()}
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return &domain.MalformedPayloadError{Message: fmt.Sprintf("expected row array, got %v", tok)}
	}

	col := 0
	for ; dec.More(); col++ {
		if col >= len(fields) {
			return &domain.MalformedPayloadError{Message: fmt.Sprintf("row has more than %d values", len(fields))}
		}
		tok, err := dec.Token()
		if err != nil {
			return &domain.MalformedPayloadError{Message: err.Error()}
		}
		if err := appendValue(builders[col], fields[col], tok); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return &domain.MalformedPayloadError{Message: err.Error()}
	}

	// Short rows leave the trailing columns null.
	for ; col < len(fields); col++ {
		builders[col].AppendNull()
	}
	return nil
}

func appendValue(b array.Builder, field arrow.Field, tok json.Token) error {
	if tok == nil {
		b.AppendNull()
		return nil
	}
	if _, ok := tok.(json.Delim); ok {
		return mismatch(field, tok)
	}

	switch bldr := b.(type) {
	case *array.Int64Builder:
		n, ok := tok.(json.Number)
		if !ok {
			return mismatch(field, tok)
		}
		v, err := strconv.ParseInt(n.String(), 10, 64)
		if err != nil {
			return mismatch(field, tok)
		}
		bldr.Append(v)
	case *array.Int32Builder:
		n, ok := tok.(json.Number)
		if !ok {
			return mismatch(field, tok)
		}
		v, err := strconv.ParseInt(n.String(), 10, 32)
		if err != nil {
			return mismatch(field, tok)
		}
		bldr.Append(int32(v))
	case *array.Float64Builder:
		n, ok := tok.(json.Number)
		if !ok {
			return mismatch(field, tok)
		}
		v, err := n.Float64()
		if err != nil {
			return mismatch(field, tok)
		}
		bldr.Append(v)
	case *array.StringBuilder:
		switch v := tok.(type) {
		case string:
			bldr.Append(v)
		case json.Number:
			bldr.Append(v.String())
		case bool:
			bldr.Append(strconv.FormatBool(v))
		default:
			return mismatch(field, tok)
		}
	case *array.BooleanBuilder:
		v, ok := tok.(bool)
		if !ok {
			return mismatch(field, tok)
		}
		bldr.Append(v)
	case *array.Date32Builder:
		s, ok := tok.(string)
		if !ok {
			return mismatch(field, tok)
		}
		t, err := time.Parse(time.DateOnly, s)
		if err != nil {
			return mismatch(field, tok)
		}
		bldr.Append(arrow.Date32FromTime(t))
	default:
		return fmt.Errorf("unsupported arrow type %s for field %s", field.Type, field.Name)
	}
	return nil
}

func mismatch(field arrow.Field, tok json.Token) error {
	return &domain.MalformedPayloadError{
		Message: fmt.Sprintf("value %v is not valid for column %s (%s)", tok, field.Name, field.Type),
	}
}
