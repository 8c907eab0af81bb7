package repository

import (
	"context"
	"fmt"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type stubPool struct {
	execTags     []string
	execErr      error
	execSQL      []string
	execArgs     [][]any
	batchResults *stubBatchResults
	queuedBatch  *pgx.Batch
	rowsData     [][]any
	querySQL     string
	queryArgs    []any
	rowValues    []any
	rowErr       error
}

func (s *stubPool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	s.execSQL = append(s.execSQL, sql)
	s.execArgs = append(s.execArgs, args)
	if s.execErr != nil {
		return pgconn.CommandTag{}, s.execErr
	}
	if len(s.execTags) == 0 {
		return pgconn.CommandTag{}, nil
	}
	tag := s.execTags[0]
	s.execTags = s.execTags[1:]
	return pgconn.NewCommandTag(tag), nil
}

func (s *stubPool) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	s.queuedBatch = b
	if s.batchResults != nil {
		return s.batchResults
	}
	return &stubBatchResults{}
}

func (s *stubPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	s.querySQL = sql
	s.queryArgs = args
	dataCopy := make([][]any, len(s.rowsData))
	for i := range s.rowsData {
		row := make([]any, len(s.rowsData[i]))
		copy(row, s.rowsData[i])
		dataCopy[i] = row
	}
	return &stubRows{data: dataCopy}, nil
}

func (s *stubPool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	s.querySQL = sql
	s.queryArgs = args
	return &stubRow{values: s.rowValues, err: s.rowErr}
}

type stubBatchResults struct {
	execCalls int
	execErr   error
}

func (s *stubBatchResults) Exec() (pgconn.CommandTag, error) {
	s.execCalls++
	return pgconn.CommandTag{}, s.execErr
}

func (s *stubBatchResults) Query() (pgx.Rows, error) { return &stubRows{}, nil }

func (s *stubBatchResults) QueryRow() pgx.Row { return &stubRow{} }

func (s *stubBatchResults) Close() error { return nil }

type stubRows struct {
	data [][]any
	idx  int
}

func (r *stubRows) Close() {}

func (r *stubRows) Err() error { return nil }

func (r *stubRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }

func (r *stubRows) FieldDescriptions() []pgconn.FieldDescription { return nil }

func (r *stubRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *stubRows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.data) {
		return fmt.Errorf("invalid scan index")
	}
	return assign(dest, r.data[r.idx-1])
}

func (r *stubRows) Values() ([]any, error) { return nil, nil }

func (r *stubRows) RawValues() [][]byte { return nil }

func (r *stubRows) Conn() *pgx.Conn { return nil }

type stubRow struct {
	values []any
	err    error
}

func (r *stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(dest, r.values)
}

// assign copies values into scan destinations; a nil value zeroes the target.
func assign(dest []any, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("destination count mismatch: %d vs %d", len(dest), len(values))
	}
	for i, d := range dest {
		target := reflect.ValueOf(d)
		if target.Kind() != reflect.Pointer || target.IsNil() {
			return fmt.Errorf("destination %d is not a pointer", i)
		}
		elem := target.Elem()
		if values[i] == nil {
			elem.Set(reflect.Zero(elem.Type()))
			continue
		}
		v := reflect.ValueOf(values[i])
		if !v.Type().AssignableTo(elem.Type()) {
			return fmt.Errorf("cannot scan %T into %s", values[i], elem.Type())
		}
		elem.Set(v)
	}
	return nil
}
