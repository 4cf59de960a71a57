package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/apache/arrow/go/v18/arrow"
	"github.com/apache/arrow/go/v18/arrow/array"
	"github.com/apache/arrow/go/v18/arrow/memory"
	"github.com/apache/arrow/go/v18/parquet"
	"github.com/apache/arrow/go/v18/parquet/compress"
	"github.com/apache/arrow/go/v18/parquet/pqarrow"
)

const copyReportHeader = "Query\tMultipleCopyPercent\tSingleCopyPercent\n"

type copyRow struct {
	Query        string
	MultipleCopy float64
	SingleCopy   float64
}

var copySchema = arrow.NewSchema([]arrow.Field{
	{Name: "query", Type: arrow.BinaryTypes.String},
	{Name: "multiple_copy_percent", Type: arrow.PrimitiveTypes.Float64},
	{Name: "single_copy_percent", Type: arrow.PrimitiveTypes.Float64},
}, nil)

// copyReport streams copiness.tsv and, when a Parquet path is set, keeps the
// rows to write one columnar file on close.
type copyReport struct {
	tsv         *outputFile
	parquetPath string
	rows        []copyRow
}

func newCopyReport(tsvPath, parquetPath string, threads int) (*copyReport, error) {
	out, err := createOutput(tsvPath, threads)
	if err != nil {
		return nil, err
	}
	if _, err := out.WriteString(copyReportHeader); err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("write copiness header: %w", err)
	}
	return &copyReport{tsv: out, parquetPath: parquetPath}, nil
}

func (r *copyReport) add(row copyRow) error {
	line := row.Query + "\t" + formatPercent(row.MultipleCopy) + "\t" + formatPercent(row.SingleCopy) + "\n"
	if _, err := r.tsv.WriteString(line); err != nil {
		return fmt.Errorf("write copiness row: %w", err)
	}
	if r.parquetPath != "" {
		r.rows = append(r.rows, row)
	}
	return nil
}

func (r *copyReport) close() error {
	if err := r.tsv.Close(); err != nil {
		return fmt.Errorf("close copiness: %w", err)
	}
	if r.parquetPath == "" {
		return nil
	}
	return writeCopyParquet(r.parquetPath, r.rows)
}

func formatPercent(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func writeCopyParquet(path string, rows []copyRow) error {
	b := array.NewRecordBuilder(memory.DefaultAllocator, copySchema)
	defer b.Release()

	queries := b.Field(0).(*array.StringBuilder)
	multi := b.Field(1).(*array.Float64Builder)
	single := b.Field(2).(*array.Float64Builder)
	for _, row := range rows {
		queries.Append(row.Query)
		multi.Append(row.MultipleCopy)
		single.Append(row.SingleCopy)
	}
	rec := b.NewRecord()
	defer rec.Release()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parquet dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create parquet: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	w, err := pqarrow.NewFileWriter(copySchema, f, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return fmt.Errorf("create parquet writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return fmt.Errorf("write parquet: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close parquet: %w", err)
	}
	return nil
}
