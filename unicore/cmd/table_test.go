package cmd

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

func collectRows(t *testing.T, input string, opts tableOptions) ([]tableRow, error) {
	t.Helper()
	var rows []tableRow
	err := scanTable(strings.NewReader(input), opts, func(row tableRow) error {
		fields := make([][]byte, len(row.Fields))
		for i, f := range row.Fields {
			fields[i] = append([]byte(nil), f...)
		}
		rows = append(rows, tableRow{Line: row.Line, Fields: fields})
		return nil
	})
	return rows, err
}

func TestScanTableKeepsFileOrder(t *testing.T) {
	var b strings.Builder
	const n = 5000
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "q%d\tt%d\n", i, i)
	}

	opts := tableOptions{ChunkSize: 64, BatchLines: 7, Workers: 4, MinFields: 2}
	rows, err := collectRows(t, b.String(), opts)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(rows) != n {
		t.Fatalf("rows = %d, want %d", len(rows), n)
	}
	for i, row := range rows {
		if row.Line != int64(i+1) {
			t.Fatalf("row %d: line = %d", i, row.Line)
		}
		if got, want := string(row.Fields[0]), fmt.Sprintf("q%d", i); got != want {
			t.Fatalf("row %d: query = %q, want %q", i, got, want)
		}
		if got, want := string(row.Fields[1]), fmt.Sprintf("t%d", i); got != want {
			t.Fatalf("row %d: target = %q, want %q", i, got, want)
		}
	}
}

func TestScanTableSkipsBlankAndTrimsCR(t *testing.T) {
	rows, err := collectRows(t, "a\tb\r\n\n   \nc\td\te", tableOptions{MinFields: 2, Workers: 2})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if string(rows[0].Fields[1]) != "b" {
		t.Fatalf("CR not trimmed: %q", rows[0].Fields[1])
	}
	if rows[1].Line != 4 || len(rows[1].Fields) != 3 {
		t.Fatalf("last row = line %d with %d fields", rows[1].Line, len(rows[1].Fields))
	}
}

func TestScanTableWhitespaceFallback(t *testing.T) {
	rows, err := collectRows(t, "q1 g1\nq2  g2 extra\n", tableOptions{MinFields: 2, Workers: 1})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(rows) != 2 || string(rows[1].Fields[0]) != "q2" || string(rows[1].Fields[1]) != "g2" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestScanTableShortRow(t *testing.T) {
	_, err := collectRows(t, "a\tb\nlonely\nc\td\n", tableOptions{MinFields: 2, Workers: 3, BatchLines: 1})
	if err == nil {
		t.Fatal("expected error for short row")
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("error %q does not name line 2", err)
	}
}

func TestScanTableCallbackErrorStops(t *testing.T) {
	stop := errors.New("stop")
	var b strings.Builder
	for i := 0; i < 1000; i++ {
		fmt.Fprintf(&b, "%d\tx\n", i)
	}
	var seen int
	err := scanTable(strings.NewReader(b.String()), tableOptions{MinFields: 2, Workers: 4, BatchLines: 3}, func(row tableRow) error {
		seen++
		if seen == 10 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("err = %v, want stop", err)
	}
	if seen != 10 {
		t.Fatalf("callback ran %d times after error", seen)
	}
}

func TestScanTableFileGzipWithWorkers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hits.tsv.gz")
	out, err := createOutput(path, 2)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	const n = 20000
	for i := 0; i < n; i++ {
		fmt.Fprintf(out, "q%d\tt%d\n", i, i)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	for _, workers := range []int{0, 1, 3} {
		var rows int
		opts := tableOptions{Workers: workers, MinFields: 2, BatchLines: 100}
		err := scanTableFile(path, opts, func(row tableRow) error {
			if want := fmt.Sprintf("q%d", rows); string(row.Fields[0]) != want {
				return fmt.Errorf("line %d: query %s, want %s", row.Line, row.Fields[0], want)
			}
			rows++
			return nil
		})
		if err != nil {
			t.Fatalf("workers %d: scan: %v", workers, err)
		}
		if rows != n {
			t.Fatalf("workers %d: rows = %d, want %d", workers, rows, n)
		}
	}
}
