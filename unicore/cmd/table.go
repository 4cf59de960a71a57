package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
)

const (
	defaultBufferSize = 1 << 20 // 1 MiB
	defaultChunkSize  = 8 << 20 // 8 MiB
	defaultBatchLines = 1024
)

// tableOptions controls how scanTable splits and delivers a tab-separated file.
type tableOptions struct {
	BufferSize int // Size of the bufio.Reader buffer
	ChunkSize  int // Bytes read per chunk before splitting into lines
	BatchLines int // Lines handed to a worker at once
	Workers    int // Field-splitting goroutines
	MinFields  int // Rows with fewer fields are a parse error
	Progress   *progress
}

// tableRow is one non-blank line. Fields alias the chunk the line was read
// from; copy them (string(f)) before retaining past the callback.
type tableRow struct {
	Line   int64
	Fields [][]byte
}

type lineBatch struct {
	seq   int64
	first int64
	lines [][]byte
}

type rowBatch struct {
	seq  int64
	rows []tableRow
	err  error
}

func defaultTableOptions(workers int) tableOptions {
	return tableOptions{
		BufferSize: defaultBufferSize,
		ChunkSize:  defaultChunkSize,
		BatchLines: defaultBatchLines,
		Workers:    workers,
	}
}

func (o tableOptions) withDefaults() tableOptions {
	if o.BufferSize <= 0 {
		o.BufferSize = defaultBufferSize
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = defaultChunkSize
	}
	if o.BatchLines <= 0 {
		o.BatchLines = defaultBatchLines
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	return o
}

// scanTable streams r and calls onRow for every non-blank line, strictly in
// file order and never concurrently. Splitting runs on a worker pool; the
// first error in file order (parse or callback) stops the scan.
func scanTable(r io.Reader, opts tableOptions, onRow func(tableRow) error) error {
	opts = opts.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	batches := make(chan lineBatch, opts.Workers*2)
	results := make(chan rowBatch, opts.Workers*2)
	readErrCh := make(chan error, 1)

	go func() {
		defer close(batches)
		readErrCh <- readLineBatches(ctx, bufio.NewReaderSize(r, opts.BufferSize), opts, batches)
	}()

	var workerWG sync.WaitGroup
	for i := 0; i < opts.Workers; i++ {
		workerWG.Add(1)
		go func() {
			defer workerWG.Done()
			for batch := range batches {
				results <- splitBatch(batch, opts.MinFields)
			}
		}()
	}
	go func() {
		workerWG.Wait()
		close(results)
	}()

	err := deliverInOrder(results, opts, onRow)
	if err != nil {
		cancel()
		for range results {
		}
	}

	readErr := <-readErrCh
	if err != nil {
		return err
	}
	if readErr != nil && !errors.Is(readErr, context.Canceled) {
		return readErr
	}
	return nil
}

func readLineBatches(ctx context.Context, r *bufio.Reader, opts tableOptions, out chan<- lineBatch) error {
	var (
		seq     int64
		lineNum int64
		tail    []byte
		pending lineBatch
	)

	send := func() error {
		if len(pending.lines) == 0 {
			return nil
		}
		pending.seq = seq
		seq++
		select {
		case out <- pending:
			pending = lineBatch{}
			return nil
		case <-ctx.Done():
			return context.Canceled
		}
	}
	push := func(line []byte) error {
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		lineNum++
		if len(pending.lines) == 0 {
			pending.first = lineNum
			pending.lines = make([][]byte, 0, opts.BatchLines)
		}
		pending.lines = append(pending.lines, line)
		if len(pending.lines) >= opts.BatchLines {
			return send()
		}
		return nil
	}

	for {
		if ctx.Err() != nil {
			return context.Canceled
		}
		// Batches alias this buffer, so every chunk gets a fresh one.
		buf := make([]byte, len(tail)+opts.ChunkSize)
		copy(buf, tail)
		n, err := io.ReadFull(r, buf[len(tail):])
		eof := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
		if err != nil && !eof {
			return err
		}
		data := buf[:len(tail)+n]

		start := 0
		for {
			idx := bytes.IndexByte(data[start:], '\n')
			if idx < 0 {
				break
			}
			if perr := push(data[start : start+idx]); perr != nil {
				return perr
			}
			start += idx + 1
		}
		tail = data[start:]

		if eof {
			break
		}
	}

	if len(tail) > 0 {
		if err := push(tail); err != nil {
			return err
		}
	}
	return send()
}

func splitBatch(batch lineBatch, minFields int) rowBatch {
	res := rowBatch{seq: batch.seq, rows: make([]tableRow, 0, len(batch.lines))}
	for i, line := range batch.lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lineNum := batch.first + int64(i)
		fields := splitTabs(line)
		if len(fields) < minFields {
			fields = bytes.Fields(line)
		}
		if len(fields) < minFields {
			res.err = fmt.Errorf("line %d: expected at least %d fields, got %d", lineNum, minFields, len(fields))
			return res
		}
		res.rows = append(res.rows, tableRow{Line: lineNum, Fields: fields})
	}
	return res
}

func deliverInOrder(results <-chan rowBatch, opts tableOptions, onRow func(tableRow) error) error {
	pending := make(map[int64]rowBatch)
	var expected int64
	for res := range results {
		pending[res.seq] = res
		for {
			next, ok := pending[expected]
			if !ok {
				break
			}
			delete(pending, expected)
			expected++
			for _, row := range next.rows {
				opts.Progress.increment()
				if err := onRow(row); err != nil {
					return err
				}
			}
			if next.err != nil {
				return next.err
			}
		}
	}
	return nil
}

func splitTabs(line []byte) [][]byte {
	fields := make([][]byte, 0, 4)
	start := 0
	for i, b := range line {
		if b == '\t' {
			fields = append(fields, line[start:i])
			start = i + 1
		}
	}
	return append(fields, line[start:])
}

// scanTableFile opens path (transparently gunzipping with opts.Workers
// decompression blocks) and scans it.
func scanTableFile(path string, opts tableOptions, onRow func(tableRow) error) error {
	in, err := openInput(path, opts.Workers)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		_ = in.Close()
	}()
	if err := scanTable(in, opts, onRow); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
