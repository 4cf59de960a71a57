package cmd

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/klauspost/pgzip"
)

const writerBufferSize = 1 << 20

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// trimFastaExt strips .gz and one FASTA-like extension from a file name.
func trimFastaExt(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, ".gz")
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func countLines(path string) (int, error) {
	in, err := openInput(path, 0)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = in.Close()
	}()

	buf := make([]byte, 1024*1024)
	var count int
	var lastByte byte
	for {
		n, err := in.Read(buf)
		if n > 0 {
			count += bytes.Count(buf[:n], []byte{'\n'})
			lastByte = buf[n-1]
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	if lastByte != '\n' && lastByte != 0 {
		count++
	}
	return count, nil
}

// readLines returns the non-blank, trimmed lines of a small list file.
func readLines(path string) ([]string, error) {
	in, err := openInput(path, 0)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = in.Close()
	}()

	var out []string
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return out, nil
}

type readCloser struct {
	reader io.Reader
	close  func() error
}

func (r readCloser) Read(p []byte) (int, error) {
	return r.reader.Read(p)
}

func (r readCloser) Close() error {
	return r.close()
}

// openInput opens path, gunzipping .gz files with up to threads decompression
// blocks in flight (<=0 keeps the pgzip default).
func openInput(path string, threads int) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(path, ".gz") {
		gz, err := newGzipReader(f, threads)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		return readCloser{
			reader: gz,
			close: func() error {
				_ = gz.Close()
				return f.Close()
			},
		}, nil
	}
	return f, nil
}

func newGzipReader(r io.Reader, threads int) (*pgzip.Reader, error) {
	if threads <= 0 {
		return pgzip.NewReader(r)
	}
	return pgzip.NewReaderN(r, 1<<20, threads)
}

// outputFile is a buffered, optionally gzip-compressed destination. Close
// flushes every layer and reports the first failure.
type outputFile struct {
	file *os.File
	buf  *bufio.Writer
	gz   *pgzip.Writer
}

func createOutput(path string, threads int) (*outputFile, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	out := &outputFile{file: f}
	if !strings.HasSuffix(path, ".gz") {
		out.buf = bufio.NewWriterSize(f, writerBufferSize)
		return out, nil
	}
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	gz, err := pgzip.NewWriterLevel(f, pgzip.DefaultCompression)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("create gzip writer: %w", err)
	}
	if err := gz.SetConcurrency(1<<20, threads); err != nil {
		_ = gz.Close()
		_ = f.Close()
		return nil, fmt.Errorf("set gzip concurrency: %w", err)
	}
	out.gz = gz
	out.buf = bufio.NewWriterSize(gz, writerBufferSize)
	return out, nil
}

func (o *outputFile) Write(p []byte) (int, error) {
	return o.buf.Write(p)
}

func (o *outputFile) WriteString(s string) (int, error) {
	return o.buf.WriteString(s)
}

func (o *outputFile) Close() error {
	err := o.buf.Flush()
	if o.gz != nil {
		if cerr := o.gz.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := o.file.Close(); err == nil {
		err = cerr
	}
	return err
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
