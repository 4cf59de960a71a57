package cmd

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode"
)

type fastaRecord struct {
	header string
	seq    []byte
}

// fastaStore maps identifiers to sequences. Identifiers are unique; a repeated
// identifier keeps its first position and takes the last sequence.
type fastaStore struct {
	ids  []string
	seqs map[string]string
}

func newFastaStore() *fastaStore {
	return &fastaStore{seqs: make(map[string]string)}
}

func (s *fastaStore) set(id, seq string) {
	if _, ok := s.seqs[id]; !ok {
		s.ids = append(s.ids, id)
	}
	s.seqs[id] = seq
}

func (s *fastaStore) get(id string) (string, bool) {
	seq, ok := s.seqs[id]
	return seq, ok
}

func (s *fastaStore) len() int {
	return len(s.ids)
}

// each visits records in insertion order.
func (s *fastaStore) each(fn func(id, seq string) error) error {
	for _, id := range s.ids {
		if err := fn(id, s.seqs[id]); err != nil {
			return err
		}
	}
	return nil
}

func parseFasta(r io.Reader, onRecord func(fastaRecord) error) error {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 256*1024*1024)

	var header string
	var inRecord bool
	var seq bytes.Buffer
	emit := func() error {
		if !inRecord {
			return nil
		}
		rec := fastaRecord{
			header: header,
			seq:    append([]byte(nil), seq.Bytes()...),
		}
		seq.Reset()
		inRecord = false
		return onRecord(rec)
	}

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, ">") {
			if err := emit(); err != nil {
				return err
			}
			header = strings.TrimSpace(line[1:])
			inRecord = true
			continue
		}
		if !inRecord {
			continue
		}
		seq.WriteString(strings.TrimSpace(line))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan fasta: %w", err)
	}
	return emit()
}

func readFastaStore(path string) (*fastaStore, error) {
	in, err := openInput(path, 0)
	if err != nil {
		return nil, fmt.Errorf("open fasta: %w", err)
	}
	defer func() {
		_ = in.Close()
	}()

	store := newFastaStore()
	err = parseFasta(in, func(rec fastaRecord) error {
		store.set(rec.header, string(rec.seq))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return store, nil
}

func writeFastaRecords(w io.Writer, store *fastaStore) error {
	return store.each(func(id, seq string) error {
		if _, err := io.WriteString(w, ">"+id+"\n"); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		if _, err := io.WriteString(w, seq+"\n"); err != nil {
			return fmt.Errorf("write seq: %w", err)
		}
		return nil
	})
}

func writeFastaStore(path string, store *fastaStore, threads int) error {
	out, err := createOutput(path, threads)
	if err != nil {
		return err
	}
	if err := writeFastaRecords(out, store); err != nil {
		_ = out.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// sanitizeHeader replaces characters that break downstream tools with '_'.
func sanitizeHeader(name string) string {
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, c := range name {
		if unicode.IsSpace(c) || strings.ContainsRune(";:,=/()", c) {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}
