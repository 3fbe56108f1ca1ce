package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
)

// DefaultRowGroupSize bounds the rows buffered before a row group is flushed.
// 10k rows keeps a group comfortably under typical payload-size limits.
const DefaultRowGroupSize = 10_000

// Writer streams Records into a Parquet file, flushing a row group whenever
// rowGroupSize rows have accumulated so memory stays bounded regardless of
// how many records the source produces.
type Writer struct {
	gw        *parquet.GenericWriter[Record]
	groupSize int
	pending   int
	rows      int64
}

// NewWriter returns a Writer emitting snappy-compressed Parquet to w.
// A rowGroupSize of zero or less selects DefaultRowGroupSize.
func NewWriter(w io.Writer, rowGroupSize int) *Writer {
	if rowGroupSize <= 0 {
		rowGroupSize = DefaultRowGroupSize
	}
	gw := parquet.NewGenericWriter[Record](w,
		parquet.Compression(&parquet.Snappy),
		parquet.CreatedBy("mailvault", "1.0.0", ""),
	)
	return &Writer{gw: gw, groupSize: rowGroupSize}
}

// Write appends records, cutting row groups at the configured size.
func (w *Writer) Write(records []Record) error {
	for len(records) > 0 {
		chunk := records
		if room := w.groupSize - w.pending; len(chunk) > room {
			chunk = records[:room]
		}
		n, err := w.gw.Write(chunk)
		if err != nil {
			return fmt.Errorf("write records: %w", err)
		}
		w.pending += n
		w.rows += int64(n)
		records = records[n:]

		if w.pending >= w.groupSize {
			if err := w.gw.Flush(); err != nil {
				return fmt.Errorf("flush row group: %w", err)
			}
			w.pending = 0
		}
	}
	return nil
}

// Rows returns the number of records written so far. Callers discard the
// output when Rows is still zero at Close time.
func (w *Writer) Rows() int64 {
	return w.rows
}

// Close flushes the final row group and writes the file footer.
func (w *Writer) Close() error {
	if err := w.gw.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return nil
}

// Encode writes records as one complete in-memory file. It returns nil bytes
// and zero rows when records is empty so callers can skip the upload.
func Encode(records []Record, rowGroupSize int) ([]byte, int64, error) {
	if len(records) == 0 {
		return nil, 0, nil
	}
	var buf bytes.Buffer
	w := NewWriter(&buf, rowGroupSize)
	if err := w.Write(records); err != nil {
		return nil, 0, err
	}
	if err := w.Close(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), w.Rows(), nil
}

// Reader decodes archive files row group by row group. Damage is contained
// per group: a group that cannot be fully decoded yields zero records, and
// a file whose schema is missing a required column yields zero records for
// every group. Optional columns tolerate absence; integer widths follow the
// library's schema conversion.
type Reader struct {
	file *parquet.File
}

// OpenReader parses the file footer and schema from a complete file body.
func OpenReader(data []byte) (*Reader, error) {
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}
	return &Reader{file: f}, nil
}

// RowGroups returns the number of row groups in the file.
func (r *Reader) RowGroups() int {
	return len(r.file.RowGroups())
}

// Rows returns the total row count declared by the file metadata.
func (r *Reader) Rows() int64 {
	return r.file.NumRows()
}

func (r *Reader) hasRequiredColumns() bool {
	for _, name := range requiredColumns {
		if _, ok := r.file.Schema().Lookup(name); !ok {
			return false
		}
	}
	return true
}

// ReadRowGroup returns every record of one row group, or nil when the group
// cannot be fully decoded. Partial groups are never returned.
func (r *Reader) ReadRowGroup(index int) []Record {
	groups := r.file.RowGroups()
	if index < 0 || index >= len(groups) || !r.hasRequiredColumns() {
		return nil
	}

	rg := groups[index]
	gr := parquet.NewGenericRowGroupReader[Record](rg)
	defer gr.Close()

	out := make([]Record, 0, rg.NumRows())
	buf := make([]Record, 512)
	for {
		n, err := gr.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out
			}
			return nil
		}
	}
}

// ReadAll returns the records of every decodable row group in file order.
func (r *Reader) ReadAll() []Record {
	var out []Record
	for i := 0; i < r.RowGroups(); i++ {
		out = append(out, r.ReadRowGroup(i)...)
	}
	return out
}
