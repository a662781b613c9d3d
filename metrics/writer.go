package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"openbt/communication"
)

// Writer streams one CSV row per sweep.
type Writer struct {
	csv    *csv.Writer
	closer io.Closer
}

// NewWriter creates path, including missing parent directories, and writes the header.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweep records file: %w", err)
	}
	w, err := NewStreamWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// NewStreamWriter writes records to out, starting with the header.
func NewStreamWriter(out io.Writer) (*Writer, error) {
	w := &Writer{csv: csv.NewWriter(out)}
	header := []string{"sweep", "duration", "sse", "rows", "depth_avg", "depth_min", "depth_max"}
	for _, kind := range communication.Moves {
		header = append(header, kind.String()+"_proposed", kind.String()+"_accepted")
	}
	if err := w.csv.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write sweep records header: %w", err)
	}
	return w, nil
}

func (w *Writer) Write(record SweepMetric) error {
	row := []string{
		strconv.Itoa(record.Sweep),
		record.Duration.String(),
		strconv.FormatFloat(record.SSE, 'g', -1, 64),
		strconv.Itoa(record.Rows),
		strconv.FormatFloat(record.DepthAvg, 'g', -1, 64),
		strconv.Itoa(record.DepthMin),
		strconv.Itoa(record.DepthMax),
	}
	for _, kind := range communication.Moves {
		row = append(row, strconv.Itoa(record.Moves[kind].Proposed), strconv.Itoa(record.Moves[kind].Accepted))
	}
	if err := w.csv.Write(row); err != nil {
		return fmt.Errorf("failed to write sweep record row: %w", err)
	}
	w.csv.Flush()
	return w.csv.Error()
}

func (w *Writer) Close() error {
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return err
	}
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}
