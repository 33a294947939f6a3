// Package latency writes the per-thread latency samples a perftest run
// collects, one integer (nanoseconds) per line, to the filename convention
// latency_output_{lookup,update}_<progname>_<tid>.
package latency

import (
	"bufio"
	"fmt"
	"os"
)

// Kind selects which of the two tracked operation classes a writer samples.
type Kind string

const (
	Lookup Kind = "lookup"
	Update Kind = "update"
)

// Writer buffers latency samples for one (kind, progname, tid) triple and
// flushes them to disk on Close.
type Writer struct {
	f *os.File
	w *bufio.Writer
}

// NewWriter creates (or truncates) latency_output_<kind>_<progname>_<tid>.
func NewWriter(kind Kind, progname string, tid int) (*Writer, error) {
	name := fmt.Sprintf("latency_output_%s_%s_%d", kind, progname, tid)
	f, err := os.Create(name)
	if err != nil {
		return nil, fmt.Errorf("creating latency output %s: %w", name, err)
	}
	return &Writer{f: f, w: bufio.NewWriter(f)}, nil
}

// Sample appends one latency measurement in nanoseconds.
func (w *Writer) Sample(nanos int64) error {
	_, err := fmt.Fprintln(w.w, nanos)
	return err
}

// Close flushes buffered samples and closes the underlying file.
func (w *Writer) Close() error {
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
