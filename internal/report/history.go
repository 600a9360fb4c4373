package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Record is one row of the training history.
type Record struct {
	Iteration int
	Loss      float64
	Duration  time.Duration
}

var header = []string{"iteration", "loss", "duration_seconds"}

// History appends training progress to a CSV file.
type History struct {
	Filename string
	Append   bool

	file    *os.File
	writer  *csv.Writer
	records []Record
}

// NewHistory creates a history writing to filename. With append set, rows
// are added after the existing ones.
func NewHistory(filename string, append bool) *History {
	return &History{Filename: filename, Append: append}
}

// Open creates or opens the file and writes the header when the file is new
// or truncated.
func (h *History) Open() error {
	mode := os.O_CREATE | os.O_WRONLY
	if h.Append {
		mode |= os.O_APPEND
	} else {
		mode |= os.O_TRUNC
	}

	file, err := os.OpenFile(h.Filename, mode, 0644)
	if err != nil {
		return errors.Wrapf(err, "failed to open history %s", h.Filename)
	}
	h.file = file
	h.writer = csv.NewWriter(file)

	info, err := file.Stat()
	if err == nil && (info.Size() == 0 || !h.Append) {
		if err := h.writer.Write(header); err != nil {
			return errors.Wrap(err, "failed to write history header")
		}
		h.writer.Flush()
	}
	return errors.Wrap(h.writer.Error(), "failed to write history header")
}

// Record writes one row and flushes it.
func (h *History) Record(r Record) error {
	if h.writer == nil {
		return errors.New("history is not open")
	}
	row := []string{
		strconv.Itoa(r.Iteration),
		fmt.Sprintf("%.6f", r.Loss),
		fmt.Sprintf("%.3f", r.Duration.Seconds()),
	}
	if err := h.writer.Write(row); err != nil {
		return errors.Wrap(err, "failed to write history record")
	}
	h.writer.Flush()
	if err := h.writer.Error(); err != nil {
		return errors.Wrap(err, "failed to write history record")
	}
	h.records = append(h.records, r)
	return nil
}

// Records returns the rows written since Open.
func (h *History) Records() []Record { return append([]Record(nil), h.records...) }

// Close flushes and closes the file.
func (h *History) Close() error {
	if h.file == nil {
		return nil
	}
	h.writer.Flush()
	err := h.file.Close()
	h.file = nil
	h.writer = nil
	return errors.Wrap(err, "failed to close history")
}

// ReadHistory parses a history file written by History.
func ReadHistory(filename string) ([]Record, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open history %s", filename)
	}
	defer file.Close()
	return parseHistory(file)
}

func parseHistory(r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(header)
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read history")
	}

	var records []Record
	for i, row := range rows {
		if row[0] == header[0] {
			continue
		}
		iteration, err := strconv.Atoi(row[0])
		if err != nil {
			return nil, errors.Wrapf(err, "history row %d", i+1)
		}
		loss, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "history row %d", i+1)
		}
		seconds, err := strconv.ParseFloat(row[2], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "history row %d", i+1)
		}
		records = append(records, Record{
			Iteration: iteration,
			Loss:      loss,
			Duration:  time.Duration(seconds * float64(time.Second)),
		})
	}
	return records, nil
}
