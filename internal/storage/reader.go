// internal/storage/reader.go
package storage

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"sensor-reader/internal/model"
)

// ParseRecord parses one log line produced by FormatRecord
func ParseRecord(line string) (model.SampleRecord, error) {
	line = strings.TrimSpace(line)
	ts, reading, ok := strings.Cut(line, ",")
	if !ok {
		return model.SampleRecord{}, fmt.Errorf("missing separator in %q", line)
	}

	secStr, fracStr, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return model.SampleRecord{}, fmt.Errorf("invalid timestamp %q: %w", ts, err)
	}

	var nanos int64
	if fracStr != "" {
		if len(fracStr) > 9 {
			fracStr = fracStr[:9]
		}
		frac, err := strconv.ParseInt(fracStr, 10, 64)
		if err != nil {
			return model.SampleRecord{}, fmt.Errorf("invalid timestamp %q: %w", ts, err)
		}
		for i := len(fracStr); i < 9; i++ {
			frac *= 10
		}
		nanos = frac
	}

	value, err := strconv.ParseInt(reading, 10, 64)
	if err != nil {
		return model.SampleRecord{}, fmt.Errorf("invalid reading %q: %w", reading, err)
	}

	return model.SampleRecord{
		Timestamp: time.Unix(sec, nanos),
		Reading:   value,
	}, nil
}

// LineError reports a log line that could not be parsed
type LineError struct {
	Line int
	Err  error
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e LineError) Unwrap() error {
	return e.Err
}

// ReadAll reads every record in the log at path. Lines that fail to parse,
// such as a record torn by a crash, are skipped and returned in skipped;
// err is reserved for failures to open or read the file.
func ReadAll(path string) (records []model.SampleRecord, skipped []LineError, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sample log: %w", err)
	}
	defer f.Close()

	return readRecords(f)
}

// Tail returns the last n records of the log at path along with every
// skipped line
func Tail(path string, n int) ([]model.SampleRecord, []LineError, error) {
	records, skipped, err := ReadAll(path)
	if err != nil {
		return nil, skipped, err
	}
	if n > 0 && len(records) > n {
		records = records[len(records)-n:]
	}
	return records, skipped, nil
}

func readRecords(r io.Reader) ([]model.SampleRecord, []LineError, error) {
	var (
		records []model.SampleRecord
		skipped []LineError
	)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, err := ParseRecord(line)
		if err != nil {
			skipped = append(skipped, LineError{Line: lineNo, Err: err})
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, skipped, fmt.Errorf("failed to read sample log: %w", err)
	}
	return records, skipped, nil
}
