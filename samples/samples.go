// Package samples persists raw per-run samples as flat text files: one
// decimal value per line, no header.
package samples

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// IOError reports a missing or corrupt sample file. Line is 1-based and zero
// when the failure is not tied to a line.
type IOError struct {
	Path string
	Line int
	Err  error
}

func (e *IOError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("sample file %s line %d: %v", e.Path, e.Line, e.Err)
	}

	return fmt.Sprintf("sample file %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ErrBlankLine is returned for a blank line followed by more values.
var ErrBlankLine = errors.New("blank line before end of file")

// Path returns the file holding series at size: {prefix}/{series}{size}.
func Path(prefix, series string, size int) string {
	return filepath.Join(prefix, series+strconv.Itoa(size))
}

// Write encodes values one per line using the shortest representation that
// parses back to the same float64.
func Write(w io.Writer, values []float64) error {
	bw := bufio.NewWriter(w)

	for _, v := range values {
		if _, err := bw.WriteString(strconv.FormatFloat(v, 'g', -1, 64)); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}

	return bw.Flush()
}

// Save writes values to path, creating parent directories.
func Save(path string, values []float64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &IOError{Path: path, Err: err}
	}

	f, err := os.Create(path)
	if err != nil {
		return &IOError{Path: path, Err: err}
	}

	if err := Write(f, values); err != nil {
		f.Close()

		return &IOError{Path: path, Err: err}
	}

	if err := f.Close(); err != nil {
		return &IOError{Path: path, Err: err}
	}

	return nil
}

// Read decodes values from r. Trailing blank lines are ignored; name is used
// in errors.
func Read(name string, r io.Reader) ([]float64, error) {
	var (
		values []float64
		blank  int
		line   int
	)

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line++

		text := strings.TrimSpace(sc.Text())
		if text == "" {
			if blank == 0 {
				blank = line
			}

			continue
		}

		if blank > 0 {
			return nil, &IOError{Path: name, Line: blank, Err: ErrBlankLine}
		}

		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, &IOError{Path: name, Line: line, Err: err}
		}

		values = append(values, v)
	}

	if err := sc.Err(); err != nil {
		return nil, &IOError{Path: name, Err: err}
	}

	return values, nil
}

// Load reads the sample file at path.
func Load(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Path: path, Err: err}
	}
	defer f.Close()

	return Read(path, f)
}
