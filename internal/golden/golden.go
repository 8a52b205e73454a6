// Package golden compares register traces against gzip compressed
// CBOR golden files.
package golden

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
	"sdhci.dev/driver/sdhci"
)

// CompareTrace compares trace with the golden file at path, or
// replaces the file with trace if update is set.
func CompareTrace(path string, update bool, trace []sdhci.Access) error {
	if update {
		enc, err := cbor.CoreDetEncOptions().EncMode()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		b, err := enc.Marshal(trace)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		buf := new(bytes.Buffer)
		w, err := gzip.NewWriterLevel(buf, gzip.BestCompression)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		w.Write(b)
		if err := w.Close(); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		return os.WriteFile(path, buf.Bytes(), 0o640)
	}
	golden, err := ReadTrace(path)
	if err != nil {
		return err
	}
	mismatches := 0
	first := -1
	for i := 0; i < min(len(trace), len(golden)); i++ {
		if trace[i] != golden[i] {
			if first == -1 {
				first = i
			}
			mismatches++
		}
	}
	if mismatches > 0 || len(trace) != len(golden) {
		err := fmt.Errorf("trace lengths %d, %d, with %d/%d access mismatches", len(trace), len(golden), mismatches, len(golden))
		if first != -1 {
			err = fmt.Errorf("%w; first at %d: %s, want %s", err, first, format(trace[first]), format(golden[first]))
		}
		return err
	}
	return nil
}

// ReadTrace decodes the golden file at path.
func ReadTrace(path string) ([]sdhci.Access, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	dec, err := cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var trace []sdhci.Access
	if err := dec.Unmarshal(b, &trace); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return trace, nil
}

func format(a sdhci.Access) string {
	op := "read"
	if a.Write {
		op = "write"
	}
	return fmt.Sprintf("%s%d %#02x = %#x", op, a.Size*8, a.Off, a.Val)
}
