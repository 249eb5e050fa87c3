package ingest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// DecodeArray reads a JSON array and returns its elements undecoded so that a
// single bad element cannot fail the whole document.
func DecodeArray(r io.Reader) ([]json.RawMessage, error) {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, ErrNotArray
	}

	raws := make([]json.RawMessage, 0)
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("failed to decode element %d: %w", len(raws), err)
		}
		raws = append(raws, raw)
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("failed to read end of array: %w", err)
	}

	return raws, nil
}

// DecodeFile opens path and decodes it with DecodeArray.
func DecodeFile(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	return DecodeArray(f)
}
