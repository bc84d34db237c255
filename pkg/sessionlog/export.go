package sessionlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// maxLine bounds a single JSON Lines record.
const maxLine = 4 << 20

// Export writes every turn as one JSON object per line.
func (l *Log) Export(w io.Writer) error {
	return WriteTurns(w, l.Turns())
}

// WriteTurns writes turns as JSON Lines.
func WriteTurns(w io.Writer, turns []Turn) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, t := range turns {
		if err := enc.Encode(t); err != nil {
			return fmt.Errorf("sessionlog: export turn %d: %w", t.Seq, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("sessionlog: export: %w", err)
	}
	return nil
}

// Import reads turns written by [Log.Export]. Blank lines are skipped.
// Sequence numbers must be strictly increasing.
func Import(r io.Reader) ([]Turn, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	var (
		turns []Turn
		line  int
	)
	for sc.Scan() {
		line++
		data := sc.Bytes()
		if len(data) == 0 {
			continue
		}
		var t Turn
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("sessionlog: import line %d: %w", line, err)
		}
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("sessionlog: import line %d: %w", line, err)
		}
		if n := len(turns); n > 0 && t.Seq <= turns[n-1].Seq {
			return nil, fmt.Errorf("sessionlog: import line %d: sequence %d after %d", line, t.Seq, turns[n-1].Seq)
		}
		turns = append(turns, t)
	}
	if err := sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, fmt.Errorf("sessionlog: import line %d: record exceeds %d bytes", line+1, maxLine)
		}
		return nil, fmt.Errorf("sessionlog: import: %w", err)
	}
	return turns, nil
}
