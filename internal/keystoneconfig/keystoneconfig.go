// Package keystoneconfig loads and saves a stream's four keystone corners
// to a small human-readable file (pickle_keystone.conf / pickle_keystone2.
// conf): eight whitespace-separated floats, TL/TR/BR/BL x,y pairs in order
// (spec.md §6). Adapted from the teacher's pkg/settings Load/Save-with-
// defaults shape, swapped from JSON to this spec's own wire format.
package keystoneconfig

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mjdilworth/pickle/internal/keystone"
)

// Load reads path and parses eight whitespace-separated floats into four
// corners (TL, TR, BR, BL). Returns an error satisfying os.IsNotExist when
// the file is absent, so callers can distinguish "no config yet" (bootstrap
// a default) from a genuine read/parse failure.
func Load(path string) ([4]keystone.Point, error) {
	var corners [4]keystone.Point

	f, err := os.Open(path)
	if err != nil {
		return corners, err
	}
	defer f.Close()

	var fields []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields = append(fields, strings.Fields(scanner.Text())...)
	}
	if err := scanner.Err(); err != nil {
		return corners, fmt.Errorf("keystoneconfig: reading %s: %w", path, err)
	}
	if len(fields) != 8 {
		return corners, fmt.Errorf("keystoneconfig: %s: expected 8 floats, got %d", path, len(fields))
	}

	var values [8]float32
	for i, field := range fields {
		v, err := strconv.ParseFloat(field, 32)
		if err != nil {
			return corners, fmt.Errorf("keystoneconfig: %s: parsing field %d: %w", path, i, err)
		}
		values[i] = float32(v)
	}

	for i := 0; i < 4; i++ {
		corners[i] = keystone.Point{X: values[2*i], Y: values[2*i+1]}
	}
	return corners, nil
}

// Save writes corners (TL, TR, BR, BL) to path as eight whitespace-separated
// floats, one stream's config per file.
func Save(path string, corners [4]keystone.Point) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("keystoneconfig: creating %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for i, c := range corners {
		if i > 0 {
			fmt.Fprint(w, " ")
		}
		fmt.Fprintf(w, "%g %g", c.X, c.Y)
	}
	fmt.Fprintln(w)
	return w.Flush()
}
