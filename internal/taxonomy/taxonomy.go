// SPDX-License-Identifier: MIT

// Package taxonomy loads the fixed class taxonomy consumed by the scoring
// pipeline: an ordered list of 521 "group.class" descriptors, indexed the
// same way the inference engine's output score vector is indexed.
package taxonomy

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ClassCount is the number of classes the acoustic model is contractually
// expected to produce one score per.
const ClassCount = 521

// Class describes one entry in the taxonomy.
type Class struct {
	Index int    // position in the score vector
	Name  string // "group.class", e.g. "dog.bark"
	Group string // prefix up to the first '.'
}

// Taxonomy is the immutable, process-global class table.
type Taxonomy struct {
	classes []Class
}

// Load reads a taxonomy CSV with header "index,name" where name is
// "group.class". The file must contain exactly ClassCount rows and rows
// must appear in index order; both are contract violations the inference
// engine's fixed input/output shape depends on.
func Load(path string) (*Taxonomy, error) {
	// #nosec G304 -- path is from administrator-controlled configuration
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("taxonomy: open %s: %w", path, err)
	}
	defer f.Close()

	t, err := parse(f)
	if err != nil {
		return nil, fmt.Errorf("taxonomy: %s: %w", path, err)
	}
	return t, nil
}

// LoadFromReader parses a taxonomy CSV from an already-open reader; used by
// other packages' tests to build fixture taxonomies without a file on disk.
func LoadFromReader(r io.Reader) (*Taxonomy, error) {
	return parse(r)
}

func parse(r io.Reader) (*Taxonomy, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 2

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if len(header) != 2 || header[0] != "index" || header[1] != "name" {
		return nil, fmt.Errorf("unexpected header %v, want [index name]", header)
	}

	classes := make([]Class, 0, ClassCount)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading row %d: %w", len(classes), err)
		}
		idx, err := strconv.Atoi(rec[0])
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid index %q: %w", len(classes), rec[0], err)
		}
		if idx != len(classes) {
			return nil, fmt.Errorf("row %d: out-of-order index %d", len(classes), idx)
		}
		name := rec[1]
		group := name
		if i := strings.IndexByte(name, '.'); i >= 0 {
			group = name[:i]
		}
		classes = append(classes, Class{Index: idx, Name: name, Group: group})
	}

	if len(classes) != ClassCount {
		return nil, fmt.Errorf("expected %d classes, got %d", ClassCount, len(classes))
	}

	return &Taxonomy{classes: classes}, nil
}

// Len returns the number of classes (always ClassCount for a loaded taxonomy).
func (t *Taxonomy) Len() int {
	return len(t.classes)
}

// Class returns the descriptor for a given score-vector index.
func (t *Taxonomy) Class(index int) (Class, error) {
	if index < 0 || index >= len(t.classes) {
		return Class{}, fmt.Errorf("taxonomy: index %d out of range [0,%d)", index, len(t.classes))
	}
	return t.classes[index], nil
}

// Group returns the group prefix for a class name ("dog.bark" -> "dog").
func Group(className string) string {
	if i := strings.IndexByte(className, '.'); i >= 0 {
		return className[:i]
	}
	return className
}
