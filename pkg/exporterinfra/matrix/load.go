// Copyright 2024, Pulumi Corporation.  All rights reserved.

package matrix

import (
	"bytes"
	"io"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// LoadFile reads a matrix from path on fs.
func LoadFile(fs afero.Fs, path string) (*Matrix, error) {
	source, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading matrix %s", path)
	}
	return LoadBytes(filepath.Base(path), source)
}

// LoadBytes decodes a matrix from YAML. Unknown fields are rejected. Each task remembers where it
// was declared so that validation can point at it.
func LoadBytes(filename string, source []byte) (*Matrix, error) {
	var m Matrix
	dec := yaml.NewDecoder(bytes.NewReader(source))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		if err == io.EOF {
			return nil, errors.Errorf("matrix %s is empty", filename)
		}
		return nil, errors.Wrapf(err, "decoding matrix %s", filename)
	}
	m.Filename = filename
	m.Source = source

	var doc yaml.Node
	if err := yaml.Unmarshal(source, &doc); err != nil {
		return nil, errors.Wrapf(err, "decoding matrix %s", filename)
	}
	lines := lineOffsets(source)
	if tasks := mappingValue(documentRoot(&doc), "tasks"); tasks != nil && tasks.Kind == yaml.SequenceNode {
		for i, item := range tasks.Content {
			if i < len(m.Tasks) {
				m.Tasks[i].Range = nodeRange(filename, lines, item)
			}
		}
	}
	return &m, nil
}

func documentRoot(n *yaml.Node) *yaml.Node {
	if n.Kind == yaml.DocumentNode && len(n.Content) > 0 {
		return n.Content[0]
	}
	return n
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

// lineOffsets returns the byte offset at which each line of source starts.
func lineOffsets(source []byte) []int {
	offsets := []int{0}
	for i, c := range source {
		if c == '\n' {
			offsets = append(offsets, i+1)
		}
	}
	return offsets
}

func position(lines []int, line, column int) hcl.Pos {
	pos := hcl.Pos{Line: line, Column: column}
	if line >= 1 && line <= len(lines) {
		pos.Byte = lines[line-1] + column - 1
	}
	return pos
}

// nodeRange covers the node up to the end of its first value; yaml.v3 does not record where a
// node ends.
func nodeRange(filename string, lines []int, n *yaml.Node) *hcl.Range {
	start := position(lines, n.Line, n.Column)
	end := start
	if n.Kind == yaml.MappingNode && len(n.Content) > 1 {
		last := n.Content[1]
		end = position(lines, last.Line, last.Column+len(last.Value))
	}
	return &hcl.Range{Filename: filename, Start: start, End: end}
}
