// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
)

// Weight container format (.aleuth5): a flat export of the upstream
// nested-group weight file. Tensor names keep the upstream group paths
// (e.g. "encoder_layer_1_transformer/encoder_layer_1_attention/query/kernel:0").
//
// Layout, all little-endian:
//
//	magic    [8]byte  "ALEUH5\x00\x01"
//	count    uint32
//	repeat count times:
//	  nameLen uint16
//	  name    [nameLen]byte
//	  ndims   uint8
//	  dims    [ndims]uint32
//	  data    [prod(dims)]float64
var weightsMagic = [8]byte{'A', 'L', 'E', 'U', 'H', '5', 0x00, 0x01}

// maxTensorElems bounds a single tensor read so a corrupt header cannot
// trigger a huge allocation.
const maxTensorElems = 1 << 26

// Tensor is one named weight array with its upstream shape.
type Tensor struct {
	Shape []int
	Data  []float64
}

// Elems is the flattened length.
func (t *Tensor) Elems() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// ReadWeights decodes a container from r.
func ReadWeights(r io.Reader) (map[string]*Tensor, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if magic != weightsMagic {
		return nil, fmt.Errorf("not a weight container (magic %x)", magic)
	}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("read tensor count: %w", err)
	}

	tensors := make(map[string]*Tensor, count)
	for i := uint32(0); i < count; i++ {
		var nameLen uint16
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return nil, fmt.Errorf("tensor %d: read name length: %w", i, err)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, fmt.Errorf("tensor %d: read name: %w", i, err)
		}

		var ndims uint8
		if err := binary.Read(r, binary.LittleEndian, &ndims); err != nil {
			return nil, fmt.Errorf("tensor %q: read rank: %w", name, err)
		}
		shape := make([]int, ndims)
		elems := 1
		for d := range shape {
			var dim uint32
			if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
				return nil, fmt.Errorf("tensor %q: read dim %d: %w", name, d, err)
			}
			shape[d] = int(dim)
			elems *= int(dim)
		}
		if elems <= 0 || elems > maxTensorElems {
			return nil, fmt.Errorf("tensor %q: implausible element count %d", name, elems)
		}

		data := make([]float64, elems)
		if err := binary.Read(r, binary.LittleEndian, data); err != nil {
			return nil, fmt.Errorf("tensor %q: read data: %w", name, err)
		}
		for _, v := range data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("tensor %q: non-finite weight value", name)
			}
		}
		tensors[string(name)] = &Tensor{Shape: shape, Data: data}
	}
	return tensors, nil
}

// ReadWeightsFile decodes a container from disk.
func ReadWeightsFile(path string) (map[string]*Tensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read weight file: %w", err)
	}
	return ReadWeights(bytes.NewReader(data))
}

// WriteWeights encodes a container to w. Tensors are written in sorted
// name order so identical inputs produce identical bytes (digests over
// the file depend on it).
func WriteWeights(w io.Writer, tensors map[string]*Tensor) error {
	if _, err := w.Write(weightsMagic[:]); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(tensors))); err != nil {
		return fmt.Errorf("write tensor count: %w", err)
	}

	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		t := tensors[name]
		if err := binary.Write(w, binary.LittleEndian, uint16(len(name))); err != nil {
			return fmt.Errorf("tensor %q: write name length: %w", name, err)
		}
		if _, err := io.WriteString(w, name); err != nil {
			return fmt.Errorf("tensor %q: write name: %w", name, err)
		}
		if err := binary.Write(w, binary.LittleEndian, uint8(len(t.Shape))); err != nil {
			return fmt.Errorf("tensor %q: write rank: %w", name, err)
		}
		for _, d := range t.Shape {
			if err := binary.Write(w, binary.LittleEndian, uint32(d)); err != nil {
				return fmt.Errorf("tensor %q: write dim: %w", name, err)
			}
		}
		if len(t.Data) != t.Elems() {
			return fmt.Errorf("tensor %q: data length %d does not match shape %v", name, len(t.Data), t.Shape)
		}
		if err := binary.Write(w, binary.LittleEndian, t.Data); err != nil {
			return fmt.Errorf("tensor %q: write data: %w", name, err)
		}
	}
	return nil
}

// WriteWeightsFile encodes a container to disk.
func WriteWeightsFile(path string, tensors map[string]*Tensor) error {
	var buf bytes.Buffer
	if err := WriteWeights(&buf, tensors); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0640); err != nil {
		return fmt.Errorf("write weight file: %w", err)
	}
	return nil
}
