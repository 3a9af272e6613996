// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Decimal codec for the store boundary.
//
// Floating-point values are converted to decimal strings before they hit
// disk and back to float64 on read, so a value survives any number of
// store round-trips without binary drift. Conversion recurses into nested
// maps and lists.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Item is one structured-store row: a flat or nested attribute map.
type Item = map[string]any

// encodeItem serializes an item to its on-disk JSON form. Floats are
// rendered with strconv shortest-round-trip formatting inside
// json.Number, not binary float64 JSON, so 0.1 stays "0.1".
func encodeItem(item Item) ([]byte, error) {
	converted := toDecimal(item)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(converted); err != nil {
		return nil, fmt.Errorf("encode item: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeItem deserializes an on-disk row. Numbers decode via json.Number
// and convert back to float64 (ints to int64 where exact).
func decodeItem(data []byte) (Item, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}
	return fromDecimal(raw).(map[string]any), nil
}

// toDecimal walks the value tree replacing float64 with json.Number.
func toDecimal(v any) any {
	switch x := v.(type) {
	case float64:
		return json.Number(strconv.FormatFloat(x, 'f', -1, 64))
	case float32:
		return json.Number(strconv.FormatFloat(float64(x), 'f', -1, 32))
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = toDecimal(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = toDecimal(val)
		}
		return out
	case []float64:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = json.Number(strconv.FormatFloat(val, 'f', -1, 64))
		}
		return out
	default:
		return v
	}
}

// fromDecimal walks the decoded tree converting json.Number back to
// native numerics. Integral numbers that fit int64 come back as int64;
// everything else as float64.
func fromDecimal(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = fromDecimal(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = fromDecimal(val)
		}
		return out
	default:
		return v
	}
}

// StructToItem converts any JSON-serializable struct into a store Item.
// The struct's json tags determine attribute names.
func StructToItem(v any) (Item, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal struct: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var item map[string]any
	if err := dec.Decode(&item); err != nil {
		return nil, fmt.Errorf("decode struct item: %w", err)
	}
	return fromDecimal(item).(map[string]any), nil
}

// ItemToStruct converts a store Item back into a typed struct.
func ItemToStruct(item Item, out any) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal into %T: %w", out, err)
	}
	return nil
}
