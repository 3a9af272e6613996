// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"strings"
	"testing"
)

func TestCodec_DecimalSurvivesRoundTrips(t *testing.T) {
	item := Item{
		"rate":   0.1,
		"counts": []float64{0.3, 60.0},
		"deep":   map[string]any{"ratio": 1.0 / 3.0},
	}

	// Three round trips must be byte-stable after the first.
	var prev []byte
	for i := 0; i < 3; i++ {
		data, err := encodeItem(item)
		if err != nil {
			t.Fatalf("encode pass %d: %v", i, err)
		}
		if prev != nil && string(data) != string(prev) {
			t.Fatalf("pass %d drifted:\n%s\nvs\n%s", i, data, prev)
		}
		prev = data
		item, err = decodeItem(data)
		if err != nil {
			t.Fatalf("decode pass %d: %v", i, err)
		}
	}

	if item["rate"] != 0.1 {
		t.Errorf("rate = %v", item["rate"])
	}
	if !strings.Contains(string(prev), `"rate":"0.1"`) && !strings.Contains(string(prev), `"rate":0.1`) {
		t.Errorf("on-disk form should carry decimal 0.1, got %s", prev)
	}
}

func TestCodec_IntegersComeBackAsInt64(t *testing.T) {
	data, err := encodeItem(Item{"total_metrics": 250})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeItem(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["total_metrics"] != int64(250) {
		t.Errorf("total_metrics = %v (%T), want int64", got["total_metrics"], got["total_metrics"])
	}
}

func TestStructToItem_ItemToStruct(t *testing.T) {
	type row struct {
		UserID string  `json:"user_id"`
		Score  float64 `json:"score"`
	}
	item, err := StructToItem(row{UserID: "u1", Score: 0.87})
	if err != nil {
		t.Fatalf("StructToItem: %v", err)
	}
	if item["user_id"] != "u1" || item["score"] != 0.87 {
		t.Errorf("item = %v", item)
	}

	var out row
	if err := ItemToStruct(item, &out); err != nil {
		t.Fatalf("ItemToStruct: %v", err)
	}
	if out.Score != 0.87 {
		t.Errorf("Score = %v", out.Score)
	}
}
