// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"testing"
	"time"

	"github.com/AleutianAI/AleutianHealth/services/healthdata/datatypes"
)

func TestOrganize_EveryMetricLandsInExactlyOneBucket(t *testing.T) {
	unknown := &datatypes.HealthMetric{
		MetricID:   datatypes.NewMetricID(),
		MetricType: "galvanic_skin_response",
		CreatedAt:  t0,
	}
	metrics := []*datatypes.HealthMetric{
		hrMetric(t0, 60),
		hrvMetric(t0, 40),
		rrMetric(t0, 14),
		spo2Metric(t0, 97),
		stepMetric(t0, 100),
		activityLevelMetric(t0, 3.5),
		summaryMetric(t0, 420, 0.9),
		unknown,
	}

	b := Organize(metrics)

	total := 0
	for _, m := range append(ModalityOrder, ModalityOther) {
		total += len(b.Bucket(m))
	}
	if total != len(metrics) {
		t.Fatalf("buckets hold %d metrics, want %d", total, len(metrics))
	}
	if len(b.Cardio) != 2 || len(b.Respiratory) != 2 || len(b.Activity) != 2 || len(b.Sleep) != 1 {
		t.Errorf("bucket sizes = %v", b.Counts())
	}
	if len(b.Other) != 1 || b.Other[0] != unknown {
		t.Errorf("unknown type should route to other, got %v", b.Other)
	}
}

func TestOrganize_PreservesInputOrderWithinBucket(t *testing.T) {
	first := hrMetric(t0.Add(time.Hour), 80) // later timestamp, earlier in input
	second := hrMetric(t0, 60)
	b := Organize([]*datatypes.HealthMetric{first, second})
	if b.Cardio[0] != first || b.Cardio[1] != second {
		t.Error("bucket should preserve input order, not re-sort by time")
	}
}

func TestCounts_IncludesAllModalities(t *testing.T) {
	counts := Organize(nil).Counts()
	for _, m := range append(ModalityOrder, ModalityOther) {
		if _, ok := counts[string(m)]; !ok {
			t.Errorf("counts missing %s", m)
		}
	}
}
