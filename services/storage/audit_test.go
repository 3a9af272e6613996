// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"testing"
	"time"
)

func TestAuditLog_EmitAssignsIdentity(t *testing.T) {
	db := testDB(t)
	audit := NewAuditLog(db, nil)
	ctx := context.Background()

	audit.Emit(ctx, AuditEvent{
		Operation: OpPipelineStarted,
		Table:     TableProcessingJobs,
		ItemID:    "job-1",
		UserID:    "user-1",
		Metadata:  map[string]any{"total_metrics": 100},
	})

	events, err := audit.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d", len(events))
	}
	e := events[0]
	if e.AuditID == "" {
		t.Error("AuditID should be assigned on emit")
	}
	if e.Timestamp.IsZero() {
		t.Error("Timestamp should be assigned on emit")
	}
	if e.Operation != OpPipelineStarted || e.ItemID != "job-1" {
		t.Errorf("unexpected event: %+v", e)
	}
}

func TestAuditLog_ListOrderedOldestFirst(t *testing.T) {
	db := testDB(t)
	audit := NewAuditLog(db, nil)
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	seq := 0
	audit.now = func() time.Time {
		seq++
		return base.Add(time.Duration(seq) * time.Millisecond)
	}

	for _, op := range []AuditOperation{OpCreate, OpUpdate, OpDelete} {
		audit.Emit(ctx, AuditEvent{Operation: op, Table: TableHealthData})
	}

	events, err := audit.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []AuditOperation{OpCreate, OpUpdate, OpDelete}
	for i, op := range want {
		if events[i].Operation != op {
			t.Errorf("events[%d] = %s, want %s", i, events[i].Operation, op)
		}
	}
}

func TestAuditLog_PruneRespectsCutoff(t *testing.T) {
	db := testDB(t)
	audit := NewAuditLog(db, nil)
	ctx := context.Background()

	old := time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	audit.now = func() time.Time { return old }
	audit.Emit(ctx, AuditEvent{Operation: OpCreate, Table: TableHealthData})
	audit.Emit(ctx, AuditEvent{Operation: OpUpdate, Table: TableHealthData})

	audit.now = func() time.Time { return recent }
	audit.Emit(ctx, AuditEvent{Operation: OpDelete, Table: TableHealthData})

	removed, err := audit.Prune(ctx, recent.Add(-AuditRetention).Add(AuditRetention-time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	events, err := audit.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 1 || events[0].Operation != OpDelete {
		t.Errorf("surviving events = %+v", events)
	}
}
