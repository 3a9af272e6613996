// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import "time"

// Key-scheme helpers. Every component that touches the job and result
// tables builds keys through these, so the layout lives in one place.

const (
	// AnalysisSortPrefix prefixes analysis-row sort keys within a user
	// partition.
	AnalysisSortPrefix = "ANALYSIS#"

	// JobSortPrefix prefixes job-index sort keys within a user partition.
	JobSortPrefix = "JOB#"

	// SortTimeFormat is the fixed-width timestamp embedded in sort keys.
	// Like the audit key format, fixed width keeps lexicographic order
	// equal to time order.
	SortTimeFormat = "2006-01-02T15:04:05.000000000Z"
)

// JobKey addresses the primary job record, keyed by processing id alone
// so workers can load it straight from a queue message.
func JobKey(processingID string) Key {
	return Key{Partition: processingID}
}

// JobIndexKey addresses the user-partitioned job index entry used for
// list filtering; newest jobs sort last (read descending).
func JobIndexKey(userID, processingID string, created time.Time) Key {
	return Key{
		Partition: userID,
		Sort:      JobSortPrefix + created.UTC().Format(SortTimeFormat) + keySeparator + processingID,
	}
}

// AnalysisKey addresses one analysis row within a user partition.
func AnalysisKey(userID string, ts time.Time) Key {
	return Key{
		Partition: userID,
		Sort:      AnalysisSortPrefix + ts.UTC().Format(SortTimeFormat),
	}
}

// MetricRecordKey addresses one denormalized metric record; the sort
// key leads with the metric's event time so time-range scans are
// contiguous, with the metric id as tiebreaker.
func MetricRecordKey(userID, metricID string, at time.Time) Key {
	return Key{
		Partition: userID,
		Sort:      at.UTC().Format(SortTimeFormat) + keySeparator + metricID,
	}
}
