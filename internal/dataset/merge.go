// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

package dataset

import (
	"strings"

	"github.com/goccy/go-json"

	"github.com/tomtom215/dashsync/internal/logging"
)

// identityFields identify a row that has no "id" field.
var identityFields = []string{"timestamp", "amount", "owner"}

// MergeRows unions JSON array payloads, keeping the first occurrence of each
// row identity. Rows are identified by their "id" field when present and by
// timestamp, amount and owner otherwise. Payloads that are not arrays of
// objects are skipped.
func MergeRows(payloads ...json.RawMessage) (json.RawMessage, int) {
	seen := make(map[string]bool)
	merged := make([]json.RawMessage, 0)

	for _, p := range payloads {
		var rows []json.RawMessage
		if err := json.Unmarshal(p, &rows); err != nil {
			logging.Warn().Err(err).Msg("skipping non-array payload in composite merge")
			continue
		}
		for _, row := range rows {
			id, ok := rowIdentity(row)
			if !ok {
				continue
			}
			if seen[id] {
				continue
			}
			seen[id] = true
			merged = append(merged, row)
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return emptyPayload, 0
	}
	return out, len(merged)
}

func rowIdentity(row json.RawMessage) (string, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(row, &fields); err != nil {
		return "", false
	}
	if id, ok := fields["id"]; ok && string(id) != "null" {
		return "id:" + string(id), true
	}

	var b strings.Builder
	b.WriteString("row")
	for _, f := range identityFields {
		b.WriteByte('|')
		b.Write(fields[f])
	}
	return b.String(), true
}
