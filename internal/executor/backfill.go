package executor

import (
	"encoding/json"
	"time"
)

// trimKlineWindow drops kline rows outside the inclusive [startDate,
// endDate] UTC day window. Rows are the Xueqiu "item" arrays whose
// timestamp column holds epoch milliseconds; the column index comes from
// the sibling "column" list when present, else column 0 is assumed.
// Data that does not look like a kline payload passes through untouched.
func trimKlineWindow(data json.RawMessage, startDate, endDate string) (json.RawMessage, int, bool) {
	start, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		return data, 0, false
	}
	end, err := time.Parse("2006-01-02", endDate)
	if err != nil {
		return data, 0, false
	}
	lo := start.UnixMilli()
	hi := end.Add(24*time.Hour - time.Millisecond).UnixMilli()

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return data, 0, false
	}
	rawItems, ok := fields["item"]
	if !ok {
		return data, 0, false
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(rawItems, &rows); err != nil {
		return data, 0, false
	}

	tsCol := timestampColumn(fields["column"])

	kept := make([]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		var cols []json.RawMessage
		if err := json.Unmarshal(row, &cols); err != nil || tsCol >= len(cols) {
			continue
		}
		var ts int64
		if err := json.Unmarshal(cols[tsCol], &ts); err != nil {
			continue
		}
		if ts >= lo && ts <= hi {
			kept = append(kept, row)
		}
	}

	trimmed, err := json.Marshal(kept)
	if err != nil {
		return data, 0, false
	}
	fields["item"] = trimmed
	out, err := json.Marshal(fields)
	if err != nil {
		return data, 0, false
	}
	return out, len(kept), true
}

func timestampColumn(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var cols []string
	if err := json.Unmarshal(raw, &cols); err != nil {
		return 0
	}
	for i, name := range cols {
		if name == "timestamp" {
			return i
		}
	}
	return 0
}
