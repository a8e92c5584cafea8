package gateway

import (
	"github.com/srg/oxibridge/internal/channel"
	"github.com/srg/oxibridge/internal/sdk"
)

// HistoryItem is one entry of a getMeasurementHistory reply.
type HistoryItem struct {
	Value     int   `json:"value"`
	Timestamp int64 `json:"timestamp"`
}

// historyPayload converts raw SDK records. Non-integer values become 0.
func historyPayload(records []sdk.Record) map[string]any {
	items := make([]HistoryItem, 0, len(records))
	for _, rec := range records {
		var item HistoryItem
		if v, ok := channel.ToInt64(rec[sdk.KeyBloodOxygenValue]); ok {
			item.Value = int(v)
		}
		if ts, ok := channel.ToInt64(rec[sdk.KeyMeasurementDate]); ok {
			item.Timestamp = ts
		}
		items = append(items, item)
	}
	return map[string]any{"history": items}
}
