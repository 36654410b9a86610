package es

import "strconv"

// Store-owned metadata keys. Save sets them on every record; caller values
// under these keys are overwritten so provenance cannot be spoofed.
const (
	MetaAggregateType    = "aggregate-type"
	MetaAggregateID      = "aggregate-id"
	MetaAggregateVersion = "aggregate-version"
	MetaEventType        = "event-type"
)

// Metadata carries per-event provenance as string key/value pairs. It is
// serialized next to the payload with the same serializer.
type Metadata map[string]string

// stamped returns a copy of m with the store-owned keys set for a record
// of the given identity. Store keys win on collision.
func (m Metadata) stamped(aggregateType, aggregateID string, v Version, eventType string) Metadata {
	out := make(Metadata, len(m)+4)
	for k, val := range m {
		out[k] = val
	}
	out[MetaAggregateType] = aggregateType
	out[MetaAggregateID] = aggregateID
	out[MetaAggregateVersion] = strconv.FormatInt(int64(v), 10)
	out[MetaEventType] = eventType
	return out
}
