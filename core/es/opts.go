package es

import "github.com/google/uuid"

// IDGenerator is a function that generates unique IDs for event records.
type IDGenerator func() string

// DefaultIDGenerator returns the default ID generator using uuid v4.
func DefaultIDGenerator() IDGenerator {
	return uuid.NewString
}

type (
	valueOption[T any] struct{ v T }

	// StoreOption configures an AggregateStore.
	StoreOption interface{ applyToStore(*storeOptions) }

	storeOptions struct {
		serializer  Serializer
		namer       StreamNamer
		pageSize    int
		metrics     StoreMetrics
		idGenerator IDGenerator
	}

	SerializerOption  valueOption[Serializer]
	StreamNamerOption valueOption[StreamNamer]
	PageSizeOption    valueOption[int]
	MetricsOption     valueOption[StoreMetrics]
	IDGeneratorOption valueOption[IDGenerator]
)

// WithSerializer replaces the stock JSONSerializer.
func WithSerializer(s Serializer) SerializerOption { return SerializerOption{v: s} }

// WithStreamNamer replaces DefaultStreamName for identity to stream mapping.
func WithStreamNamer(n StreamNamer) StreamNamerOption { return StreamNamerOption{v: n} }

// WithPageSize sets the number of records read per page during replay.
func WithPageSize(n int) PageSizeOption { return PageSizeOption{v: n} }

// WithMetrics sets the metrics implementation for store operations.
func WithMetrics(m StoreMetrics) MetricsOption { return MetricsOption{v: m} }

// WithIDGenerator sets a custom ID generator for event record IDs.
func WithIDGenerator(gen IDGenerator) IDGeneratorOption { return IDGeneratorOption{v: gen} }

func (o SerializerOption) applyToStore(s *storeOptions)  { s.serializer = o.v }
func (o StreamNamerOption) applyToStore(s *storeOptions) { s.namer = o.v }
func (o PageSizeOption) applyToStore(s *storeOptions) {
	if o.v > 0 {
		s.pageSize = o.v
	}
}
func (o MetricsOption) applyToStore(s *storeOptions)     { s.metrics = o.v }
func (o IDGeneratorOption) applyToStore(s *storeOptions) { s.idGenerator = o.v }

func newStoreOptions(opts ...StoreOption) storeOptions {
	options := storeOptions{
		serializer:  JSONSerializer{},
		namer:       DefaultStreamName,
		pageSize:    DefaultPageSize,
		metrics:     NopStoreMetrics(),
		idGenerator: DefaultIDGenerator(),
	}
	for _, opt := range opts {
		opt.applyToStore(&options)
	}
	return options
}

type (
	// SaveOption configures a single Save call.
	SaveOption interface{ applyToSave(*saveOptions) }

	saveOptions struct {
		metadata Metadata
	}

	MetadataOption valueOption[Metadata]
)

// WithMetadata attaches caller metadata to every record of this save. The
// store-owned provenance keys win on collision.
func WithMetadata(md Metadata) MetadataOption { return MetadataOption{v: md} }

func (o MetadataOption) applyToSave(s *saveOptions) {
	if s.metadata == nil {
		s.metadata = Metadata{}
	}
	for k, v := range o.v {
		s.metadata[k] = v
	}
}

func newSaveOptions(opts ...SaveOption) saveOptions {
	options := saveOptions{}
	for _, opt := range opts {
		opt.applyToSave(&options)
	}
	return options
}
