package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/UbiquitousAS/WorkshopEventSourcing/core/es"
)

const (
	defaultStreamName    = "ES_EVENTS"
	defaultSubjectPrefix = "es.events"

	fetchBatchSize = 100
)

type StreamStoreConfig struct {
	Connect       Connector    // Connect creates the underlying NATS connection. If nil, ConnectDefault() is used.
	Log           *slog.Logger // Log for diagnostics (optional)
	StreamName    string       // StreamName is the JetStream stream holding all event streams (default ES_EVENTS)
	SubjectPrefix string       // SubjectPrefix is the subject namespace events are published under (default es.events)
}

// StreamStore persists event streams in a single JetStream stream, one
// subject per logical stream. Conditional appends are enforced server-side
// through per-subject sequence expectations, so concurrent writers to the
// same stream cannot both succeed.
//
// JetStream has no multi-message transactions: records are published one
// at a time, each conditional on its predecessor's sequence, so a rival's
// batch can never interleave with one in flight; a transport failure or
// cancellation mid-batch does leave the already-acknowledged prefix
// committed. Callers that reload the stream see exactly how far the
// batch got, and the per-record message ids keep a retried publish from
// landing twice.
type StreamStore struct {
	nc            *natsgo.Conn
	closeNc       closeFunc
	js            jetstream.JetStream
	stream        jetstream.Stream
	log           *slog.Logger
	subjectPrefix string
	streamName    string
}

func NewStreamStore(cfg StreamStoreConfig) (*StreamStore, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNatsCon, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = defaultStreamName
	}

	subjectPrefix := cfg.SubjectPrefix
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}

	log = log.With(
		slog.String("store", "nats_js"),
		slog.String("stream", streamName),
		slog.String("subjectPrefix", subjectPrefix),
	)

	log.Debug("ensuring stream")

	stream, streamInfo, err := ensureStream(js, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ".>"},
		Storage:  jetstream.FileStorage,
		FirstSeq: 1,
	})
	if err != nil {
		return nil, err
	}

	log.Debug("ensured", slog.Any("stream", streamInfo))

	return &StreamStore{
		nc:            nc,
		closeNc:       closeNatsCon,
		js:            js,
		stream:        stream,
		log:           log,
		subjectPrefix: subjectPrefix,
		streamName:    streamName,
	}, nil
}

func (s *StreamStore) Close() error {
	s.js.CleanupPublisher()
	s.closeNc()
	s.log.Debug("closed stream store")
	return nil
}

func (s *StreamStore) ReadForward(ctx context.Context, stream string, start es.Version, count int) (es.Slice, error) {
	if err := ctx.Err(); err != nil {
		return es.Slice{}, err
	}
	if start < es.StreamStart {
		return es.Slice{}, fmt.Errorf("%w: start version %d is negative", es.ErrInvalidArgument, start)
	}
	if count <= 0 {
		return es.Slice{}, fmt.Errorf("%w: count %d is not positive", es.ErrInvalidArgument, count)
	}

	tail, tailSeq, err := s.tailOf(ctx, stream)
	if err != nil {
		return es.Slice{}, err
	}

	last := tail.Version
	if start > last {
		return es.Slice{
			NextVersion:   last + 1,
			LastVersion:   last,
			IsEndOfStream: true,
		}, nil
	}

	to := min(start+es.Version(count)-1, last)

	var page []es.Record
	if start == last && to == last {
		page = []es.Record{tail}
	} else {
		page, err = s.scan(ctx, stream, start, to, tailSeq)
		if err != nil {
			return es.Slice{}, err
		}
	}

	return es.Slice{
		Records:       page,
		NextVersion:   to + 1,
		LastVersion:   last,
		IsEndOfStream: to >= last,
	}, nil
}

func (s *StreamStore) ReadBackward(ctx context.Context, stream string, start es.Version, count int) (es.Slice, error) {
	if err := ctx.Err(); err != nil {
		return es.Slice{}, err
	}
	if count <= 0 {
		return es.Slice{}, fmt.Errorf("%w: count %d is not positive", es.ErrInvalidArgument, count)
	}

	tail, tailSeq, err := s.tailOf(ctx, stream)
	if err != nil {
		return es.Slice{}, err
	}

	last := tail.Version
	from := last
	if start != es.StreamEnd {
		from = min(start, last)
	}
	if from < 0 {
		return es.Slice{
			NextVersion:   from,
			LastVersion:   last,
			IsEndOfStream: true,
		}, nil
	}

	lo := max(from-es.Version(count)+1, 0)

	var page []es.Record
	if from == last && lo == last {
		page = []es.Record{tail}
	} else {
		forward, err := s.scan(ctx, stream, lo, from, tailSeq)
		if err != nil {
			return es.Slice{}, err
		}
		page = make([]es.Record, 0, len(forward))
		for i := len(forward) - 1; i >= 0; i-- {
			page = append(page, forward[i])
		}
	}

	return es.Slice{
		Records:       page,
		NextVersion:   from - es.Version(len(page)),
		LastVersion:   last,
		IsEndOfStream: from-es.Version(len(page)) < 0,
	}, nil
}

func (s *StreamStore) AppendConditional(ctx context.Context, stream string, expected es.Version, records []es.Record) (es.AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return es.AppendResult{}, err
	}
	if err := es.ValidateBatch(expected, records); err != nil {
		return es.AppendResult{}, err
	}

	var (
		curVersion = es.NoStream
		curSeq     uint64
	)
	tail, tailSeq, err := s.tailOf(ctx, stream)
	switch {
	case err == nil:
		curVersion, curSeq = tail.Version, tailSeq
	case errors.Is(err, es.ErrStreamNotFound):
	default:
		return es.AppendResult{}, err
	}

	if curVersion != expected {
		return es.AppendResult{}, fmt.Errorf(
			"%w: expected version %d, got %d (stream=%s)",
			es.ErrConcurrencyConflict, expected, curVersion, stream,
		)
	}

	// Each publish expects the sequence of its predecessor on the subject.
	// The first record of the batch therefore races any rival writer that
	// passed the version check above, and exactly one of them lands.
	lastSeq := curSeq
	for _, rec := range records {
		lastSeq, err = s.append(ctx, stream, rec, lastSeq)
		if err != nil {
			if isWrongLastSequence(err) {
				return es.AppendResult{}, fmt.Errorf(
					"%w: expected version %d but stream %s advanced concurrently: %v",
					es.ErrConcurrencyConflict, expected, stream, err,
				)
			}
			return es.AppendResult{}, err
		}
	}

	s.log.Debug(
		"append",
		slog.String("stream", stream),
		slog.Uint64("pos", lastSeq),
		slog.Int("num_events", len(records)),
	)

	return es.AppendResult{
		NextExpectedVersion: records[len(records)-1].Version,
		Position:            es.Position{Prepare: lastSeq, Commit: lastSeq},
	}, nil
}

func (s *StreamStore) append(ctx context.Context, stream string, rec es.Record, prevSeq uint64) (uint64, error) {
	msg := natsgo.NewMsg(s.subjectFor(stream))
	msg.Header.Set("x-stream", stream)
	msg.Header.Set("x-stream-version", strconv.FormatInt(rec.Version.Int64(), 10))
	msg.Header.Set("x-event-type", rec.Type)

	var err error
	msg.Data, err = json.Marshal(newWireRecord(rec))
	if err != nil {
		return 0, err
	}

	ackF, err := s.js.PublishMsgAsync(
		msg,
		jetstream.WithMsgID(rec.ID),
		jetstream.WithExpectLastSequencePerSubject(prevSeq),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append to stream %s %s: %w", stream, rec.Type, err)
	}

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case ack := <-ackF.Ok():
		return ack.Sequence, nil
	case err := <-ackF.Err():
		return 0, err
	}
}

// scan reads the subject of stream front to back and keeps the records with
// versions in [from, to]. The walk is bounded by endSeq so appends racing
// the read cannot keep it alive.
func (s *StreamStore) scan(ctx context.Context, stream string, from, to es.Version, endSeq uint64) ([]es.Record, error) {
	cc, err := s.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: []string{s.subjectFor(stream)},
	})
	if err != nil {
		return nil, err
	}

	var page []es.Record

outer:
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		mb, err := cc.FetchNoWait(fetchBatchSize)
		if err != nil {
			return nil, err
		}

		empty := true
		for msg := range mb.Messages() {
			empty = false
			rec, seq, err := decodeMsg(msg)
			if err != nil {
				return nil, fmt.Errorf("failed to decode message on stream %s: %w", stream, err)
			}
			if rec.Version >= from && rec.Version <= to {
				page = append(page, rec)
			}
			if rec.Version >= to || seq >= endSeq {
				break outer
			}
		}
		if mb.Error() != nil {
			return nil, mb.Error()
		}
		if empty {
			break
		}
	}

	return page, nil
}

// tailOf resolves the newest record of a stream without a consumer.
func (s *StreamStore) tailOf(ctx context.Context, stream string) (es.Record, uint64, error) {
	lm, err := s.stream.GetLastMsgForSubject(ctx, s.subjectFor(stream))
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return es.Record{}, 0, es.ErrStreamNotFound
		}
		return es.Record{}, 0, fmt.Errorf("failed to read tail of stream %s: %w", stream, err)
	}

	var w wireRecord
	if err := json.Unmarshal(lm.Data, &w); err != nil {
		return es.Record{}, 0, fmt.Errorf("failed to decode tail of stream %s: %w", stream, err)
	}
	return w.record(), lm.Sequence, nil
}

func ensureStream(js jetstream.JetStream, cfg jetstream.StreamConfig) (s jetstream.Stream, si *jetstream.StreamInfo, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
	defer cancel()

	s, err = js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	si, err = s.Info(ctx)
	if err != nil {
		return nil, nil, err
	}
	return s, si, nil
}

func decodeMsg(msg jetstream.Msg) (es.Record, uint64, error) {
	md, err := msg.Metadata()
	if err != nil {
		return es.Record{}, 0, err
	}

	var w wireRecord
	if err := json.Unmarshal(msg.Data(), &w); err != nil {
		return es.Record{}, 0, err
	}
	return w.record(), md.Sequence.Stream, nil
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// subjectFor maps a stream name onto the store's subject namespace. NATS
// reserves '.', '*' and '>' in subjects, so reserved characters are folded
// to '_'; distinct stream names must stay distinct after that mapping.
func (s *StreamStore) subjectFor(stream string) string {
	return s.subjectPrefix + "." + subjectToken(stream)
}

func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// wireRecord is the JSON layout of a record inside a JetStream message.
// Data and Metadata stay []byte so non-JSON payloads survive the trip.
type wireRecord struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	ContentType string     `json:"content_type"`
	Version     es.Version `json:"version"`
	OccurredAt  time.Time  `json:"occurred_at"`
	Data        []byte     `json:"data,omitempty"`
	Metadata    []byte     `json:"metadata,omitempty"`
}

func newWireRecord(rec es.Record) wireRecord {
	return wireRecord{
		ID:          rec.ID,
		Type:        rec.Type,
		ContentType: rec.ContentType,
		Version:     rec.Version,
		OccurredAt:  rec.OccurredAt,
		Data:        rec.Data,
		Metadata:    rec.Metadata,
	}
}

func (w wireRecord) record() es.Record {
	return es.Record{
		ID:          w.ID,
		Type:        w.Type,
		ContentType: w.ContentType,
		Version:     w.Version,
		OccurredAt:  w.OccurredAt,
		Data:        w.Data,
		Metadata:    w.Metadata,
	}
}

var _ es.StreamStore = (*StreamStore)(nil)
