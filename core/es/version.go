package es

import "log/slog"

// Version is the 0-based position of an event within its aggregate stream.
// A fresh aggregate that has never been saved reports NoStream; the first
// persisted event carries version 0. Version is used for optimistic
// concurrency control - when saving changes, the aggregate's version is the
// expected version of the store's conditional append.
type Version int64

const (
	// NoStream marks a stream that does not exist. It doubles as the
	// expected version of an append that must create the stream.
	NoStream Version = -1

	// StreamStart addresses the oldest record on forward reads.
	StreamStart Version = 0

	// StreamEnd addresses the newest record on backward reads.
	StreamEnd Version = -1
)

func (v Version) Int64() int64 { return int64(v) }

// Next returns the version the next appended record will carry.
func (v Version) Next() Version { return v + 1 }

func (v Version) SlogAttr() slog.Attr                    { return newSlogVersionAttr("version", v) }
func (v Version) SlogAttrWithKey(key string) slog.Attr   { return newSlogVersionAttr(key, v) }
func newSlogVersionAttr(key string, v Version) slog.Attr { return slog.Int64(key, int64(v)) }
