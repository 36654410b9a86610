package es

import "encoding/json"

// Serializer converts event payloads and metadata to and from their stored
// byte form. ContentType tags every record so readers that did not write a
// payload can still pick the right decoder.
type Serializer interface {
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte, v any) error
	ContentType() string
}

// JSONSerializer is the stock Serializer.
type JSONSerializer struct{}

func (JSONSerializer) Serialize(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONSerializer) Deserialize(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONSerializer) ContentType() string               { return "application/json" }

var _ Serializer = JSONSerializer{}
