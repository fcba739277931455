package statestore

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Shape identifies the on-disk envelope a [Record] was read from.
type Shape int

const (
	// ShapeNone means no state file exists.
	ShapeNone Shape = iota

	// ShapeModern is {"header": {"v": V, "g": G}, "payload": {...}, "g": G}.
	ShapeModern

	// ShapeLegacy is the flat {"g": G} envelope.
	ShapeLegacy
)

func (s Shape) String() string {
	switch s {
	case ShapeNone:
		return "none"
	case ShapeModern:
		return "modern"
	case ShapeLegacy:
		return "legacy"
	default:
		return fmt.Sprintf("Shape(%d)", int(s))
	}
}

// Record is the normalized view of a state file. Both envelope shapes expose
// the global counter through [Record.Global].
//
// The zero value is the empty record of a missing file.
type Record struct {
	shape   Shape
	version int64
	global  int64
	payload json.RawMessage
}

// Shape returns the envelope the record was read from.
func (r Record) Shape() Shape { return r.shape }

// Exists reports whether the record came from a file.
func (r Record) Exists() bool { return r.shape != ShapeNone }

// Version returns header.v, or -1 when there is no file or the file is a
// legacy envelope, which carries no version.
func (r Record) Version() int64 {
	if r.shape != ShapeModern {
		return -1
	}

	return r.version
}

// Global returns the global revision counter, or -1 when there is no file.
func (r Record) Global() int64 {
	if r.shape == ShapeNone {
		return -1
	}

	return r.global
}

// Payload decodes a fresh copy of the payload. Missing files and legacy
// envelopes have an empty payload. Numbers are returned as [json.Number] so
// that writing the map back reproduces them exactly.
func (r Record) Payload() map[string]any {
	out := map[string]any{}

	if len(r.payload) == 0 {
		return out
	}

	dec := json.NewDecoder(bytes.NewReader(r.payload))
	dec.UseNumber()

	// Payloads are validated as objects before a Record is built.
	_ = dec.Decode(&out)

	return out
}

// RawPayload returns the payload JSON exactly as stored, or "{}".
func (r Record) RawPayload() json.RawMessage {
	if len(r.payload) == 0 {
		return json.RawMessage(emptyPayload)
	}

	return append(json.RawMessage(nil), r.payload...)
}

const emptyPayload = "{}"

type envelopeHeader struct {
	V int64 `json:"v"`
	G int64 `json:"g"`
}

type modernEnvelope struct {
	Header  envelopeHeader  `json:"header"`
	Payload json.RawMessage `json:"payload"`
	G       int64           `json:"g"`
}

type legacyEnvelope struct {
	G int64 `json:"g"`
}

// parseDocument decodes data into a generic JSON object for validation.
func parseDocument(data []byte) (map[string]any, error) {
	var doc any

	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top level is not an object", ErrDecode)
	}

	return obj, nil
}

// decodeRecord builds a Record from a validated document. mirrorMismatch is
// true when a modern envelope's top-level g disagrees with header.g; header.g
// wins.
func decodeRecord(data []byte, doc map[string]any) (rec Record, mirrorMismatch bool, err error) {
	if _, ok := doc["header"]; ok {
		var env modernEnvelope

		if err := json.Unmarshal(data, &env); err != nil {
			return Record{}, false, fmt.Errorf("%w: %w", ErrDecode, err)
		}

		payload := env.Payload
		if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
			payload = nil
		}

		_, hasTop := doc["g"]
		mirrorMismatch = hasTop && env.G != env.Header.G

		return Record{
			shape:   ShapeModern,
			version: env.Header.V,
			global:  env.Header.G,
			payload: payload,
		}, mirrorMismatch, nil
	}

	if _, ok := doc["g"]; ok {
		if len(doc) != 1 {
			return Record{}, false, fmt.Errorf("%w: flat envelope has keys besides g", ErrDecode)
		}

		var env legacyEnvelope

		if err := json.Unmarshal(data, &env); err != nil {
			return Record{}, false, fmt.Errorf("%w: %w", ErrDecode, err)
		}

		return Record{shape: ShapeLegacy, global: env.G}, false, nil
	}

	return Record{}, false, fmt.Errorf("%w: neither header nor g present", ErrDecode)
}

// encodeRecord renders rec in its own envelope shape.
func encodeRecord(rec Record) ([]byte, error) {
	switch rec.shape {
	case ShapeModern:
		return encodeModern(rec.version, rec.global, rec.payload)
	case ShapeLegacy:
		return encodeLegacy(rec.global)
	default:
		return nil, fmt.Errorf("encoding state: no envelope for shape %s", rec.shape)
	}
}

// encodeModern renders the modern envelope with g mirrored at top level.
func encodeModern(version, global int64, payload json.RawMessage) ([]byte, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(emptyPayload)
	}

	return encode(modernEnvelope{
		Header:  envelopeHeader{V: version, G: global},
		Payload: payload,
		G:       global,
	})
}

func encodeLegacy(global int64) ([]byte, error) {
	return encode(legacyEnvelope{G: global})
}

func encode(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding state: %w", err)
	}

	return append(data, '\n'), nil
}
