// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for state hand-over
// snapshots. Encoding is RFC 8949 Core Deterministic: sorted map keys,
// smallest integer encoding, no indefinite-length items, so the same
// logical state always produces identical bytes.
//
// Snapshots are wrapped in a versioned envelope. The version tag lets
// a successor process migrate state written by an older client.
package codec

import (
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// When the decode target is any, pick map[string]any rather
		// than the CBOR default map[any]any; snapshot maps only ever
		// use string keys.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v. Unknown fields are ignored, which is
// what allows a newer process to read an older snapshot.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// NewEncoder returns a stream encoder writing to w.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a stream decoder reading from r.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}

// Envelope wraps a serialized state section with its version. Each
// hand-over section (inode tracker, chunk tables, directory handles,
// open-file counter, generation info) is enveloped independently so
// sections can evolve on their own schedule.
type Envelope struct {
	Version int             `cbor:"version"`
	Body    cbor.RawMessage `cbor:"body"`
}

// Seal encodes body and wraps it in an Envelope with the given version.
func Seal(version int, body any) (Envelope, error) {
	encoded, err := Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("sealing state section: %w", err)
	}
	return Envelope{Version: version, Body: encoded}, nil
}

// OpenExact decodes an envelope whose version must equal want.
func (e Envelope) OpenExact(want int, body any) error {
	if e.Version != want {
		return fmt.Errorf("state section version %d, want %d", e.Version, want)
	}
	if err := Unmarshal(e.Body, body); err != nil {
		return fmt.Errorf("opening state section: %w", err)
	}
	return nil
}
