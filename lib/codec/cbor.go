// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the single CBOR configuration used for data-channel
// payloads and persisted records.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 section 4.2) so
// identical values produce identical bytes. Decoding ignores unknown
// fields, which lets a newer peer add payload fields without breaking
// an older one. Consumers import this package rather than
// fxamacker/cbor directly.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Times are carried as RFC 3339 strings with nanoseconds. The
	// default (integer seconds) would truncate message timestamps.
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// any-typed targets decode to map[string]any instead of
		// map[interface{}]interface{}.
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

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is an encoded CBOR item whose decoding is deferred. The
// tagged unions in the peer package carry their bodies this way.
type RawMessage = cbor.RawMessage
