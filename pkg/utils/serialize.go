package utils

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Serialization limits
const (
	DefaultSerializeMaxSize = 10 << 20  // 10MB
	MaxSafeSize             = 100 << 20 // 100MB absolute maximum
)

// Serialization errors
var (
	ErrSizeLimitExceeded = errors.New("serialize: size limit exceeded")
	ErrEncodingFailed    = errors.New("serialize: encoding failed")
	ErrDecodingFailed    = errors.New("serialize: decoding failed")
)

var (
	cborOnce sync.Once
	cborEnc  cbor.EncMode
	cborDec  cbor.DecMode
	initErr  error
)

// initCBOR initializes the deterministic CBOR modes once
func initCBOR() {
	cborOnce.Do(func() {
		encOpts := cbor.CoreDetEncOptions()
		encOpts.IndefLength = cbor.IndefLengthForbidden
		encOpts.Time = cbor.TimeRFC3339Nano

		decOpts := cbor.DecOptions{
			DupMapKey:        cbor.DupMapKeyEnforcedAPF,
			IndefLength:      cbor.IndefLengthForbidden,
			MaxArrayElements: 100000,
			MaxMapPairs:      100000,
			MaxNestedLevels:  32,
		}

		var err error
		if cborEnc, err = encOpts.EncMode(); err != nil {
			initErr = fmt.Errorf("failed to create CBOR encoder: %w", err)
			return
		}
		if cborDec, err = decOpts.DecMode(); err != nil {
			initErr = fmt.Errorf("failed to create CBOR decoder: %w", err)
		}
	})
}

// CBORMarshal encodes v to deterministic CBOR.
func CBORMarshal(v interface{}) ([]byte, error) {
	initCBOR()
	if initErr != nil {
		return nil, initErr
	}
	data, err := cborEnc.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodingFailed, err)
	}
	if len(data) > DefaultSerializeMaxSize {
		return nil, ErrSizeLimitExceeded
	}
	return data, nil
}

// CBORUnmarshal decodes CBOR data into v.
func CBORUnmarshal(data []byte, v interface{}) error {
	initCBOR()
	if initErr != nil {
		return initErr
	}
	if len(data) > DefaultSerializeMaxSize {
		return ErrSizeLimitExceeded
	}
	if err := cborDec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecodingFailed, err)
	}
	return nil
}

// JSONMarshal encodes v to JSON with the default size limit.
func JSONMarshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodingFailed, err)
	}
	if len(data) > DefaultSerializeMaxSize {
		return nil, ErrSizeLimitExceeded
	}
	return data, nil
}

// JSONUnmarshal decodes JSON, rejecting unknown fields.
func JSONUnmarshal(data []byte, v interface{}) error {
	if len(data) > DefaultSerializeMaxSize {
		return ErrSizeLimitExceeded
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecodingFailed, err)
	}
	return nil
}
