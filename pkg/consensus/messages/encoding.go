package messages

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
)

// ErrInvalidValue is wrapped by every decode failure: unknown kind,
// truncated or trailing bytes, a body that does not match its kind, or a
// message that fails validation.
var ErrInvalidValue = errors.New("messages: invalid value")

// DefaultMaxMessageSize bounds one encoded SignedMessage.
const DefaultMaxMessageSize = 2 << 20 // 2 MB

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	// Canonical CBOR keeps encodings byte-identical across nodes, which the
	// digest depends on.
	encOpts := cbor.CanonicalEncOptions()
	encOpts.IndefLength = cbor.IndefLengthForbidden
	em, err := encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("messages: cbor encoder: %v", err))
	}

	dm, err := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		IntDec:            cbor.IntDecConvertNone,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxArrayElements:  MaxTransactionHashes,
		MaxMapPairs:       64,
		MaxNestedLevels:   8,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("messages: cbor decoder: %v", err))
	}
	encMode, decMode = em, dm
}

// envelope is the on-wire form of a SignedMessage after the kind byte.
type envelope struct {
	Height    uint32               `cbor:"1,keyasint"`
	View      types.ViewNumber     `cbor:"2,keyasint"`
	Validator types.ValidatorIndex `cbor:"3,keyasint"`
	Body      cbor.RawMessage      `cbor:"4,keyasint"`
	Signature []byte               `cbor:"5,keyasint,omitempty"`
}

func marshalEnvelope(sm *SignedMessage, withSignature bool) ([]byte, error) {
	if sm == nil || sm.Message == nil {
		return nil, fmt.Errorf("%w: missing body", ErrInvalidMessage)
	}
	body, err := encMode.Marshal(sm.Message)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", sm.Kind(), err)
	}
	env := envelope{
		Height:    sm.Height,
		View:      sm.View,
		Validator: sm.Validator,
		Body:      body,
	}
	if withSignature {
		env.Signature = sm.Signature
	}
	data, err := encMode.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	out := make([]byte, 0, 1+len(data))
	out = append(out, byte(sm.Kind()))
	return append(out, data...), nil
}

// CodecConfig contains encoding limits and the verification cache setup.
type CodecConfig struct {
	MaxMessageSize  int
	VerifyCacheSize int
	VerifyCacheTTL  time.Duration
}

// DefaultCodecConfig returns the default limits.
func DefaultCodecConfig() *CodecConfig {
	return &CodecConfig{
		MaxMessageSize:  DefaultMaxMessageSize,
		VerifyCacheSize: 10000,
		VerifyCacheTTL:  5 * time.Minute,
	}
}

// Codec encodes and decodes SignedMessages under size limits and caches
// successful signature checks.
type Codec struct {
	config      *CodecConfig
	verifier    types.Verifier
	verifyCache *expirable.LRU[string, bool]
	mu          sync.RWMutex
}

// NewCodec creates a codec. verifier may be nil when only encoding is needed.
func NewCodec(verifier types.Verifier, config *CodecConfig) *Codec {
	if config == nil {
		config = DefaultCodecConfig()
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	c := &Codec{config: config, verifier: verifier}
	if config.VerifyCacheSize > 0 {
		c.verifyCache = expirable.NewLRU[string, bool](config.VerifyCacheSize, nil, config.VerifyCacheTTL)
	}
	return c
}

// Encode serializes sm including its signature.
func (c *Codec) Encode(sm *SignedMessage) ([]byte, error) {
	data, err := marshalEnvelope(sm, true)
	if err != nil {
		return nil, err
	}
	if len(data) > c.config.MaxMessageSize {
		return nil, fmt.Errorf("message size %d exceeds limit %d for %s", len(data), c.config.MaxMessageSize, sm.Kind())
	}
	return data, nil
}

// Decode parses data produced by Encode. All failures wrap ErrInvalidValue.
func (c *Codec) Decode(data []byte) (*SignedMessage, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: truncated message (%d bytes)", ErrInvalidValue, len(data))
	}
	if len(data) > c.config.MaxMessageSize {
		return nil, fmt.Errorf("%w: message size %d exceeds limit %d", ErrInvalidValue, len(data), c.config.MaxMessageSize)
	}

	kind := Kind(data[0])
	body := newBody(kind)
	if body == nil {
		return nil, fmt.Errorf("%w: unknown kind 0x%02x", ErrInvalidValue, data[0])
	}

	var env envelope
	if err := decMode.Unmarshal(data[1:], &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrInvalidValue, err)
	}
	if len(env.Body) == 0 {
		return nil, fmt.Errorf("%w: empty %s body", ErrInvalidValue, kind)
	}
	if err := decMode.Unmarshal(env.Body, body); err != nil {
		return nil, fmt.Errorf("%w: %s body: %v", ErrInvalidValue, kind, err)
	}

	sm := &SignedMessage{
		Height:    env.Height,
		View:      env.View,
		Validator: env.Validator,
		Message:   body,
		Signature: env.Signature,
	}
	if err := sm.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return sm, nil
}

// VerifySignature checks sm against publicKey, consulting the cache first.
func (c *Codec) VerifySignature(sm *SignedMessage, publicKey []byte) bool {
	if c.verifier == nil || sm == nil {
		return false
	}
	digest := sm.Digest()
	cacheKey := string(digest[:]) + string(publicKey) + string(sm.Signature)

	if c.verifyCache != nil {
		c.mu.RLock()
		verified, ok := c.verifyCache.Get(cacheKey)
		c.mu.RUnlock()
		if ok && verified {
			return true
		}
	}

	if !sm.Verify(publicKey, c.verifier) {
		return false
	}

	if c.verifyCache != nil {
		c.mu.Lock()
		c.verifyCache.Add(cacheKey, true)
		c.mu.Unlock()
	}
	return true
}

// GetCacheStats returns cache size and capacity.
func (c *Codec) GetCacheStats() (size, capacity int) {
	if c.verifyCache == nil {
		return 0, 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.verifyCache.Len(), c.config.VerifyCacheSize
}

var defaultCodec = NewCodec(nil, &CodecConfig{MaxMessageSize: DefaultMaxMessageSize})

// Encode serializes sm with the default limits.
func Encode(sm *SignedMessage) ([]byte, error) { return defaultCodec.Encode(sm) }

// Decode parses data with the default limits.
func Decode(data []byte) (*SignedMessage, error) { return defaultCodec.Decode(data) }
