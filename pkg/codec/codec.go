// Codecs turn the engine's decoded objects into the bytes it stores, and back. The engine never looks inside either.

package codec

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// ErrUnsupportedType is returned when a codec is given an object it can't encode.
var ErrUnsupportedType = errors.New("unsupported object type")

// Codec converts between decoded objects and stored bytes.
type Codec interface {
	Encode(object any) ([]byte, error)
	Decode(data []byte) (any, error)
	// Default is what a failed Decode is replaced with.
	Default() any
}

// Raw stores []byte and string objects as is. Decoded objects are the stored bytes.
type Raw struct{}

var _ Codec = Raw{}

func (Raw) Encode(object any) ([]byte, error) {
	switch v := object.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case nil:
		return nil, fmt.Errorf("%w: nil object", ErrUnsupportedType)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, object)
	}
}

func (Raw) Decode(data []byte) (any, error) {
	return data, nil
}

func (Raw) Default() any {
	return nil
}

// Proto stores protobuf messages in their binary wire format.
type Proto struct {
	New func() proto.Message // Returns an empty message of the stored type. Required.
}

var _ Codec = Proto{}

func (p Proto) Encode(object any) ([]byte, error) {
	message, ok := object.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a proto message", ErrUnsupportedType, object)
	}
	data, err := proto.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", object, err)
	}
	return data, nil
}

// errNoMessageConstructor is returned by a Proto codec without a New func.
var errNoMessageConstructor = errors.New("expected a non-nil Proto.New")

func (p Proto) Decode(data []byte) (any, error) {
	if p.New == nil {
		return nil, errNoMessageConstructor
	}
	message := p.New()
	if err := proto.Unmarshal(data, message); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %T: %w", message, err)
	}
	return message, nil
}

// Default returns an empty message, or nil without a New func.
func (p Proto) Default() any {
	if p.New == nil {
		return nil
	}
	return p.New()
}
