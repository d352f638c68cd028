// Package codec holds the CBOR encodings shared by the mesh envelope and bridge bundles.
package codec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"meshbridge/models"
)

var (
	// ErrEncodingFailed indicates a value could not be serialized.
	ErrEncodingFailed = errors.New("codec: encoding failed")
	// ErrDecodingFailed indicates malformed or non-canonical input.
	ErrDecodingFailed = errors.New("codec: decoding failed")
)

var (
	modesOnce sync.Once
	encMode   cbor.EncMode
	decMode   cbor.DecMode
	modesErr  error
)

func modes() (cbor.EncMode, cbor.DecMode, error) {
	modesOnce.Do(func() {
		encMode, modesErr = cbor.CoreDetEncOptions().EncMode()
		if modesErr != nil {
			modesErr = fmt.Errorf("create CBOR encoder: %w", modesErr)
			return
		}
		decMode, modesErr = cbor.DecOptions{
			DupMapKey:        cbor.DupMapKeyEnforcedAPF,
			IndefLength:      cbor.IndefLengthForbidden,
			MaxArrayElements: 131072,
			MaxMapPairs:      1024,
			MaxNestedLevels:  8,
		}.DecMode()
		if modesErr != nil {
			modesErr = fmt.Errorf("create CBOR decoder: %w", modesErr)
		}
	})
	return encMode, decMode, modesErr
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	enc, _, err := modes()
	if err != nil {
		return nil, err
	}
	data, err := enc.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodingFailed, err)
	}
	return data, nil
}

// Unmarshal decodes data into v, rejecting duplicate keys and indefinite lengths.
func Unmarshal(data []byte, v any) error {
	_, dec, err := modes()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty input", ErrDecodingFailed)
	}
	if err := dec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecodingFailed, err)
	}
	return nil
}

// EncodeMessage serializes the wire envelope of a mesh message.
func EncodeMessage(msg models.MeshMessage) ([]byte, error) {
	return Marshal(msg)
}

// DecodeMessage parses a wire envelope.
func DecodeMessage(data []byte) (models.MeshMessage, error) {
	var msg models.MeshMessage
	if err := Unmarshal(data, &msg); err != nil {
		return models.MeshMessage{}, err
	}
	if msg.ID == "" || msg.From == "" || msg.To == "" {
		return models.MeshMessage{}, fmt.Errorf("%w: missing id, from or to", ErrDecodingFailed)
	}
	if msg.TTL < 0 {
		return models.MeshMessage{}, fmt.Errorf("%w: negative ttl", ErrDecodingFailed)
	}
	return msg, nil
}

// SignedFields returns the bytes covered by a message signature: id, from, to,
// content and timestamp. TTL and route change in transit and are excluded.
func SignedFields(msg models.MeshMessage) ([]byte, error) {
	return Marshal([]any{msg.ID, msg.From, msg.To, msg.Content, msg.Timestamp})
}

// EncodeBundle serializes a bundle for upload. The result is what gets hashed.
func EncodeBundle(bundle models.MessageBundle) ([]byte, error) {
	return Marshal(bundle)
}

// DecodeBundle parses a downloaded bundle and records its serialized size.
func DecodeBundle(data []byte) (models.MessageBundle, error) {
	var bundle models.MessageBundle
	if err := Unmarshal(data, &bundle); err != nil {
		return models.MessageBundle{}, err
	}
	bundle.Size = len(data)
	return bundle, nil
}
