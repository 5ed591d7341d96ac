// Every payload file has a sidecar metadata record stored next to it. The record is encoded in the protobuf wire
// format without a generated message, so the layout is just a handful of numbered fields:
//
//	1 created      sint64  unix nanoseconds
//	2 last_access  sint64  unix nanoseconds
//	3 size         uint64  payload length in bytes
//	4 checksum     fixed64 xxhash64 of the payload
//
// Unknown fields are skipped so that newer writers can add fields without breaking older readers.

package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	createdField    protowire.Number = 1
	lastAccessField protowire.Number = 2
	sizeField       protowire.Number = 3
	checksumField   protowire.Number = 4
)

// Metadata describes a persisted cache entry.
type Metadata struct {
	Created    time.Time
	LastAccess time.Time
	Size       int64
	Checksum   uint64 // Zero when unknown, e.g. for entries without a sidecar record.
}

// Entry is a payload read back from the disk tier, along with its metadata.
type Entry struct {
	Data []byte
	Metadata
}

// newMetadata builds the metadata of a freshly written payload.
func newMetadata(data []byte, created time.Time) Metadata {
	return Metadata{Created: created, LastAccess: created, Size: int64(len(data)), Checksum: xxhash.Sum64(data)}
}

// verify checks `data` against the recorded size and checksum.
func (m Metadata) verify(data []byte) error {
	if int64(len(data)) != m.Size {
		return fmt.Errorf("%w: size is %d, metadata says %d", ErrCorrupted, len(data), m.Size)
	}
	if m.Checksum != 0 && xxhash.Sum64(data) != m.Checksum {
		return fmt.Errorf("%w: checksum mismatch", ErrCorrupted)
	}
	return nil
}

// marshal encodes the metadata record.
func (m Metadata) marshal() []byte {
	buffer := make([]byte, 0, 4*(1+binaryVarintMax))
	buffer = protowire.AppendTag(buffer, createdField, protowire.VarintType)
	buffer = protowire.AppendVarint(buffer, protowire.EncodeZigZag(m.Created.UnixNano()))
	buffer = protowire.AppendTag(buffer, lastAccessField, protowire.VarintType)
	buffer = protowire.AppendVarint(buffer, protowire.EncodeZigZag(m.LastAccess.UnixNano()))
	buffer = protowire.AppendTag(buffer, sizeField, protowire.VarintType)
	buffer = protowire.AppendVarint(buffer, uint64(m.Size))
	buffer = protowire.AppendTag(buffer, checksumField, protowire.Fixed64Type)
	buffer = protowire.AppendFixed64(buffer, m.Checksum)
	return buffer
}

// binaryVarintMax is the longest encoding of a 64-bit varint.
const binaryVarintMax = 10

// unmarshalMetadata decodes a metadata record produced by marshal.
func unmarshalMetadata(record []byte) (Metadata, error) {
	var (
		m                     Metadata
		hasCreated, hasAccess bool
	)
	for len(record) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(record)
		if tagLen < 0 {
			return Metadata{}, fmt.Errorf("failed to read metadata tag: %w", protowire.ParseError(tagLen))
		}
		record = record[tagLen:]

		var valueLen int
		switch {
		case num == createdField && typ == protowire.VarintType:
			var v uint64
			v, valueLen = protowire.ConsumeVarint(record)
			m.Created, hasCreated = time.Unix(0, protowire.DecodeZigZag(v)), true
		case num == lastAccessField && typ == protowire.VarintType:
			var v uint64
			v, valueLen = protowire.ConsumeVarint(record)
			m.LastAccess, hasAccess = time.Unix(0, protowire.DecodeZigZag(v)), true
		case num == sizeField && typ == protowire.VarintType:
			var v uint64
			v, valueLen = protowire.ConsumeVarint(record)
			m.Size = int64(v)
		case num == checksumField && typ == protowire.Fixed64Type:
			m.Checksum, valueLen = protowire.ConsumeFixed64(record)
		default: // Skip unknown fields.
			valueLen = protowire.ConsumeFieldValue(num, typ, record)
		}
		if valueLen < 0 {
			return Metadata{}, fmt.Errorf("failed to read metadata field %d: %w", num, protowire.ParseError(valueLen))
		}
		record = record[valueLen:]
	}
	if !hasCreated || !hasAccess {
		return Metadata{}, errors.New("metadata record is missing timestamps")
	}
	return m, nil
}
