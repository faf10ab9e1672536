package queue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// metaKey is reserved for Metadata; slots use keys 1..capacity.
const metaKey uint16 = 0

// Metadata layout (little-endian), 16 bytes:
// [0:2] magic "RQ", [2] version, [3] reserved, [4:6] capacity, [6:8] count,
// [8:10] read cursor, [10:12] write cursor, [12:16] CRC-32 IEEE of [0:12].
const (
	metaSize    = 16
	metaVersion = 1
)

var metaMagic = [2]byte{'R', 'Q'}

var errCorruptMetadata = errors.New("corrupt queue metadata")

// Metadata is the persisted recovery checkpoint of the ring.
type Metadata struct {
	Capacity    uint16
	Count       uint16
	ReadCursor  uint16
	WriteCursor uint16
}

func emptyMetadata(capacity uint16) Metadata {
	return Metadata{Capacity: capacity, Count: 0, ReadCursor: 1, WriteCursor: 1}
}

// next is the single wraparound rule for both cursors: 1..capacity, then 1.
func (m Metadata) next(id uint16) uint16 {
	if id >= m.Capacity {
		return 1
	}
	return id + 1
}

// advance applies next n times.
func (m Metadata) advance(id uint16, n uint16) uint16 {
	for ; n > 0; n-- {
		id = m.next(id)
	}
	return id
}

func (m Metadata) full() bool { return m.Count == m.Capacity }

func (m Metadata) marshal() []byte {
	buf := make([]byte, metaSize)
	buf[0], buf[1] = metaMagic[0], metaMagic[1]
	buf[2] = metaVersion
	binary.LittleEndian.PutUint16(buf[4:6], m.Capacity)
	binary.LittleEndian.PutUint16(buf[6:8], m.Count)
	binary.LittleEndian.PutUint16(buf[8:10], m.ReadCursor)
	binary.LittleEndian.PutUint16(buf[10:12], m.WriteCursor)
	binary.LittleEndian.PutUint32(buf[12:16], crc32.ChecksumIEEE(buf[:12]))
	return buf
}

// unmarshalMetadata parses and validates persisted metadata against the
// configured capacity.
func unmarshalMetadata(data []byte, capacity uint16) (Metadata, error) {
	if len(data) != metaSize {
		return Metadata{}, fmt.Errorf("%w: length %d", errCorruptMetadata, len(data))
	}
	if data[0] != metaMagic[0] || data[1] != metaMagic[1] {
		return Metadata{}, fmt.Errorf("%w: bad magic % X", errCorruptMetadata, data[0:2])
	}
	if data[2] != metaVersion {
		return Metadata{}, fmt.Errorf("%w: version %d", errCorruptMetadata, data[2])
	}
	if sum := crc32.ChecksumIEEE(data[:12]); sum != binary.LittleEndian.Uint32(data[12:16]) {
		return Metadata{}, fmt.Errorf("%w: checksum mismatch", errCorruptMetadata)
	}

	m := Metadata{
		Capacity:    binary.LittleEndian.Uint16(data[4:6]),
		Count:       binary.LittleEndian.Uint16(data[6:8]),
		ReadCursor:  binary.LittleEndian.Uint16(data[8:10]),
		WriteCursor: binary.LittleEndian.Uint16(data[10:12]),
	}
	if err := m.validate(capacity); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

func (m Metadata) validate(capacity uint16) error {
	switch {
	case m.Capacity != capacity:
		return fmt.Errorf("%w: capacity %d, configured %d", errCorruptMetadata, m.Capacity, capacity)
	case m.Count > m.Capacity:
		return fmt.Errorf("%w: count %d > capacity %d", errCorruptMetadata, m.Count, m.Capacity)
	case m.ReadCursor < 1 || m.ReadCursor > m.Capacity:
		return fmt.Errorf("%w: read cursor %d out of [1,%d]", errCorruptMetadata, m.ReadCursor, m.Capacity)
	case m.WriteCursor < 1 || m.WriteCursor > m.Capacity:
		return fmt.Errorf("%w: write cursor %d out of [1,%d]", errCorruptMetadata, m.WriteCursor, m.Capacity)
	case m.advance(m.ReadCursor, m.Count) != m.WriteCursor:
		return fmt.Errorf("%w: cursors read=%d write=%d disagree with count %d",
			errCorruptMetadata, m.ReadCursor, m.WriteCursor, m.Count)
	}
	return nil
}
