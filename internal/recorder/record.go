// Package recorder frames payloads into checksummed records and appends
// them to rotating segment files.
package recorder

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/yanun0323/errors"
)

const (
	formatVersion      uint16 = 2
	recordHeaderSize          = 32
	recordChecksumSize        = 4
)

var (
	recordMagic = [4]byte{'J', 'R', 'N', '2'}
	crcTable    = crc32.MakeTable(crc32.Castagnoli)
)

var (
	ErrInvalidMagic            = errors.New("recorder: invalid magic")
	ErrUnsupportedFormat       = errors.New("recorder: unsupported format version")
	ErrInvalidRecordHeaderSize = errors.New("recorder: invalid header size")
)

// Header describes one framed payload. Kind and Version belong to the
// caller; the recorder only stores them.
type Header struct {
	Kind    uint16
	Version uint16
	Seq     uint64
	Time    int64
}

// frame layout, little endian:
//
//	magic[4] format[2] headerSize[2] kind[2] version[2] payloadLen[4] seq[8] time[8] | payload | crc32c[4]
func encodeHeader(dst []byte, header Header, payloadLen int) {
	_ = dst[recordHeaderSize-1]
	copy(dst[0:4], recordMagic[:])
	binary.LittleEndian.PutUint16(dst[4:6], formatVersion)
	binary.LittleEndian.PutUint16(dst[6:8], uint16(recordHeaderSize))
	binary.LittleEndian.PutUint16(dst[8:10], header.Kind)
	binary.LittleEndian.PutUint16(dst[10:12], header.Version)
	binary.LittleEndian.PutUint32(dst[12:16], uint32(payloadLen))
	binary.LittleEndian.PutUint64(dst[16:24], header.Seq)
	binary.LittleEndian.PutUint64(dst[24:32], uint64(header.Time))
}

func checksum(header []byte, payload []byte) uint32 {
	crc := crc32.Update(0, crcTable, header)
	return crc32.Update(crc, crcTable, payload)
}

func decodeRecordHeader(src []byte) (Header, uint32, error) {
	if len(src) < recordHeaderSize {
		return Header{}, 0, ErrInvalidRecordHeaderSize
	}
	if !bytes.Equal(src[0:4], recordMagic[:]) {
		return Header{}, 0, ErrInvalidMagic
	}
	if ver := binary.LittleEndian.Uint16(src[4:6]); ver != formatVersion {
		return Header{}, 0, ErrUnsupportedFormat
	}
	if size := binary.LittleEndian.Uint16(src[6:8]); size != recordHeaderSize {
		return Header{}, 0, ErrInvalidRecordHeaderSize
	}
	h := Header{
		Kind:    binary.LittleEndian.Uint16(src[8:10]),
		Version: binary.LittleEndian.Uint16(src[10:12]),
		Seq:     binary.LittleEndian.Uint64(src[16:24]),
		Time:    int64(binary.LittleEndian.Uint64(src[24:32])),
	}
	return h, binary.LittleEndian.Uint32(src[12:16]), nil
}
