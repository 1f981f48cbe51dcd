package recorder

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

var ErrChecksumMismatch = errors.New("recorder: checksum mismatch")

type ReaderOptions struct {
	DisableChecksum bool
	MaxPayloadSize  int
}

// Reader decodes records sequentially.
type Reader struct {
	r         *bufio.Reader
	opts      ReaderOptions
	headerBuf []byte
	payload   []byte
}

func NewReader(r io.Reader, opts ReaderOptions) *Reader {
	return &Reader{
		r:         bufio.NewReader(r),
		opts:      opts,
		headerBuf: make([]byte, recordHeaderSize),
	}
}

// Next returns the next record. The payload is only valid until the next
// call. A frame cut short returns io.ErrUnexpectedEOF.
func (r *Reader) Next() (Header, []byte, error) {
	n, err := io.ReadFull(r.r, r.headerBuf)
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return Header{}, nil, io.EOF
		}
		return Header{}, nil, io.ErrUnexpectedEOF
	}

	header, payloadLen, err := decodeRecordHeader(r.headerBuf)
	if err != nil {
		return Header{}, nil, err
	}
	if r.opts.MaxPayloadSize > 0 && payloadLen > uint32(r.opts.MaxPayloadSize) {
		return Header{}, nil, ErrPayloadTooLarge
	}

	if cap(r.payload) < int(payloadLen) {
		r.payload = make([]byte, payloadLen)
	}
	r.payload = r.payload[:payloadLen]
	if _, err := io.ReadFull(r.r, r.payload); err != nil {
		return Header{}, nil, io.ErrUnexpectedEOF
	}

	var sum [recordChecksumSize]byte
	if _, err := io.ReadFull(r.r, sum[:]); err != nil {
		return Header{}, nil, io.ErrUnexpectedEOF
	}
	if !r.opts.DisableChecksum && binary.LittleEndian.Uint32(sum[:]) != checksum(r.headerBuf, r.payload) {
		return Header{}, nil, ErrChecksumMismatch
	}
	return header, r.payload, nil
}

// ReadDir replays every segment of prefix in dir, oldest first. A torn or
// corrupt frame ends its segment and reading continues with the next one.
// An error returned by fn stops the replay.
func ReadDir(dir, prefix string, opts ReaderOptions, fn func(Header, []byte) error) error {
	segments, err := Segments(dir, prefix)
	if err != nil {
		return err
	}
	for _, path := range segments {
		if err := readSegment(path, opts, fn); err != nil {
			return err
		}
	}
	return nil
}

func readSegment(path string, opts ReaderOptions, fn func(Header, []byte) error) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open segment %s", path)
	}
	defer file.Close()

	r := NewReader(file, opts)
	for {
		header, payload, err := r.Next()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, io.ErrUnexpectedEOF),
			errors.Is(err, ErrChecksumMismatch),
			errors.Is(err, ErrInvalidMagic),
			errors.Is(err, ErrInvalidRecordHeaderSize),
			errors.Is(err, ErrPayloadTooLarge):
			logs.Warnf("skip segment tail, segment: %s, err: %+v", path, err)
			return nil
		default:
			return errors.Wrapf(err, "read segment %s", path)
		}

		if err := fn(header, payload); err != nil {
			return err
		}
	}
}
