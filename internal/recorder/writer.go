package recorder

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

var (
	ErrClosed          = errors.New("recorder: writer closed")
	ErrPayloadTooLarge = errors.New("recorder: payload too large")
)

const maxPayloadLen = uint64(^uint32(0))

// Writer appends framed records to rotating segment files. Append returns
// once the record reached the operating system.
type Writer struct {
	cfg Config

	mu     sync.Mutex
	seg    *segmentWriter
	segID  uint64
	header []byte
	closed bool
}

// NewWriter creates the directory and continues numbering after the
// newest existing segment. Existing segments are never reopened.
func NewWriter(cfg Config) (*Writer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create dir %s", cfg.Dir)
	}
	segments, err := Segments(cfg.Dir, cfg.FilePrefix)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		cfg:    cfg,
		header: make([]byte, recordHeaderSize),
	}
	if n := len(segments); n != 0 {
		w.segID = segmentID(segments[n-1], cfg.FilePrefix)
	}
	return w, nil
}

func (w *Writer) Append(header Header, payload []byte) error {
	if uint64(len(payload)) > maxPayloadLen {
		return ErrPayloadTooLarge
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if err := w.write(header, payload); err != nil {
		// the segment may hold a partial frame now, continue in a fresh one
		w.abandon()
		return err
	}
	return nil
}

func (w *Writer) write(header Header, payload []byte) error {
	now := time.Now()
	size := int64(recordHeaderSize + len(payload) + recordChecksumSize)
	if w.shouldRotate(now, size) {
		if err := w.closeSegment(); err != nil {
			logs.Warnf("close segment on rotate, err: %+v", err)
		}
		if err := w.openSegment(now); err != nil {
			return err
		}
	}

	encodeHeader(w.header, header, len(payload))
	var sum [recordChecksumSize]byte
	binary.LittleEndian.PutUint32(sum[:], checksum(w.header, payload))

	buf := w.seg.buf
	if _, err := buf.Write(w.header); err != nil {
		return errors.Wrap(err, "write header")
	}
	if _, err := buf.Write(payload); err != nil {
		return errors.Wrap(err, "write payload")
	}
	if _, err := buf.Write(sum[:]); err != nil {
		return errors.Wrap(err, "write checksum")
	}
	if err := buf.Flush(); err != nil {
		return errors.Wrap(err, "flush segment")
	}
	if w.cfg.SyncEveryAppend {
		if err := w.seg.file.Sync(); err != nil {
			return errors.Wrap(err, "sync segment")
		}
	}

	w.seg.size += size
	return nil
}

func (w *Writer) shouldRotate(now time.Time, next int64) bool {
	if w.seg == nil {
		return true
	}
	if w.seg.size > 0 && w.seg.size+next > w.cfg.SegmentMaxBytes {
		return true
	}
	if w.cfg.SegmentMaxDuration > 0 && now.Sub(w.seg.openedAt) >= w.cfg.SegmentMaxDuration {
		return true
	}
	return false
}

func (w *Writer) openSegment(now time.Time) error {
	for {
		w.segID++
		path := filepath.Join(w.cfg.Dir, segmentName(w.cfg.FilePrefix, w.segID))
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if err != nil {
			if errors.Is(err, os.ErrExist) {
				continue
			}
			return errors.Wrapf(err, "open segment %s", path)
		}
		w.seg = &segmentWriter{
			file:     file,
			buf:      bufio.NewWriterSize(file, w.cfg.BufferSize),
			openedAt: now,
		}
		return nil
	}
}

func (w *Writer) closeSegment() error {
	seg := w.seg
	w.seg = nil
	if seg == nil {
		return nil
	}
	if err := seg.buf.Flush(); err != nil {
		_ = seg.file.Close()
		return err
	}
	if err := seg.file.Sync(); err != nil {
		_ = seg.file.Close()
		return err
	}
	return seg.file.Close()
}

func (w *Writer) abandon() {
	if w.seg == nil {
		return
	}
	_ = w.seg.file.Close()
	w.seg = nil
}

// Sync flushes and fsyncs the open segment.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.seg == nil {
		return nil
	}
	if err := w.seg.buf.Flush(); err != nil {
		return err
	}
	return w.seg.file.Sync()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.closeSegment()
}

type segmentWriter struct {
	file     *os.File
	buf      *bufio.Writer
	size     int64
	openedAt time.Time
}

func segmentName(prefix string, id uint64) string {
	return fmt.Sprintf("%s-%012d.wal", prefix, id)
}

func segmentID(path, prefix string) uint64 {
	name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), prefix+"-"), ".wal")
	id, err := strconv.ParseUint(name, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Segments lists the segment files of prefix in dir, oldest first.
func Segments(dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read dir %s", dir)
	}

	var result []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix+"-") || !strings.HasSuffix(name, ".wal") {
			continue
		}
		if segmentID(name, prefix) == 0 {
			continue
		}
		result = append(result, filepath.Join(dir, name))
	}
	sort.Slice(result, func(i, j int) bool {
		return segmentID(result[i], prefix) < segmentID(result[j], prefix)
	})
	return result, nil
}
