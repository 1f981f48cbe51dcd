package recorder

import (
	"time"

	"github.com/yanun0323/errors"
)

const (
	defaultSegmentMaxBytes int64 = 64 << 20
	defaultBufferSize            = 64 * 1024
	defaultFilePrefix            = "journal"
)

// Config controls the segment writer.
type Config struct {
	Dir                string
	FilePrefix         string
	SegmentMaxBytes    int64
	SegmentMaxDuration time.Duration
	BufferSize         int
	// SyncEveryAppend fsyncs the segment before Append returns. Without it
	// a record survives a process crash but not a power loss.
	SyncEveryAppend bool
}

func DefaultConfig(dir string) Config {
	return Config{
		Dir:             dir,
		FilePrefix:      defaultFilePrefix,
		SegmentMaxBytes: defaultSegmentMaxBytes,
		BufferSize:      defaultBufferSize,
	}
}

func (c Config) withDefaults() Config {
	if c.SegmentMaxBytes == 0 {
		c.SegmentMaxBytes = defaultSegmentMaxBytes
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.FilePrefix == "" {
		c.FilePrefix = defaultFilePrefix
	}
	return c
}

func (c Config) Validate() error {
	if c.Dir == "" {
		return errors.New("recorder: Dir is empty")
	}
	if c.SegmentMaxBytes <= 0 {
		return errors.New("recorder: SegmentMaxBytes must be > 0")
	}
	if c.SegmentMaxDuration < 0 {
		return errors.New("recorder: SegmentMaxDuration must be >= 0")
	}
	if c.BufferSize <= 0 {
		return errors.New("recorder: BufferSize must be > 0")
	}
	if c.FilePrefix == "" {
		return errors.New("recorder: FilePrefix is empty")
	}
	return nil
}
