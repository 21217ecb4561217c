package cache

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// Compactor shrinks large values before storage. Expand must return a value
// equivalent to the one given to Compact.
type Compactor interface {
	// Compact returns the stored form and true, or false to store value as is.
	Compact(value any) (any, bool)
	Expand(stored any) (any, error)
}

// NopCompactor stores values unchanged.
type NopCompactor struct{}

func (NopCompactor) Compact(value any) (any, bool) { return value, false }

func (NopCompactor) Expand(stored any) (any, error) { return stored, nil }

// GzipCompactor gzips []byte values. Other types are stored unchanged.
type GzipCompactor struct {
	Level int
}

type gzipped []byte

func (g gzipped) SizeBytes() int64 { return int64(len(g)) }

func (c GzipCompactor) Compact(value any) (any, bool) {
	raw, ok := value.([]byte)
	if !ok {
		return value, false
	}

	level := c.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return value, false
	}
	if _, err := zw.Write(raw); err != nil {
		return value, false
	}
	if err := zw.Close(); err != nil {
		return value, false
	}
	return gzipped(buf.Bytes()), true
}

func (GzipCompactor) Expand(stored any) (any, error) {
	data, ok := stored.(gzipped)
	if !ok {
		return nil, fmt.Errorf("unexpected compacted type %T", stored)
	}

	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("read gzip: %w", err)
	}
	return raw, nil
}
