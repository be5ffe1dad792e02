// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package authenticode

import (
	"os"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/saferwall/pe/log"
)

// FileImage is an immutable view over an input container's bytes, borrowed
// for the duration of a single command, per §3. It is backed by a
// memory-mapped file when opened with Open, or by a plain byte slice when
// built with NewImage (e.g. from an HTTP body, or in tests).
type FileImage struct {
	data   []byte
	mapped mmap.MMap
	f      *os.File
	logger *log.Helper
}

// Option configures a FileImage/engine operation.
type Option func(*options)

type options struct {
	logger *log.Helper
}

// WithLogger attaches a leveled logger, matching the teacher's
// Options.Logger convention (file.go). Without one, a helper filtered to
// LevelError writing to os.Stderr is used.
func WithLogger(l log.Logger) Option {
	return func(o *options) {
		o.logger = log.NewHelper(l)
	}
}

func newOptions(opts ...Option) *options {
	o := &options{}
	for _, apply := range opts {
		apply(o)
	}
	if o.logger == nil {
		base := log.NewStdLogger(os.Stderr)
		o.logger = log.NewHelper(log.NewFilter(base, log.FilterLevel(log.LevelError)))
	}
	return o
}

// Open memory-maps name for reading, the way the teacher's pe.New does.
func Open(name string, opts ...Option) (*FileImage, error) {
	o := newOptions(opts...)

	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileImage{data: data, mapped: data, f: f, logger: o.logger}, nil
}

// NewImage wraps an in-memory buffer without touching the filesystem, the
// way the teacher's pe.NewBytes does.
func NewImage(data []byte, opts ...Option) *FileImage {
	o := newOptions(opts...)
	return &FileImage{data: data, logger: o.logger}
}

// Bytes returns the full borrowed byte slice. Callers must not retain it
// past Close.
func (fi *FileImage) Bytes() []byte { return fi.data }

// Size returns the image size in bytes.
func (fi *FileImage) Size() uint32 { return uint32(len(fi.data)) }

// Close releases the mmap region and underlying file descriptor, if any.
func (fi *FileImage) Close() error {
	if fi.mapped != nil {
		_ = fi.mapped.Unmap()
	}
	if fi.f != nil {
		return fi.f.Close()
	}
	return nil
}
