package main

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Buffers above this size are dropped instead of pooled.
const maxPooledBuffer = 4 << 20

var (
	jsonBufferPool = sync.Pool{
		New: func() interface{} {
			return bytes.NewBuffer(make([]byte, 0, 64*1024))
		},
	}

	zstdEncoderPool = sync.Pool{
		New: func() interface{} {
			enc, err := zstd.NewWriter(nil)
			if err != nil {
				return nil
			}
			return enc
		},
	}
)

// encodeJSON marshals v through a pooled buffer. HTML characters are kept as is;
// popups are built server side and sanitized there.
func encodeJSON(v interface{}) ([]byte, error) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer func() {
		if buf.Cap() <= maxPooledBuffer {
			jsonBufferPool.Put(buf)
		}
	}()

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	out := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	return append([]byte(nil), out...), nil
}

// writeZstd compresses what write produces into w with a pooled encoder.
func writeZstd(w io.Writer, write func(io.Writer) error) error {
	enc, _ := zstdEncoderPool.Get().(*zstd.Encoder)
	if enc == nil {
		var err error
		if enc, err = zstd.NewWriter(nil); err != nil {
			return err
		}
	}
	enc.Reset(w)

	if err := write(enc); err != nil {
		enc.Close()
		zstdEncoderPool.Put(enc)
		return err
	}
	err := enc.Close()
	zstdEncoderPool.Put(enc)
	return err
}
