// Package encoding serializes lock table snapshots for diagnostics clients.
// ALL msgpack and zstd operations go through this package.
//
// Thread Safety: every function is safe for concurrent use.
package encoding

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Format selects the wire representation.
type Format string

const (
	JSON    Format = "json"
	Msgpack Format = "msgpack"
)

// ParseFormat maps a query parameter to a Format, defaulting to JSON.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return JSON, nil
	case "msgpack", "mp":
		return Msgpack, nil
	default:
		return "", fmt.Errorf("unsupported format %q", s)
	}
}

// ContentType is the HTTP media type for f.
func (f Format) ContentType() string {
	if f == Msgpack {
		return "application/msgpack"
	}
	return "application/json"
}

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data. Strings decode as Go strings when the
// target is interface{}.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}

var encoderPool sync.Pool

// Encode writes v to w as f, zstd-compressed when compress is set.
func Encode(w io.Writer, v interface{}, f Format, compress bool) error {
	if !compress {
		return encodeRaw(w, v, f)
	}

	enc, ok := encoderPool.Get().(*zstd.Encoder)
	if ok {
		enc.Reset(w)
	} else {
		var err error
		enc, err = zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return err
		}
	}
	defer encoderPool.Put(enc)

	if err := encodeRaw(enc, v, f); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// Decode reads a value written by Encode with the same options.
func Decode(r io.Reader, v interface{}, f Format, compressed bool) error {
	if compressed {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return err
		}
		defer dec.Close()
		r = dec
	}

	switch f {
	case Msgpack:
		dec := msgpack.NewDecoder(r)
		dec.UseLooseInterfaceDecoding(true)
		return dec.Decode(v)
	case JSON:
		return json.NewDecoder(r).Decode(v)
	default:
		return fmt.Errorf("unsupported format %q", f)
	}
}

func encodeRaw(w io.Writer, v interface{}, f Format) error {
	switch f {
	case Msgpack:
		return msgpack.NewEncoder(w).Encode(v)
	case JSON:
		return json.NewEncoder(w).Encode(v)
	default:
		return fmt.Errorf("unsupported format %q", f)
	}
}
