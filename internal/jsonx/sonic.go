// Package jsonx wraps Sonic for the engine's three JSON call sites:
// the admin HTTP surface's request/response bodies, the hand-written
// gRPC JSON codec, and internal/asdump's JSON snapshot rendering.
package jsonx

import (
	"bytes"
	"io"

	"github.com/bytedance/sonic"
)

// Marshal returns the JSON encoding of v using Sonic.
func Marshal(v interface{}) ([]byte, error) {
	return sonic.Marshal(v)
}

// Unmarshal parses the JSON-encoded data into v using Sonic.
func Unmarshal(data []byte, v interface{}) error {
	return sonic.Unmarshal(data, v)
}

// NewDecoder returns a decoder that reads the whole of r before
// unmarshaling, since Sonic has no incremental streaming decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: r}
}

// NewEncoder returns an encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{writer: w}
}

// Decoder reads one JSON value from its underlying reader.
type Decoder struct {
	reader io.Reader
}

// Decode reads all remaining input and unmarshals it into v.
func (d *Decoder) Decode(v interface{}) error {
	data, err := io.ReadAll(d.reader)
	if err != nil {
		return err
	}
	return sonic.Unmarshal(data, v)
}

// Encoder writes JSON values to its underlying writer, one per line.
type Encoder struct {
	writer io.Writer
	buf    bytes.Buffer
}

// Encode writes the JSON encoding of v to the stream, followed by a
// newline.
func (e *Encoder) Encode(v interface{}) error {
	e.buf.Reset()
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	e.buf.Write(data)
	e.buf.WriteByte('\n')
	_, err = e.writer.Write(e.buf.Bytes())
	return err
}
