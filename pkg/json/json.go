// Package json wraps goccy/go-json with pooled buffers for the HTTP
// responses and JSON Lines snapshots written by crmsync.
package json

import (
	"bytes"
	"io"
	"net/http"
	"sync"

	gojson "github.com/goccy/go-json"
)

// maxPooledBuffer keeps very large buffers out of the pool
const maxPooledBuffer = 1 << 20

var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

// GetBuffer gets a pooled bytes.Buffer
func GetBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns a buffer to the pool
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() > maxPooledBuffer {
		return
	}
	bufferPool.Put(buf)
}

// Marshal encodes v
func Marshal(v interface{}) ([]byte, error) {
	return gojson.Marshal(v)
}

// Unmarshal decodes data into v
func Unmarshal(data []byte, v interface{}) error {
	return gojson.Unmarshal(data, v)
}

// MarshalIndent encodes v with indentation
func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return gojson.MarshalIndent(v, prefix, indent)
}

// MarshalToWriter encodes v to w through a pooled buffer so a failed
// encode writes nothing
func MarshalToWriter(w io.Writer, v interface{}) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	enc := gojson.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// WriteResponse writes v as a JSON response with the given status
func WriteResponse(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return MarshalToWriter(w, v)
}

// LinesEncoder writes one JSON document per line
type LinesEncoder struct {
	encoder *gojson.Encoder
	count   int
}

// NewLinesEncoder creates a JSON Lines encoder writing to w
func NewLinesEncoder(w io.Writer) *LinesEncoder {
	enc := gojson.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &LinesEncoder{encoder: enc}
}

// Encode writes v followed by a newline
func (e *LinesEncoder) Encode(v interface{}) error {
	if err := e.encoder.Encode(v); err != nil {
		return err
	}
	e.count++
	return nil
}

// Count returns the number of documents written
func (e *LinesEncoder) Count() int {
	return e.count
}
