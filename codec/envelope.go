// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/xmidt-org/courier/model"
)

const (
	// MaxMessageSize is the largest message we attempt to send. It leaves a
	// margin under HardMessageLimit for backend encoding overhead.
	MaxMessageSize = 40000

	// HardMessageLimit is the backend's own limit.
	HardMessageLimit = 65536
)

// Compression selects how an envelope body is compressed. Its value is the
// marker byte written at the front of the envelope.
type Compression byte

const (
	CompressionNone   Compression = 'j'
	CompressionGzip   Compression = 'g'
	CompressionBrotli Compression = 'b'
)

var ErrUnknownEnvelope = errors.New("unknown envelope content marker")

// Wrap prefixes payload with its content marker, compressing as requested.
func Wrap(payload []byte, c Compression) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(c))

	var w io.WriteCloser
	switch c {
	case CompressionNone:
		buf.Write(payload)
		return buf.Bytes(), nil
	case CompressionGzip:
		w = gzip.NewWriter(&buf)
	case CompressionBrotli:
		w = brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvelope, byte(c))
	}
	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unwrap reverses Wrap.
func Unwrap(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty envelope", ErrUnknownEnvelope)
	}
	body := bytes.NewReader(data[1:])
	switch Compression(data[0]) {
	case CompressionNone:
		return data[1:], nil
	case CompressionGzip:
		r, err := gzip.NewReader(body)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case CompressionBrotli:
		return io.ReadAll(brotli.NewReader(body))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvelope, data[0])
	}
}

// EncodeEnvelope encodes a command and wraps it for the wire.
func EncodeEnvelope(c *model.Command, compression Compression) ([]byte, error) {
	payload, err := Encode(c)
	if err != nil {
		return nil, err
	}
	return Wrap(payload, compression)
}

// DecodeEnvelope is the inverse of EncodeEnvelope.
func DecodeEnvelope(data []byte) (*model.Command, error) {
	payload, err := Unwrap(data)
	if err != nil {
		return nil, err
	}
	return Decode(payload)
}

// Packager turns arbitrary work item payloads into gzip compressed JSON.
type Packager struct {
	// Ratio, when set, receives uncompressed/compressed size per payload type.
	Ratio *prometheus.GaugeVec
}

// Package serializes v. The result is always gzip compressed JSON.
func (p Packager) Package(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err = w.Write(raw); err != nil {
		return nil, err
	}
	if err = w.Close(); err != nil {
		return nil, err
	}
	if p.Ratio != nil && buf.Len() > 0 {
		p.Ratio.With(prometheus.Labels{TypeLabel: TypeName(v)}).Set(float64(len(raw)) / float64(buf.Len()))
	}
	return buf.Bytes(), nil
}

// Unpackage reverses Package into v.
func (p Packager) Unpackage(data []byte, v any) error {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer r.Close()
	return json.NewDecoder(r).Decode(v)
}

// TypeLabel labels metrics with the payload type name.
const TypeLabel = "type"

// TypeName is the unqualified type name of v, used for metric labels.
func TypeName(v any) string {
	name := strings.TrimPrefix(fmt.Sprintf("%T", v), "*")
	if i := strings.IndexByte(name, '['); i >= 0 {
		name = name[:i]
	}
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return name
}
