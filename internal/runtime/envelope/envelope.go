// Package envelope encodes message bodies and decodes them again using the
// encoding recorded in the envelope headers.
package envelope

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/drblury/courier/internal/runtime/address"
	"github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/jsoncodec"
	"github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/metadata"
)

// Supported structured encodings.
const (
	EncodingJSON = "json"
	EncodingYAML = "yaml"
)

const previewLength = 100

// Codec serialises structured bodies with one configured encoding and
// decodes whatever encoding an inbound envelope declares.
type Codec struct {
	encoding  string
	logger    logging.ServiceLogger
	onFailure func(encoding string)
}

// NewCodec returns a codec encoding structured bodies as encoding.
func NewCodec(encoding string, logger logging.ServiceLogger) (*Codec, error) {
	encoding = strings.ToLower(encoding)
	if encoding == "" {
		encoding = EncodingYAML
	}
	if encoding != EncodingJSON && encoding != EncodingYAML {
		return nil, fmt.Errorf("%w: %q", errors.ErrUnknownEncoding, encoding)
	}
	if logger == nil {
		logger = logging.NewNopServiceLogger()
	}
	return &Codec{encoding: encoding, logger: logger}, nil
}

// OnDecodeFailure registers fn to be called whenever Decode falls back to the
// raw body because the declared encoding is unknown or the body is corrupt.
func (c *Codec) OnDecodeFailure(fn func(encoding string)) {
	c.onFailure = fn
}

// Encoding returns the name stamped on structured bodies.
func (c *Codec) Encoding() string {
	return c.encoding
}

// Encode serialises body. Strings and byte slices pass through untouched and
// leave headers alone; any other value is marshalled and headers records the
// encoding used.
func (c *Codec) Encode(headers metadata.Metadata, body any) ([]byte, error) {
	switch v := body.(type) {
	case nil:
		return []byte{}, nil
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	}

	raw, err := marshal(c.encoding, body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", c.encoding, err)
	}
	headers[address.HeaderEncoding] = c.encoding
	return raw, nil
}

// Decode returns the value carried by raw. It never fails: bodies without a
// known encoding, or that do not parse, come back as a string.
func (c *Codec) Decode(headers metadata.Metadata, raw []byte) any {
	encoding, _ := headers.Get(address.HeaderEncoding)
	switch encoding {
	case EncodingJSON, EncodingYAML:
	case "":
		return string(raw)
	default:
		c.logger.Warn("Unknown body encoding, passing body through", logging.LogFields{
			"encoding": encoding,
			"body":     Preview(raw),
		})
		c.failed(encoding)
		return string(raw)
	}

	var value any
	if err := unmarshal(encoding, raw, &value); err != nil {
		c.logger.Error("Failed to decode body, passing it through", err, logging.LogFields{
			"encoding": encoding,
			"body":     Preview(raw),
		})
		c.failed(encoding)
		return string(raw)
	}
	return value
}

func (c *Codec) failed(encoding string) {
	if c.onFailure != nil {
		c.onFailure(encoding)
	}
}

// DecodeInto unmarshals raw into target using the declared encoding. An
// empty body leaves target untouched.
func (c *Codec) DecodeInto(headers metadata.Metadata, raw []byte, target any) error {
	if len(raw) == 0 {
		return nil
	}
	encoding, _ := headers.Get(address.HeaderEncoding)
	switch encoding {
	case EncodingJSON, EncodingYAML:
		return unmarshal(encoding, raw, target)
	case "":
		return fmt.Errorf("decode body: no encoding header")
	default:
		return fmt.Errorf("%w: %q", errors.ErrUnknownEncoding, encoding)
	}
}

// Preview shortens a body for log output.
func Preview(raw []byte) string {
	if len(raw) <= previewLength {
		return string(raw)
	}
	return string(raw[:previewLength]) + "..."
}

func marshal(encoding string, v any) ([]byte, error) {
	if encoding == EncodingJSON {
		return jsoncodec.Marshal(v)
	}
	return yaml.Marshal(v)
}

func unmarshal(encoding string, raw []byte, target any) error {
	if encoding == EncodingJSON {
		return jsoncodec.Unmarshal(raw, target)
	}
	return yaml.Unmarshal(raw, target)
}
