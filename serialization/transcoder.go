package serialization

import (
	"errors"
	"fmt"
	"mime"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// Content types understood by the built-in transcoders.
const (
	ContentTypeJSON   = "application/json"
	ContentTypeText   = "text/plain"
	ContentTypeBinary = "application/octet-stream"
)

var (
	// ErrDecode is wrapped by every DecodeError
	ErrDecode = errors.New("serialization: decode failed")
	// ErrEncode is wrapped by every EncodeError
	ErrEncode = errors.New("serialization: encode failed")
	// ErrUnsupportedContentType is returned when a payload carries a content type the transcoder cannot read
	ErrUnsupportedContentType = errors.New("serialization: unsupported content type")
)

// Transcoder converts application payloads to and from message bodies.
// Implementations must be deterministic and free of side effects.
type Transcoder[T any] interface {
	// ContentType is stamped on every encoded message
	ContentType() string
	// Encode turns a payload into a message body
	Encode(v T) ([]byte, error)
	// Decode turns a message body back into a payload. contentType may be
	// empty when the transport does not carry one.
	Decode(contentType string, data []byte) (T, error)
}

// DecodeError describes a payload that could not be decoded
type DecodeError struct {
	ContentType string
	Err         error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("serialization: decode %q: %v", e.ContentType, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}

// EncodeError describes a payload that could not be encoded
type EncodeError struct {
	ContentType string
	Err         error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("serialization: encode %q: %v", e.ContentType, e.Err)
}

func (e *EncodeError) Unwrap() []error {
	return []error{ErrEncode, e.Err}
}

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

type jsonTranscoder[T any] struct{}

// JSON returns a transcoder encoding payloads as JSON
func JSON[T any]() Transcoder[T] {
	return jsonTranscoder[T]{}
}

func (jsonTranscoder[T]) ContentType() string {
	return ContentTypeJSON
}

func (jsonTranscoder[T]) Encode(v T) ([]byte, error) {
	data, err := jsonAPI.Marshal(v)
	if err != nil {
		return nil, &EncodeError{ContentType: ContentTypeJSON, Err: err}
	}
	return data, nil
}

func (jsonTranscoder[T]) Decode(contentType string, data []byte) (T, error) {
	var v T
	if !acceptsJSON(contentType) {
		return v, &DecodeError{ContentType: contentType, Err: ErrUnsupportedContentType}
	}
	if err := jsonAPI.Unmarshal(data, &v); err != nil {
		return v, &DecodeError{ContentType: contentType, Err: err}
	}
	return v, nil
}

func acceptsJSON(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == ContentTypeJSON || strings.HasSuffix(mediaType, "+json")
}

type textTranscoder struct{}

// Text returns a transcoder carrying plain strings as UTF-8 text
func Text() Transcoder[string] {
	return textTranscoder{}
}

func (textTranscoder) ContentType() string {
	return ContentTypeText + "; charset=utf-8"
}

func (textTranscoder) Encode(v string) ([]byte, error) {
	return []byte(v), nil
}

func (textTranscoder) Decode(_ string, data []byte) (string, error) {
	return string(data), nil
}

type rawTranscoder struct{}

// Raw returns a transcoder passing bytes through untouched
func Raw() Transcoder[[]byte] {
	return rawTranscoder{}
}

func (rawTranscoder) ContentType() string {
	return ContentTypeBinary
}

func (rawTranscoder) Encode(v []byte) ([]byte, error) {
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (rawTranscoder) Decode(_ string, data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
