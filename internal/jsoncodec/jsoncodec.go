// Package jsoncodec is the JSON codec shared by script checks and the CLI.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

// Marshal encodes v with encoding/json compatible output.
func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

// MarshalIndent encodes v with indentation.
func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// Encode writes v to w followed by a newline.
func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

// NewIndentEncoder returns an encoder writing indented documents to w.
// Params: w destination; indent per-level indent string.
// Returns: configured encoder.
func NewIndentEncoder(w io.Writer, indent string) sonic.Encoder {
	enc := defaultConfig.NewEncoder(w)
	enc.SetIndent("", indent)
	return enc
}
