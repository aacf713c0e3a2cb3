package upload

import (
	"bytes"
	"encoding/json"

	"github.com/go-playground/validator/v10"
)

// Metadata is the signed part of the upload metadata document. Other fields
// are passed through to the sink untouched.
type Metadata struct {
	FileHash      string `json:"file_hash" validate:"required,len=64,hexadecimal"`
	FileSizeBytes *int64 `json:"file_size_bytes" validate:"required,gte=0"`
	SchemaVersion string `json:"schema_version" validate:"required,max=32,printascii"`
}

func parseMetadata(v *validator.Validate, raw json.RawMessage) (Metadata, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return Metadata{}, errBadMetadata
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return Metadata{}, errBadMetadata
	}
	if err := v.Struct(m); err != nil {
		return Metadata{}, errBadMetadata
	}
	return m, nil
}
