package relayapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
)

// Multipart field names of the telemetry upload.
const (
	partMetadata = "metadata"
	partFile     = "file"
)

var errMalformedUpload = errors.New("malformed multipart upload")

// intake is the size-capped result of reading an upload body.
type intake struct {
	metadata json.RawMessage
	payload  []byte
	oversize bool
}

// readUpload streams the multipart body, reading at most maxMeta bytes of
// metadata and maxPayload bytes of file. It stops at the first oversize file
// part without buffering the rest.
func readUpload(r *http.Request, maxMeta, maxPayload int64) (intake, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		return intake{}, errMalformedUpload
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return intake{}, errMalformedUpload
	}

	var (
		out      intake
		haveMeta bool
		haveFile bool
	)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return intake{}, malformed(err)
		}

		switch strings.TrimSpace(part.FormName()) {
		case partMetadata:
			if haveMeta {
				return intake{}, errMalformedUpload
			}
			b, over, err := readCapped(part, maxMeta)
			if err != nil {
				return intake{}, malformed(err)
			}
			if over {
				return intake{}, errMalformedUpload
			}
			out.metadata = json.RawMessage(b)
			haveMeta = true
		case partFile:
			if haveFile {
				return intake{}, errMalformedUpload
			}
			b, over, err := readCapped(part, maxPayload)
			if err != nil {
				return intake{}, malformed(err)
			}
			if over {
				out.oversize = true
				return out, nil
			}
			out.payload = b
			haveFile = true
		}
		_ = part.Close()
	}
	if !haveMeta || !haveFile {
		return intake{}, errMalformedUpload
	}
	return out, nil
}

// malformed keeps body-limit errors visible to the caller.
func malformed(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return err
	}
	return errMalformedUpload
}

// readCapped reads up to limit bytes and reports whether more were available.
func readCapped(r io.Reader, limit int64) ([]byte, bool, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if n > limit {
		return nil, true, nil
	}
	return buf.Bytes(), false, nil
}
