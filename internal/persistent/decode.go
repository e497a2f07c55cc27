package persistent

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/charmbracelet/log"
	"github.com/kaptinlin/jsonrepair"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decodeBody decodes a JSON response body into v. A body that fails to parse
// is sanitized and repaired once before giving up with a
// MalformedResponseError.
func decodeBody(op string, body []byte, v any) error {
	if err := json.Unmarshal(body, v); err == nil {
		return nil
	}

	cleaned := bytes.TrimSpace(bytes.TrimPrefix(body, utf8BOM))
	if len(cleaned) == 0 {
		return &MalformedResponseError{Op: op, Err: errEmptyBody}
	}
	if err := json.Unmarshal(cleaned, v); err == nil {
		return nil
	}

	repaired, err := jsonrepair.JSONRepair(string(cleaned))
	if err != nil {
		return &MalformedResponseError{Op: op, Err: err}
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return &MalformedResponseError{Op: op, Err: err}
	}
	log.Debug("Repaired malformed persistent store response", "op", op, "bytes", len(body))
	return nil
}

var errEmptyBody = errors.New("empty body")
