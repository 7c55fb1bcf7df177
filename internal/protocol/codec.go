package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// EncodeRequest serializes a Request to JSON and writes it to w.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if req.Task == "" {
		return fmt.Errorf("request missing task name")
	}
	if req.Args == nil {
		// Entrypoints expect an array, never null.
		req.Args = []any{}
	}

	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return nil
}

// DecodeRequest reads a Request from r. Entrypoints written in Go use it.
func DecodeRequest(r io.Reader) (*Request, error) {
	var req Request
	decoder := json.NewDecoder(r)
	decoder.UseNumber()
	if err := decoder.Decode(&req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if req.Protocol != Version {
		return nil, fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	return &req, nil
}

// DecodeResponse reads and deserializes a Response from JSON in r.
// Unknown fields are rejected.
func DecodeResponse(r io.Reader) (*Response, error) {
	var resp Response

	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if err := resp.validate(); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DecodeResponseLenient is like DecodeResponse but tolerates unknown fields
// and returns the raw bytes so protocol errors can be reported with what the
// task actually printed.
func DecodeResponseLenient(r io.Reader) (*Response, []byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(data) == 0 {
		return nil, data, fmt.Errorf("task produced no output on stdout")
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, data, fmt.Errorf("task output is not valid JSON: %w", err)
	}
	if err := resp.validate(); err != nil {
		return nil, data, err
	}
	return &resp, data, nil
}

func (r *Response) validate() error {
	switch r.Status {
	case "":
		return fmt.Errorf("response missing required field: status")
	case StatusOK:
		return nil
	case StatusError:
		if r.Error == "" {
			return fmt.Errorf("response has status=error but no error message")
		}
		return nil
	default:
		return fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", r.Status)
	}
}
