// Package proto defines the control-plane wire protocol: one
// newline-delimited JSON record per direction, one request per connection.
//
// Request:  {"method": "add_job", "params": {...}}
// Response: {"ok": true, "result": {...}} or {"ok": false, "error": "..."}
package proto

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/vireo/runnerd/errors"
)

// MaxRecordBytes bounds a single wire record. Requests and responses are
// small control messages; anything larger is malformed.
const MaxRecordBytes = 1 << 20

// Request is a single control-plane call
type Request struct {
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Response carries either a success payload or an error message
type Response struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// OkResponse wraps a result value in a success response
func OkResponse(result interface{}) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, errors.Wrap(err, "marshal result")
	}
	return &Response{OK: true, Result: raw}, nil
}

// ErrResponse wraps an error in a failure response
func ErrResponse(err error) *Response {
	return &Response{OK: false, Error: err.Error()}
}

// EncodeRequest serializes a request as one newline-terminated record
func EncodeRequest(req *Request) ([]byte, error) {
	if req.Method == "" {
		return nil, errors.NewInvalidRequest("request method is empty")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "marshal request")
	}
	return append(data, '\n'), nil
}

// DecodeRequest parses a single record into a request. Empty, undecodable
// or wrongly-shaped input yields ErrInvalidRequest without touching daemon
// logic.
func DecodeRequest(line []byte) (*Request, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, errors.NewInvalidRequest("empty request")
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidRequest, err.Error())
	}
	if req.Method == "" {
		return nil, errors.NewInvalidRequest("request missing method")
	}
	return &req, nil
}

// EncodeResponse serializes a response as one newline-terminated record
func EncodeResponse(resp *Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, errors.Wrap(err, "marshal response")
	}
	return append(data, '\n'), nil
}

// DecodeResponse parses a single record into a response
func DecodeResponse(line []byte) (*Response, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, errors.New("empty response")
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, errors.Wrap(err, "decode response")
	}
	return &resp, nil
}

// ReadRecord reads one newline-delimited record from r, bounded by
// MaxRecordBytes
func ReadRecord(r io.Reader) ([]byte, error) {
	br := bufio.NewReaderSize(io.LimitReader(r, MaxRecordBytes), 4096)
	line, err := br.ReadBytes('\n')
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "read record")
	}
	if len(bytes.TrimSpace(line)) == 0 {
		return nil, errors.NewInvalidRequest("empty record")
	}
	return line, nil
}
