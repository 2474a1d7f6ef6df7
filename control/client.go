package control

import (
	"encoding/json"
	"net"
	"time"

	"github.com/vireo/runnerd/errors"
	"github.com/vireo/runnerd/proto"
)

// Client performs one request/response round-trip per call against the
// daemon's control socket. Connection failures (socket missing, refused)
// are mapped to ErrDaemonUnreachable so callers can tell "daemon not
// running" apart from "daemon returned an error".
type Client struct {
	socketPath  string
	dialTimeout time.Duration
	callTimeout time.Duration
}

// NewClient creates a client for the given control socket
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath:  socketPath,
		dialTimeout: 2 * time.Second,
		callTimeout: 30 * time.Second,
	}
}

// Call sends one request and returns the raw result payload.
// A daemon-side error comes back as a plain error; transport failures wrap
// ErrDaemonUnreachable.
func (c *Client) Call(method string, params map[string]interface{}) (json.RawMessage, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.dialTimeout)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrDaemonUnreachable, "dial %s: %v", c.socketPath, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.callTimeout))

	data, err := proto.EncodeRequest(&proto.Request{Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(data); err != nil {
		return nil, errors.Wrapf(errors.ErrDaemonUnreachable, "write request: %v", err)
	}

	record, err := proto.ReadRecord(conn)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrDaemonUnreachable, "read response: %v", err)
	}

	resp, err := proto.DecodeResponse(record)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, errors.Newf("daemon: %s", resp.Error)
	}
	return resp.Result, nil
}

// CallInto performs a round-trip and unmarshals the result into out
func (c *Client) CallInto(method string, params map[string]interface{}, out interface{}) error {
	result, err := c.Call(method, params)
	if err != nil {
		return err
	}
	if out == nil || len(result) == 0 {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(result, out), "unmarshal %s result", method)
}

// Ping reports whether the daemon answers a status request
func (c *Client) Ping() bool {
	_, err := c.Call("status", nil)
	return err == nil
}
