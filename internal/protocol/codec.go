package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Conn frames messages over a duplex byte stream pair. Reads and writes are
// independent; writes are serialized so concurrent senders cannot interleave
// a message.
type Conn struct {
	wmu sync.Mutex
	enc *json.Encoder
	dec *json.Decoder
}

// NewConn wraps the given reader/writer pair in a message connection.
func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{
		enc: json.NewEncoder(w),
		dec: json.NewDecoder(r),
	}
}

// Send marshals params and writes one {method, params} envelope.
func (c *Conn) Send(method string, params any) error {
	if method == "" {
		return fmt.Errorf("method is empty")
	}

	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal %s params: %w", method, err)
		}
		raw = b
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.enc.Encode(&Message{Method: method, Params: raw}); err != nil {
		return fmt.Errorf("encode %s message: %w", method, err)
	}
	return nil
}

// Recv reads the next envelope. Returns io.EOF once the peer closes its end.
func (c *Conn) Recv() (*Message, error) {
	var msg Message
	if err := c.dec.Decode(&msg); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if msg.Method == "" {
		return nil, fmt.Errorf("message missing required field: method")
	}
	return &msg, nil
}
