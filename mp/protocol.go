package mp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Request is one outbound MP command (spec §3, MPRequest).
type Request struct {
	Command   string
	Arguments map[string]Value
	ID        Value
}

type wireRequest struct {
	Execute   string           `json:"execute"`
	Arguments map[string]Value `json:"arguments,omitempty"`
	ID        *Value           `json:"id,omitempty"`
}

// Encode renders r as one canonical JSON object followed by a single
// newline, the MP wire framing of spec §4.1.
func (r Request) Encode() ([]byte, error) {
	if r.Command == "" {
		return nil, fmt.Errorf("mp: request command name must not be empty")
	}
	wire := wireRequest{Execute: r.Command, Arguments: r.Arguments}
	if !r.ID.IsNull() {
		wire.ID = &r.ID
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("mp: encode request: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeRequest parses bytes (with or without a trailing newline) back
// into a Request. Used by tests to verify the round-trip property of
// spec §8.
func DecodeRequest(data []byte) (Request, error) {
	data = bytes.TrimSuffix(data, []byte("\n"))
	var wire wireRequest
	if err := json.Unmarshal(data, &wire); err != nil {
		return Request{}, fmt.Errorf("mp: decode request: %w", err)
	}
	req := Request{Command: wire.Execute, Arguments: wire.Arguments}
	if wire.ID != nil {
		req.ID = *wire.ID
	}
	return req, nil
}

// Response is one inbound MP reply: exactly one of Return or Error is set
// (spec §3, MPResponse).
type Response struct {
	Return Value
	Error  *MPError
	ID     Value
}

type wireResponse struct {
	Return *Value    `json:"return,omitempty"`
	Error  *wireMPErr `json:"error,omitempty"`
	ID     *Value    `json:"id,omitempty"`
}

type wireMPErr struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

// Greeting is the one-shot MP hello (spec §3, MPGreeting).
type Greeting struct {
	Version struct {
		Major   int64
		Minor   int64
		Micro   int64
		Package string
	}
	Capabilities []string
}

type wireGreeting struct {
	QMP struct {
		Version struct {
			QEMU struct {
				Major int64 `json:"major"`
				Minor int64 `json:"minor"`
				Micro int64 `json:"micro"`
			} `json:"qemu"`
			Package string `json:"package"`
		} `json:"version"`
		Capabilities []string `json:"capabilities"`
	} `json:"QMP"`
}

// Event is one asynchronous MP notification (spec §3, MPEvent).
type Event struct {
	Name      string
	Data      Value
	Seconds   int64
	Microseconds int64
}

type wireEvent struct {
	Event     string `json:"event"`
	Data      Value  `json:"data,omitempty"`
	Timestamp struct {
		Seconds      int64 `json:"seconds"`
		Microseconds int64 `json:"microseconds"`
	} `json:"timestamp"`
}

// messageKind classifies a decoded JSON message by structural presence of
// keys, per spec §4.1 ("Message dispatch"): greeting, event, response, or
// unknown. Classification never attempts to decode all three shapes
// blindly — it inspects a generic map first and picks the one matching
// shape.
type messageKind int

const (
	messageUnknown messageKind = iota
	messageGreeting
	messageEvent
	messageResponse
)

func classify(raw map[string]json.RawMessage) messageKind {
	if _, ok := raw["QMP"]; ok {
		return messageGreeting
	}
	if _, ok := raw["event"]; ok {
		return messageEvent
	}
	if _, ok := raw["return"]; ok {
		return messageResponse
	}
	if _, ok := raw["error"]; ok {
		return messageResponse
	}
	return messageUnknown
}

// decodeGreeting parses one framed line as an MP greeting. Used only
// during the handshake (spec §4.1, connectUnix/connectTCP) where a
// malformed greeting is a hard connect failure.
func decodeGreeting(line []byte) (*Greeting, error) {
	var wg wireGreeting
	if err := json.Unmarshal(line, &wg); err != nil {
		return nil, fmt.Errorf("%w: invalid greeting: %v", ErrInvalidResponse, err)
	}
	g := &Greeting{Capabilities: wg.QMP.Capabilities}
	g.Version.Major = wg.QMP.Version.QEMU.Major
	g.Version.Minor = wg.QMP.Version.QEMU.Minor
	g.Version.Micro = wg.QMP.Version.QEMU.Micro
	g.Version.Package = wg.QMP.Version.Package
	return g, nil
}

// decodeEvent parses one framed line as an MP event.
func decodeEvent(line []byte) (*Event, error) {
	var we wireEvent
	if err := json.Unmarshal(line, &we); err != nil {
		return nil, fmt.Errorf("%w: invalid event: %v", ErrInvalidResponse, err)
	}
	return &Event{
		Name:         we.Event,
		Data:         we.Data,
		Seconds:      we.Timestamp.Seconds,
		Microseconds: we.Timestamp.Microseconds,
	}, nil
}

// decodeResponse parses one framed line as an MP response. Precondition:
// classify(raw) already determined the line has a "return" or "error" key,
// so the only failure mode here is a type mismatch within those fields.
func decodeResponse(line []byte) (*Response, error) {
	var wr wireResponse
	if err := json.Unmarshal(line, &wr); err != nil {
		return nil, fmt.Errorf("%w: invalid response: %v", ErrInvalidResponse, err)
	}
	resp := &Response{}
	if wr.ID != nil {
		resp.ID = *wr.ID
	}
	if wr.Error != nil {
		resp.Error = &MPError{Class: wr.Error.Class, Desc: wr.Error.Desc}
	} else if wr.Return != nil {
		resp.Return = *wr.Return
	} else {
		return nil, fmt.Errorf("%w: message has neither return nor error", ErrInvalidResponse)
	}
	return resp, nil
}
