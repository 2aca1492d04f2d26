// Package mp speaks the hypervisor's Monitor Protocol: a newline-delimited
// JSON request/response/event transport over a UNIX-domain or TCP stream,
// with greeting/capability-negotiation handshake and FIFO correlation of
// replies to pending requests.
package mp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	unixDialRetries = 10
	unixDialBaseDelay = 100 * time.Millisecond
	unixDialMaxDelay  = time.Second
)

// Status is the parsed result of query-status (spec §4.1, queryStatus).
type Status struct {
	Status     string
	Running    bool
	Singlestep bool
}

type pendingRequest struct {
	ch        chan pendingResult
	cancelled bool
}

type pendingResult struct {
	resp *Response
	err  error
}

// Client owns one MP connection: greeting/handshake negotiation,
// request/response RPC, and best-effort event logging (spec §4.1).
type Client struct {
	mu        sync.Mutex
	conn      net.Conn
	connected bool
	pending   []*pendingRequest
	greeting  *Greeting

	wg sync.WaitGroup
}

// NewClient returns a disconnected Client.
func NewClient() *Client {
	return &Client{}
}

// Greeting returns the greeting observed on the current (or most recent)
// connection, or nil if none has been seen yet.
func (c *Client) Greeting() *Greeting {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.greeting
}

// IsConnected reports whether the client currently owns a live connection.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// ConnectUnix opens a UNIX-domain stream to path, performs the greeting
// and qmp_capabilities handshake of spec §4.1, and tolerates initial
// connect refusals with the retry schedule of spec §5 (up to 10 attempts,
// 0.1s doubling to a 1.0s cap between attempts).
func (c *Client) ConnectUnix(path string) error {
	c.mu.Lock()
	already := c.connected
	c.mu.Unlock()
	if already {
		return ErrNotConnected
	}

	conn, err := dialUnixWithRetry(path)
	if err != nil {
		return err
	}
	return c.handshake(conn)
}

// ConnectTCP opens a TCP stream to host:port and performs the same
// handshake as ConnectUnix. The retry schedule of spec §5 is specific to
// the UNIX control-socket race with the supervisor (spec §4.2) and does
// not apply here.
func (c *Client) ConnectTCP(host string, port int) error {
	c.mu.Lock()
	already := c.connected
	c.mu.Unlock()
	if already {
		return ErrNotConnected
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := net.DialTimeout("tcp", addr, unixDialMaxDelay)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return c.handshake(conn)
}

func dialUnixWithRetry(path string) (net.Conn, error) {
	var lastErr error
	delay := unixDialBaseDelay
	for attempt := 0; attempt < unixDialRetries; attempt++ {
		conn, err := net.DialTimeout("unix", path, unixDialMaxDelay)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt == unixDialRetries-1 {
			break
		}
		time.Sleep(delay)
		delay *= 2
		if delay > unixDialMaxDelay {
			delay = unixDialMaxDelay
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrConnectionLost, lastErr)
}

func (c *Client) handshake(conn net.Conn) error {
	reader := bufio.NewReader(conn)

	line, err := reader.ReadBytes('\n')
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: greeting read failed: %v", ErrConnectionLost, err)
	}
	greeting, err := decodeGreeting(line)
	if err != nil {
		conn.Close()
		return err
	}

	capReq := Request{Command: "qmp_capabilities"}
	data, err := capReq.Encode()
	if err != nil {
		conn.Close()
		return err
	}
	if _, err := conn.Write(data); err != nil {
		conn.Close()
		return fmt.Errorf("%w: capabilities write failed: %v", ErrConnectionLost, err)
	}

	line, err = reader.ReadBytes('\n')
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: capabilities read failed: %v", ErrConnectionLost, err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		conn.Close()
		return fmt.Errorf("%w: capabilities response: %v", ErrInvalidResponse, err)
	}
	if classify(raw) != messageResponse {
		conn.Close()
		return fmt.Errorf("%w: capabilities response missing return/error", ErrInvalidResponse)
	}
	resp, err := decodeResponse(line)
	if err != nil {
		conn.Close()
		return err
	}
	if resp.Error != nil {
		conn.Close()
		return resp.Error
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.pending = nil
	c.greeting = greeting
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn, reader)

	return nil
}

// readLoop accumulates inbound bytes, framing on '\n' (spec §4.1,
// "Framing"), and dispatches each decoded message by the structural
// classification order of spec §4.1 ("Message dispatch").
func (c *Client) readLoop(conn net.Conn, reader *bufio.Reader) {
	defer c.wg.Done()
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			c.handleConnectionLost()
			return
		}

		trimmed := bytes.TrimRight(line, "\n")
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			log.Printf("[mp] discarding unparseable message: %v", err)
			continue
		}

		switch classify(raw) {
		case messageGreeting:
			log.Printf("[mp] unexpected greeting after handshake, ignoring")

		case messageEvent:
			ev, err := decodeEvent(trimmed)
			if err != nil {
				log.Printf("[mp] discarding malformed event: %v", err)
				continue
			}
			log.Printf("[mp] event: %s", ev.Name)

		case messageResponse:
			resp, err := decodeResponse(trimmed)
			if err != nil {
				log.Printf("[mp] discarding malformed response: %v", err)
				continue
			}
			c.dispatchResponse(resp)

		default:
			log.Printf("[mp] unknown message, discarding: %s", trimmed)
		}
	}
}

func (c *Client) dispatchResponse(resp *Response) {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		log.Printf("[mp] response with no pending request, discarding")
		return
	}
	p := c.pending[0]
	c.pending = c.pending[1:]
	cancelled := p.cancelled
	c.mu.Unlock()

	if cancelled {
		log.Printf("[mp] dropping response for a cancelled request")
		return
	}
	select {
	case p.ch <- pendingResult{resp: resp}:
	default:
	}
}

// handleConnectionLost resolves every pending waiter with ErrConnectionLost,
// clears the FIFO, and marks the client disconnected (spec §4.1,
// "Connection failure"). Idempotent.
func (c *Client) handleConnectionLost() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	pending := c.pending
	c.pending = nil
	conn := c.conn
	c.mu.Unlock()

	for _, p := range pending {
		select {
		case p.ch <- pendingResult{err: ErrConnectionLost}:
		default:
		}
	}
	if conn != nil {
		conn.Close()
	}
}

// Disconnect idempotently closes the transport and releases any waiting
// requests with ErrConnectionLost (spec §4.1, "disconnect()").
func (c *Client) Disconnect() error {
	c.handleConnectionLost()
	c.wg.Wait()
	return nil
}

// ExecuteContext submits one request and awaits its correlated response
// (spec §4.1, "execute"). Cancelling ctx resolves the caller's wait with
// ctx.Err() immediately; if the peer's response still arrives afterward it
// is dropped on the floor with a log line (spec §5, "Cancellation
// semantics").
func (c *Client) ExecuteContext(ctx context.Context, command string, arguments map[string]Value) (Value, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return Value{}, ErrNotConnected
	}

	req := Request{Command: command, Arguments: arguments, ID: String(uuid.New().String())}
	data, err := req.Encode()
	if err != nil {
		c.mu.Unlock()
		return Value{}, err
	}

	if _, err := c.conn.Write(data); err != nil {
		c.mu.Unlock()
		c.handleConnectionLost()
		return Value{}, ErrConnectionLost
	}

	p := &pendingRequest{ch: make(chan pendingResult, 1)}
	c.pending = append(c.pending, p)
	c.mu.Unlock()

	select {
	case res := <-p.ch:
		if res.err != nil {
			return Value{}, res.err
		}
		if res.resp.Error != nil {
			return Value{}, res.resp.Error
		}
		return res.resp.Return, nil
	case <-ctx.Done():
		c.mu.Lock()
		p.cancelled = true
		c.mu.Unlock()
		return Value{}, ctx.Err()
	}
}

// Execute is ExecuteContext with context.Background().
func (c *Client) Execute(command string, arguments map[string]Value) (Value, error) {
	return c.ExecuteContext(context.Background(), command, arguments)
}

// QueryStatus wraps query-status, validating the three required fields
// (spec §4.1, "queryStatus"). Missing or mistyped fields raise
// ErrInvalidResponse.
func (c *Client) QueryStatus(ctx context.Context) (Status, error) {
	ret, err := c.ExecuteContext(ctx, "query-status", nil)
	if err != nil {
		return Status{}, err
	}
	obj, ok := ret.AsObject()
	if !ok {
		return Status{}, fmt.Errorf("%w: query-status did not return an object", ErrInvalidResponse)
	}

	statusVal, ok := obj["status"]
	if !ok {
		return Status{}, fmt.Errorf("%w: query-status missing 'status'", ErrInvalidResponse)
	}
	status, ok := statusVal.AsString()
	if !ok {
		return Status{}, fmt.Errorf("%w: query-status 'status' is not a string", ErrInvalidResponse)
	}

	runningVal, ok := obj["running"]
	if !ok {
		return Status{}, fmt.Errorf("%w: query-status missing 'running'", ErrInvalidResponse)
	}
	running, ok := runningVal.AsBool()
	if !ok {
		return Status{}, fmt.Errorf("%w: query-status 'running' is not a bool", ErrInvalidResponse)
	}

	singlestepVal, ok := obj["singlestep"]
	if !ok {
		return Status{}, fmt.Errorf("%w: query-status missing 'singlestep'", ErrInvalidResponse)
	}
	singlestep, ok := singlestepVal.AsBool()
	if !ok {
		return Status{}, fmt.Errorf("%w: query-status 'singlestep' is not a bool", ErrInvalidResponse)
	}

	return Status{Status: status, Running: running, Singlestep: singlestep}, nil
}

// Cont wraps the "cont" command.
func (c *Client) Cont(ctx context.Context) error {
	_, err := c.ExecuteContext(ctx, "cont", nil)
	return err
}

// Stop wraps the "stop" command.
func (c *Client) Stop(ctx context.Context) error {
	_, err := c.ExecuteContext(ctx, "stop", nil)
	return err
}

// SystemPowerdown wraps "system_powerdown".
func (c *Client) SystemPowerdown(ctx context.Context) error {
	_, err := c.ExecuteContext(ctx, "system_powerdown", nil)
	return err
}

// SystemReset wraps "system_reset".
func (c *Client) SystemReset(ctx context.Context) error {
	_, err := c.ExecuteContext(ctx, "system_reset", nil)
	return err
}

// Quit wraps "quit".
func (c *Client) Quit(ctx context.Context) error {
	_, err := c.ExecuteContext(ctx, "quit", nil)
	return err
}

// BlockdevAdd wraps "blockdev-add" (spec §4.3, attachDisk step 1).
func (c *Client) BlockdevAdd(ctx context.Context, args map[string]Value) error {
	_, err := c.ExecuteContext(ctx, "blockdev-add", args)
	return err
}

// DeviceAdd wraps "device_add" (spec §4.3, attachDisk step 2).
func (c *Client) DeviceAdd(ctx context.Context, args map[string]Value) error {
	_, err := c.ExecuteContext(ctx, "device_add", args)
	return err
}

// DeviceDel wraps "device_del" (spec §4.3, detachDisk step 1).
func (c *Client) DeviceDel(ctx context.Context, id string) error {
	_, err := c.ExecuteContext(ctx, "device_del", map[string]Value{"id": String(id)})
	return err
}

// BlockdevDel wraps "blockdev-del" (spec §4.3, detachDisk step 2).
func (c *Client) BlockdevDel(ctx context.Context, nodeName string) error {
	_, err := c.ExecuteContext(ctx, "blockdev-del", map[string]Value{"node-name": String(nodeName)})
	return err
}

// QueryBlock wraps "query-block", returning the raw list of block device
// status entries (spec §4.3, listDisks).
func (c *Client) QueryBlock(ctx context.Context) ([]Value, error) {
	ret, err := c.ExecuteContext(ctx, "query-block", nil)
	if err != nil {
		return nil, err
	}
	list, ok := ret.AsList()
	if !ok {
		return nil, fmt.Errorf("%w: query-block did not return a list", ErrInvalidResponse)
	}
	return list, nil
}
