package transport

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/mkohler/cadence/errors"
)

// Spec describes the child process backing a transport.
type Spec struct {
	Command string
	Args    []string
	Env     map[string]string
}

var (
	// ErrTimeout is returned when a request's deadline elapses before a
	// response with a matching id arrives.
	ErrTimeout = stderrors.New("request timed out")
	// ErrDisconnected is returned for requests issued after the transport
	// closed, and for requests still pending when it closes.
	ErrDisconnected = stderrors.New("transport disconnected")
)

// RPCError is a JSON-RPC 2.0 error object returned by the peer.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

type request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      *int64      `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type inbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type response struct {
	result json.RawMessage
	err    error
}

// NotificationHandler receives peer messages that carry no id.
type NotificationHandler func(method string, params json.RawMessage)

// Transport is a JSON-RPC 2.0 client over a single duplex byte stream,
// normally the stdin/stdout of a spawned child process. Requests are
// correlated to responses strictly by id, so out-of-order replies are fine.
type Transport struct {
	framing Framing
	timeout time.Duration
	trace   func(string)

	cmd    *exec.Cmd
	writer io.WriteCloser

	writeMu sync.Mutex // serializes frame writes to the peer

	mu        sync.Mutex // guards pending, nextID, connected, notify
	pending   map[int64]chan response
	nextID    int64
	connected bool
	notify    NotificationHandler

	done chan struct{} // closed when the read loop exits
}

// Option configures a Transport.
type Option func(*Transport)

// WithTrace installs a trace function for wire-level debugging.
func WithTrace(trace func(string)) Option {
	return func(t *Transport) {
		if trace != nil {
			t.trace = trace
		}
	}
}

// WithNotificationHandler routes peer notifications (messages without an id)
// to handler. Unrouted notifications are dropped.
func WithNotificationHandler(handler NotificationHandler) Option {
	return func(t *Transport) { t.notify = handler }
}

// Connect spawns the child process described by spec and wires a transport to
// its stdio. The process's stderr is passed through to this process's stderr.
// A spawn failure is returned directly; a process that exits later surfaces
// as ErrDisconnected on in-flight and subsequent requests.
func Connect(spec Spec, framing Framing, timeout time.Duration, opts ...Option) (*Transport, error) {
	if spec.Command == "" {
		return nil, errors.New("transport: empty command")
	}
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrapf(err, "transport: stdin pipe for '%s'", spec.Command)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrapf(err, "transport: stdout pipe for '%s'", spec.Command)
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "transport: failed to spawn '%s'", spec.Command)
	}

	t := Attach(stdout, stdin, framing, timeout, opts...)
	t.cmd = cmd
	go func() {
		err := cmd.Wait()
		t.trace(fmt.Sprintf("process '%s' exited: %v", spec.Command, err))
		t.shutdown()
	}()
	return t, nil
}

// Attach wires a transport over an existing reader/writer pair. Connect uses
// it for child processes; tests and in-process bridges use it directly.
func Attach(r io.Reader, w io.WriteCloser, framing Framing, timeout time.Duration, opts ...Option) *Transport {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	t := &Transport{
		framing:   framing,
		timeout:   timeout,
		trace:     func(string) {},
		writer:    w,
		pending:   make(map[int64]chan response),
		connected: true,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.readLoop(r)
	return t
}

// IsConnected reports whether the peer is still usable.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// SetNotificationHandler replaces the notification handler.
func (t *Transport) SetNotificationHandler(handler NotificationHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notify = handler
}

// Request sends a JSON-RPC request and blocks until the matching response
// arrives, the per-request deadline elapses, or ctx is cancelled. A late
// response for a request that already timed out is dropped: the pending entry
// is gone by then, so nothing is settled twice.
func (t *Transport) Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, errors.Wrapf(ErrDisconnected, "request '%s'", method)
	}
	t.nextID++
	id := t.nextID
	ch := make(chan response, 1)
	t.pending[id] = ch
	t.mu.Unlock()

	msg := request{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
	if err := t.write(msg); err != nil {
		t.removePending(id)
		return nil, err
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp.result, resp.err
	case <-timer.C:
		if t.removePending(id) {
			t.trace(fmt.Sprintf("request %d (%s) timed out after %v", id, method, t.timeout))
			return nil, errors.Wrapf(ErrTimeout, "request '%s' after %v", method, t.timeout)
		}
		// The response won the race with the deadline; deliver it.
		resp := <-ch
		return resp.result, resp.err
	case <-ctx.Done():
		if t.removePending(id) {
			return nil, ctx.Err()
		}
		resp := <-ch
		return resp.result, resp.err
	}
}

// Notify sends a JSON-RPC notification (no id, no response expected).
func (t *Transport) Notify(method string, params interface{}) error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return errors.Wrapf(ErrDisconnected, "notify '%s'", method)
	}
	return t.write(request{JSONRPC: "2.0", Method: method, Params: params})
}

// Close terminates the child process (if any), rejects all pending requests
// with ErrDisconnected and marks the transport unusable.
func (t *Transport) Close() error {
	t.shutdown()
	if t.cmd != nil && t.cmd.Process != nil {
		return t.cmd.Process.Kill()
	}
	return nil
}

// Shutdown closes the peer's stdin to signal it to exit, waits up to grace
// for it to do so, then kills the process if it is still running.
func (t *Transport) Shutdown(grace time.Duration) error {
	t.shutdown()
	select {
	case <-t.done:
		return nil
	case <-time.After(grace):
	}
	if t.cmd != nil && t.cmd.Process != nil {
		return t.cmd.Process.Kill()
	}
	return nil
}

// Done is closed once the read loop has exited.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

func (t *Transport) write(msg request) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize JSON-RPC message")
	}
	t.trace(fmt.Sprintf("-> %s", string(data)))
	frame := codecFor(t.framing).encode(data)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.writer.Write(frame); err != nil {
		return errors.Wrapf(err, "transport write failed")
	}
	return nil
}

// removePending deletes the pending entry for id, reporting whether it was
// still present. Whoever removes the entry owns settling the request.
func (t *Transport) removePending(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; !ok {
		return false
	}
	delete(t.pending, id)
	return true
}

func (t *Transport) readLoop(r io.Reader) {
	defer close(t.done)
	dec := newDecoder(t.framing)
	chunk := make([]byte, 8192)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			dec.feed(chunk[:n])
			for {
				payload, derr := dec.next()
				if derr != nil {
					// Broken framing: there is no safe way to resync.
					t.trace(fmt.Sprintf("framing error: %v", derr))
					t.shutdown()
					return
				}
				if payload == nil {
					break
				}
				if len(payload) == 0 {
					continue
				}
				t.handleMessage(payload)
			}
		}
		if err != nil {
			t.trace(fmt.Sprintf("read loop ended: %v", err))
			t.shutdown()
			return
		}
	}
}

func (t *Transport) handleMessage(payload []byte) {
	t.trace(fmt.Sprintf("<- %s", string(payload)))
	var msg inbound
	if err := json.Unmarshal(payload, &msg); err != nil {
		// Malformed inbound JSON is skipped, not fatal.
		log.Printf("transport: skipping malformed message: %v", err)
		return
	}

	if msg.ID == nil {
		t.mu.Lock()
		notify := t.notify
		t.mu.Unlock()
		if notify != nil && msg.Method != "" {
			notify(msg.Method, msg.Params)
		}
		return
	}

	t.mu.Lock()
	ch, ok := t.pending[*msg.ID]
	if ok {
		delete(t.pending, *msg.ID)
	}
	t.mu.Unlock()
	if !ok {
		// Unknown or already-settled id.
		t.trace(fmt.Sprintf("dropping response for unknown id %d", *msg.ID))
		return
	}

	if msg.Error != nil {
		ch <- response{err: msg.Error}
		return
	}
	ch <- response{result: msg.Result}
}

// shutdown marks the transport disconnected and rejects everything pending.
// Safe to call more than once.
func (t *Transport) shutdown() {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = false
	pending := t.pending
	t.pending = make(map[int64]chan response)
	t.mu.Unlock()

	for _, ch := range pending {
		ch <- response{err: ErrDisconnected}
	}
	_ = t.writer.Close()
}
