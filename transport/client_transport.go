// Package transport implements the client side of the agent's connections: a multiplexed
// ClientTransport per TCP connection, and a Pool that keeps several of them open to one
// endpoint and reports their lifecycle as events.
//
// ClientTransport lets many concurrent calls share one connection. Each request gets a
// sequence number and a reply channel; a single recvLoop goroutine reads frames and routes
// each response back by sequence number:
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] ← response → goroutine-2 wakes up
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"

	"rpcagent/codec"
	"rpcagent/message"
	"rpcagent/protocol"
)

// ErrTransportClosed is returned by Send once the connection is gone.
var ErrTransportClosed = errors.New("transport: connection closed")

// DefaultHeartbeat is the interval between keepalive frames.
const DefaultHeartbeat = 30 * time.Second

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn      net.Conn
	codec     codec.CodecType
	heartbeat time.Duration
	onData    func(*message.RPCMessage)

	sending sync.Mutex // serializes whole frames on conn
	seq     uint32     // guarded by sending
	pending sync.Map   // seq → chan *message.RPCMessage

	closed    atomic.Bool
	err       atomic.Error
	closeOnce sync.Once
	done      chan struct{}
}

// TransportOption customizes a ClientTransport.
type TransportOption func(*ClientTransport)

// WithHeartbeat sets the keepalive interval. Zero or negative disables heartbeats.
func WithHeartbeat(d time.Duration) TransportOption {
	return func(t *ClientTransport) { t.heartbeat = d }
}

// WithDataHandler registers fn to observe every response frame after it is routed.
func WithDataHandler(fn func(*message.RPCMessage)) TransportOption {
	return func(t *ClientTransport) { t.onData = fn }
}

// NewClientTransport wraps conn and starts its receive and heartbeat goroutines.
func NewClientTransport(conn net.Conn, ct codec.CodecType, opts ...TransportOption) *ClientTransport {
	t := &ClientTransport{
		conn:      conn,
		codec:     ct,
		heartbeat: DefaultHeartbeat,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.recvLoop()
	if t.heartbeat > 0 {
		go t.heartbeatLoop(t.heartbeat)
	}
	return t
}

// Send encodes a request and writes it. The returned channel receives exactly one message:
// the response, or a message whose Error describes why the connection failed.
func (t *ClientTransport) Send(serviceMethod string, args any) (uint32, <-chan *message.RPCMessage, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return 0, nil, fmt.Errorf("transport: marshal args: %w", err)
	}
	body, err := codec.GetCodec(t.codec).Encode(&message.RPCMessage{
		ServiceMethod: serviceMethod,
		Payload:       payload,
	})
	if err != nil {
		return 0, nil, err
	}

	t.sending.Lock()
	defer t.sending.Unlock()
	if t.closed.Load() {
		return 0, nil, ErrTransportClosed
	}

	t.seq++
	seq := t.seq
	// Register before writing so a fast response cannot beat us to the pending map.
	respCh := make(chan *message.RPCMessage, 1)
	t.pending.Store(seq, respCh)

	err = protocol.Encode(t.conn, &protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}, body)
	if err != nil {
		t.pending.Delete(seq)
		return 0, nil, err
	}
	return seq, respCh, nil
}

// Forget drops the reply slot for seq, e.g. after the caller gave up waiting.
func (t *ClientTransport) Forget(seq uint32) {
	t.pending.Delete(seq)
}

// Done is closed once the connection has failed or been closed.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Err returns the error that ended the connection, if any.
func (t *ClientTransport) Err() error {
	return t.err.Load()
}

// Alive reports whether Send can still be used.
func (t *ClientTransport) Alive() bool {
	return !t.closed.Load()
}

// Close shuts the connection down and fails every pending call.
func (t *ClientTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close()
		t.finish(ErrTransportClosed)
	})
	return err
}

func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.closeOnce.Do(func() {
				t.conn.Close()
				t.finish(err)
			})
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		resp := &message.RPCMessage{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, resp); err != nil {
			resp = &message.RPCMessage{Error: err.Error()}
		}
		if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
			ch.(chan *message.RPCMessage) <- resp
		}
		if t.onData != nil {
			t.onData(resp)
		}
	}
}

// finish marks the transport closed and wakes every pending caller with err.
func (t *ClientTransport) finish(err error) {
	t.err.Store(err)
	t.sending.Lock()
	t.closed.Store(true)
	t.sending.Unlock()

	t.pending.Range(func(key, _ any) bool {
		if ch, ok := t.pending.LoadAndDelete(key); ok {
			ch.(chan *message.RPCMessage) <- &message.RPCMessage{Error: err.Error()}
		}
		return true
	})
	close(t.done)
}

func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		t.sending.Lock()
		err := protocol.Encode(t.conn, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil)
		t.sending.Unlock()
		if err != nil {
			return // recvLoop observes the broken connection
		}
	}
}
