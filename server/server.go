// Package server is the RPC server side of the frame protocol: it exposes registered Go
// receivers as "Service.Method" endpoints, announces itself to discovery, and shuts down
// gracefully.
//
// Request pipeline:
//
//	Accept conn → handleConn (one reader goroutine per connection)
//	  → per request: go handleRequest
//	    → codec decode → middleware chain → dispatch (reflect call) → codec encode → write
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"rpcagent/codec"
	"rpcagent/discovery"
	"rpcagent/message"
	"rpcagent/middleware"
	"rpcagent/protocol"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server: closed")

// Server dispatches requests to registered services.
type Server struct {
	logger      *zap.Logger
	middlewares []middleware.Middleware
	services    map[string]*service

	handler  middleware.HandlerFunc
	listener net.Listener
	shutdown atomic.Bool
	inflight sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	announced []announcement
}

type announcement struct {
	reg     discovery.Registry
	service string
	addr    string
}

// Option customizes a Server.
type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMiddleware appends mws to the request chain; the first one runs outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *Server) { s.middlewares = append(s.middlewares, mws...) }
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		logger:   zap.NewNop(),
		services: make(map[string]*service),
		conns:    make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)
	return s
}

// Register exposes the methods of rcvr under the name of its struct type.
func (s *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	s.services[svc.name] = svc
	return nil
}

// Services lists the registered service names.
func (s *Server) Services() []string {
	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	return names
}

// Announce registers every service under advertiseAddr. advertiseAddr must be routable from
// clients, unlike a wildcard listen address such as ":8080".
func (s *Server) Announce(ctx context.Context, reg discovery.Registry, advertiseAddr string, ttl int64) error {
	for name := range s.services {
		if err := reg.Register(ctx, name, discovery.ServiceInstance{Addr: advertiseAddr}, ttl); err != nil {
			return fmt.Errorf("server: announce %s: %w", name, err)
		}
		s.announced = append(s.announced, announcement{reg: reg, service: name, addr: advertiseAddr})
	}
	return nil
}

// ListenAndServe listens on address and serves until Shutdown.
func (s *Server) ListenAndServe(network, address string) error {
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("serving", zap.Stringer("addr", ln.Addr()), zap.Strings("services", s.Services()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return ErrServerClosed
			}
			return err
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(conn)
	}
}

// handleConn reads frames sequentially and hands each request to its own goroutine.
// Responses share the connection, so writes go through writeMu.
func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return
		}
		if header.MsgType != protocol.MsgTypeRequest {
			continue
		}
		s.inflight.Add(1)
		go s.handleRequest(header, body, conn, writeMu)
	}
}

func (s *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer s.inflight.Done()

	c := codec.GetCodec(codec.CodecType(header.CodecType))
	var req message.RPCMessage
	var resp *message.RPCMessage
	if err := c.Decode(body, &req); err != nil {
		resp = &message.RPCMessage{Error: err.Error()}
	} else {
		resp = s.handler(context.Background(), &req)
	}

	out, err := c.Encode(resp)
	if err != nil {
		s.logger.Error("encode response", zap.String("method", req.ServiceMethod), zap.Error(err))
		return
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	err = protocol.Encode(conn, &protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
	}, out)
	if err != nil {
		s.logger.Debug("write response", zap.String("method", req.ServiceMethod), zap.Error(err))
	}
}

// dispatch is the innermost handler: it resolves "Service.Method" and calls it.
func (s *Server) dispatch(_ context.Context, req *message.RPCMessage) *message.RPCMessage {
	serviceName, methodName, ok := strings.Cut(req.ServiceMethod, ".")
	if !ok {
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: "invalid service method format"}
	}
	svc, ok := s.services[serviceName]
	if !ok {
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: "unknown service " + serviceName}
	}
	m, ok := svc.methods[methodName]
	if !ok {
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: "unknown method " + req.ServiceMethod}
	}

	argv := reflect.New(m.argType)
	replyv := reflect.New(m.replyType)
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, argv.Interface()); err != nil {
			return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: err.Error()}
		}
	}

	resp := &message.RPCMessage{ServiceMethod: req.ServiceMethod}
	if err := svc.call(m, argv, replyv); err != nil {
		resp.Error = err.Error()
		return resp
	}
	payload, err := json.Marshal(replyv.Interface())
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.Payload = payload
	return resp
}

// Shutdown deregisters from discovery first so clients stop picking this server, stops
// accepting, waits for in-flight requests until ctx ends, then closes open connections.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	for _, a := range s.announced {
		err = multierr.Append(err, a.reg.Deregister(ctx, a.service, a.addr))
	}

	s.shutdown.Store(true)
	s.mu.Lock()
	if s.listener != nil {
		err = multierr.Append(err, s.listener.Close())
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("server: waiting for in-flight requests: %w", ctx.Err()))
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	return err
}
