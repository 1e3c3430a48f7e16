package transport

import "rpcagent/message"

// ConnectEvent reports that a pool worker established a connection.
type ConnectEvent struct {
	Endpoint string
	PID      string
}

// DataEvent carries a response frame received on one of the pool's connections.
type DataEvent struct {
	Endpoint string
	PID      string
	Message  *message.RPCMessage
}

// CloseEvent reports that a pool worker stopped for good. Err is the last failure seen by the
// worker, or ErrPoolClosed after an explicit Close.
type CloseEvent struct {
	Endpoint string
	PID      string
	Err      error
}

// Subscriber is the set of handlers a pool notifies. Nil handlers are skipped.
type Subscriber struct {
	OnConnect func(ConnectEvent)
	OnData    func(DataEvent)
	OnClose   func(CloseEvent)
}

func (s Subscriber) connect(e ConnectEvent) {
	if s.OnConnect != nil {
		s.OnConnect(e)
	}
}

func (s Subscriber) data(e DataEvent) {
	if s.OnData != nil {
		s.OnData(e)
	}
}

func (s Subscriber) close(e CloseEvent) {
	if s.OnClose != nil {
		s.OnClose(e)
	}
}
