// Package message defines the envelope carried inside every protocol frame.
package message

import "errors"

// RPCMessage is a single request or response.
//
// On a request ServiceMethod names the target ("Service.Method") and Payload holds the JSON
// encoded arguments. On a response Payload holds the JSON encoded reply and Error is non-empty
// when the remote handler failed or the transport gave up.
type RPCMessage struct {
	ServiceMethod string
	Error         string
	Payload       []byte
}

// Err returns the remote error as a Go error, or nil.
func (m *RPCMessage) Err() error {
	if m == nil || m.Error == "" {
		return nil
	}
	return errors.New(m.Error)
}

// Failed builds a response that carries only an error.
func Failed(serviceMethod string, err error) *RPCMessage {
	return &RPCMessage{ServiceMethod: serviceMethod, Error: err.Error()}
}
