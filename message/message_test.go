package message

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErr(t *testing.T) {
	var nilMsg *RPCMessage
	assert.NoError(t, nilMsg.Err())
	assert.NoError(t, (&RPCMessage{ServiceMethod: "Arith.Add"}).Err())
	assert.EqualError(t, (&RPCMessage{Error: "boom"}).Err(), "boom")
}

func TestFailed(t *testing.T) {
	m := Failed("Arith.Add", errors.New("no endpoint"))
	assert.Equal(t, "Arith.Add", m.ServiceMethod)
	assert.Equal(t, "no endpoint", m.Error)
	assert.Nil(t, m.Payload)
}
