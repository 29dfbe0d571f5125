package iosock

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointEqualAndLess(t *testing.T) {
	a := Endpoint{Family: FamilyTCP, IP: net.ParseIP("127.0.0.1"), Port: 100}
	b := Endpoint{Family: FamilyTCP, IP: net.ParseIP("127.0.0.1"), Port: 200}
	assert.True(t, a.Less(b))
	assert.False(t, a.Equal(b))
	assert.True(t, a.Equal(a))
}

func TestNetFactoryListenDialAccept(t *testing.T) {
	var factory NetFactory
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ln, err := factory.Listen(ctx, Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 0}, 8, OptionSetter{})
	require.NoError(t, err)
	defer ln.Close()

	acceptedCh := make(chan Socket, 1)
	go func() {
		s, err := ln.Accept(ctx)
		require.NoError(t, err)
		acceptedCh <- s
	}()

	client, err := factory.Dial(ctx, ln.Addr(), OptionSetter{})
	require.NoError(t, err)
	defer client.Close()

	server := <-acceptedCh
	defer server.Close()

	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	n, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestEngineBoundsConcurrency(t *testing.T) {
	e := NewEngine(2)
	assert.Equal(t, 2, cap(e.sem))
}
