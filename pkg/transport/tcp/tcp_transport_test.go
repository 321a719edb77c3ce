package tcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chunkswarm/pkg/protocol"
	"chunkswarm/pkg/transport"
)

func TestSendAndConsume(t *testing.T) {
	server := NewTCPTransport("127.0.0.1:0")
	require.NoError(t, server.ListenAndAccept())
	defer server.Close()

	client := NewTCPTransport("127.0.0.1:0")
	node, err := client.Dial(server.Addr())
	require.NoError(t, err)
	defer node.Close()

	msg := protocol.Hello{FileID: "abc", PeerID: "p1", ListenAddr: "127.0.0.1:9999"}
	require.NoError(t, node.Send(msg))

	select {
	case rpc := <-server.Consume():
		got, ok := rpc.Payload.(protocol.Hello)
		require.True(t, ok, "payload type %T", rpc.Payload)
		assert.Equal(t, msg, got)
	case <-time.After(3 * time.Second):
		t.Fatal("no message consumed")
	}
}

func TestOnPeerFiresForInbound(t *testing.T) {
	accepted := make(chan string, 1)

	server := NewTCPTransport("127.0.0.1:0")
	server.SetOnPeer(func(n transport.Node) error {
		select {
		case accepted <- n.Addr():
		default:
		}
		return nil
	})
	require.NoError(t, server.ListenAndAccept())
	defer server.Close()

	client := NewTCPTransport("127.0.0.1:0")
	node, err := client.Dial(server.Addr())
	require.NoError(t, err)
	defer node.Close()

	select {
	case <-accepted:
	case <-time.After(3 * time.Second):
		t.Fatal("OnPeer never fired")
	}
}

func TestOnCloseFiresWhenConnDrops(t *testing.T) {
	closed := make(chan string, 1)

	server := NewTCPTransport("127.0.0.1:0")
	server.SetOnClose(func(remoteAddr string) {
		select {
		case closed <- remoteAddr:
		default:
		}
	})
	require.NoError(t, server.ListenAndAccept())
	defer server.Close()

	client := NewTCPTransport("127.0.0.1:0")
	node, err := client.Dial(server.Addr())
	require.NoError(t, err)

	require.NoError(t, node.Send(protocol.Bye{}))
	require.NoError(t, node.Close())

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("close callback never fired")
	}
}

func TestListenResolvesEphemeralPort(t *testing.T) {
	tr := NewTCPTransport("127.0.0.1:0")
	require.NoError(t, tr.ListenAndAccept())
	defer tr.Close()

	assert.NotEqual(t, "127.0.0.1:0", tr.Addr())
}
