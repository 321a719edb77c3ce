package tcp

import (
	"bytes"
	"encoding/gob"
	"errors"
	"io"
	"net"
	"sync"

	"chunkswarm/pkg/logger"
	"chunkswarm/pkg/protocol"
	"chunkswarm/pkg/transport"
)

// TCPNode implements transport.Node
type TCPNode struct {
	conn     net.Conn
	lock     sync.Mutex
	outbound bool
}

func NewTCPNode(conn net.Conn, outbound bool) *TCPNode {
	return &TCPNode{
		conn:     conn,
		outbound: outbound,
	}
}

func (n *TCPNode) Send(msg any) error {
	n.lock.Lock()
	defer n.lock.Unlock()

	// Encode payload to memory buffer to know its size
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(protocol.Envelope{Msg: msg}); err != nil {
		return err
	}
	payloadBytes := buf.Bytes()

	if err := writeFrameHeader(n.conn, FrameTypeMessage, uint32(len(payloadBytes))); err != nil {
		return err
	}

	_, err := n.conn.Write(payloadBytes)
	return err
}

func (n *TCPNode) Close() error {
	return n.conn.Close()
}

func (n *TCPNode) Addr() string {
	return n.conn.RemoteAddr().String()
}

// TCPTransport implements transport.Transport
type TCPTransport struct {
	listenAddr string
	listener   net.Listener
	rpcCh      chan protocol.RPC
	onPeer     func(transport.Node) error
	onClose    func(remoteAddr string)

	mu     sync.Mutex
	closed bool
}

func NewTCPTransport(addr string) *TCPTransport {
	return &TCPTransport{
		listenAddr: addr,
		rpcCh:      make(chan protocol.RPC, 1024),
	}
}

func (t *TCPTransport) SetOnPeer(f func(transport.Node) error) {
	t.onPeer = f
}

func (t *TCPTransport) SetOnClose(f func(remoteAddr string)) {
	t.onClose = f
}

func (t *TCPTransport) ListenAndAccept() error {
	var err error
	t.listener, err = net.Listen("tcp", t.listenAddr)
	if err != nil {
		return err
	}
	// Resolve ":0" style addresses to the port actually bound
	t.listenAddr = t.listener.Addr().String()

	go t.acceptLoop()
	return nil
}

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Sugar.Errorf("[TCPTransport] accept error: listen=%s err=%v", t.listenAddr, err)
			continue
		}
		node := NewTCPNode(conn, false)
		go t.handleConn(conn, node)
	}
}

func (t *TCPTransport) handleConn(conn net.Conn, node *TCPNode) {
	defer func() {
		conn.Close()
		if t.onClose != nil {
			t.onClose(conn.RemoteAddr().String())
		}
	}()

	if !node.outbound && t.onPeer != nil {
		if err := t.onPeer(node); err != nil {
			return
		}
	}

	for {
		msgType, length, err := readFrameHeader(conn)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				logger.Sugar.Debugf("[TCPTransport] read header error: remote=%s err=%v", conn.RemoteAddr(), err)
			}
			return
		}
		if msgType != FrameTypeMessage {
			logger.Sugar.Errorf("[TCPTransport] unknown frame type: %d remote=%s", msgType, conn.RemoteAddr())
			return
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			logger.Sugar.Errorf("[TCPTransport] read payload error: %v", err)
			return
		}

		var env protocol.Envelope
		if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&env); err != nil {
			logger.Sugar.Errorf("[TCPTransport] gob decode error: %v", err)
			continue
		}

		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}
		t.rpcCh <- protocol.RPC{
			From:    conn.RemoteAddr().String(),
			Payload: env.Msg,
		}
	}
}

func (t *TCPTransport) Dial(addr string) (transport.Node, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	node := NewTCPNode(conn, true)
	go t.handleConn(conn, node)

	return node, nil
}

func (t *TCPTransport) Consume() <-chan protocol.RPC {
	return t.rpcCh
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

func (t *TCPTransport) Addr() string {
	return t.listenAddr
}
