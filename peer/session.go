package peer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	bitmap "github.com/boljen/go-bitmap"

	"chunkswarm/pkg/chunker"
	"chunkswarm/pkg/logger"
	"chunkswarm/pkg/monitor"
	"chunkswarm/pkg/pieces"
	"chunkswarm/pkg/protocol"
	"chunkswarm/pkg/transport"
)

// pollInterval is how long a session waits before re-checking eligibility
// when everything it could request is in flight elsewhere.
const pollInterval = 200 * time.Millisecond

// session is the per-connection state of one conversation with a remote
// peer: its identity and the availability bitmap it has advertised.
type session struct {
	node     transport.Node
	connAddr string // transport-level remote address, dispatch key
	dialed   bool   // we opened the connection

	mu         sync.Mutex
	fileID     string
	peerID     string
	listenAddr string // remote's advertised dialable address
	avail      bitmap.Bitmap
	chunkCount int

	availOnce  sync.Once
	availReady chan struct{}
	closeOnce  sync.Once
	closed     chan struct{}
}

func newSession(node transport.Node, connAddr string) *session {
	return &session{
		node:       node,
		connAddr:   connAddr,
		availReady: make(chan struct{}),
		closed:     make(chan struct{}),
	}
}

func (s *session) outbound() bool { return s.dialed }

func (s *session) setIdentity(fileID, peerID, listenAddr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fileID = fileID
	s.peerID = peerID
	if listenAddr != "" {
		s.listenAddr = listenAddr
	}
}

func (s *session) fileIDValue() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileID
}

// identity is the stable name the piece manager tracks this remote by.
func (s *session) identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listenAddr != "" {
		return s.listenAddr
	}
	return s.connAddr
}

func (s *session) setAvailability(b bitmap.Bitmap, chunkCount int) {
	s.mu.Lock()
	s.avail = b
	s.chunkCount = chunkCount
	s.mu.Unlock()
	s.availOnce.Do(func() { close(s.availReady) })
}

func (s *session) availability() bitmap.Bitmap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.avail
}

// dropAvailable forgets one advertised index after the remote answered
// NotFound for it, so selection stops offering it that chunk.
func (s *session) dropAvailable(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < s.avail.Len() {
		s.avail.Set(index, false)
	}
}

func (s *session) markClosed() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// dialPeer opens an outbound session to a swarm member and performs our half
// of the handshake.
func (p *PeerServer) dialPeer(desc chunker.Descriptor, info protocol.PeerInfo) (*session, error) {
	node, err := p.Transport.Dial(info.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPeerUnreachable, info.Addr, err)
	}

	sess := newSession(node, node.Addr())
	sess.dialed = true
	sess.setIdentity(desc.FileID, info.PeerID, info.Addr)

	p.mu.Lock()
	p.conns[node.Addr()] = node
	p.sessions[node.Addr()] = sess
	m := p.managers[desc.FileID]
	p.mu.Unlock()

	if err := node.Send(protocol.Hello{FileID: desc.FileID, PeerID: p.ID, ListenAddr: p.listenAddr()}); err != nil {
		node.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrPeerUnreachable, info.Addr, err)
	}
	if m != nil {
		if err := node.Send(protocol.Availability{
			FileID:     desc.FileID,
			ChunkCount: desc.ChunkCount,
			Bitfield:   m.Bitfield(),
		}); err != nil {
			node.Close()
			return nil, fmt.Errorf("%w: %s: %v", ErrPeerUnreachable, info.Addr, err)
		}
	}
	return sess, nil
}

// runSession drives one download conversation: select, request, await, feed
// the outcome back, until this remote has nothing left we need or the file
// completes. Any exit path releases the session's in-flight chunks.
func (p *PeerServer) runSession(m *pieces.Manager, info protocol.PeerInfo) error {
	desc := m.Descriptor()
	sess, err := p.dialPeer(desc, info)
	if err != nil {
		return err
	}
	ident := sess.identity()
	defer func() {
		m.ReleaseRequests(sess.connAddr)
		sess.node.Close()
	}()

	// Wait for the remote's advertisement; fall back to what the tracker
	// reported if it stays quiet.
	select {
	case <-sess.availReady:
	case <-time.After(p.cfg.RequestTimeout):
		logger.Sugar.Warnf("[Peer] no availability from %s, using tracker snapshot", ident)
		sess.setAvailability(bitmap.Bitmap(info.Bitfield), info.ChunkCount)
	case <-sess.closed:
		return fmt.Errorf("%w: %s closed during handshake", ErrPeerUnreachable, ident)
	case <-p.quitCh:
		return nil
	}

	for {
		if m.Complete() {
			_ = sess.node.Send(protocol.Bye{})
			return nil
		}

		index, ok := m.SelectNext(sess.availability(), ident, sess.connAddr)
		if !ok {
			if !m.Needs(sess.availability(), ident) {
				// Clean exit: this peer has nothing more for us.
				_ = sess.node.Send(protocol.Bye{})
				return nil
			}
			// Everything it offers is in flight elsewhere; it may yet
			// time out and come back to us.
			select {
			case <-time.After(pollInterval):
				continue
			case <-sess.closed:
				return fmt.Errorf("%w: %s", ErrPeerUnreachable, ident)
			case <-p.quitCh:
				return nil
			}
		}

		if err := p.fetchChunk(m, sess, ident, index); err != nil {
			if errors.Is(err, ErrPeerUnreachable) {
				return err
			}
			// Corrupt chunk or NotFound: already fed back to the
			// manager, keep going with this session.
			logger.Sugar.Warnf("[Peer] chunk %d from %s: %v", index, ident, err)
		}
	}
}

// fetchChunk sends one Request and feeds whatever comes back (data, NotFound,
// timeout, or a dead connection) into the piece manager.
func (p *PeerServer) fetchChunk(m *pieces.Manager, sess *session, ident string, index int) error {
	desc := m.Descriptor()
	respCh := p.registerPending(sess.connAddr, desc.FileID, index)

	if err := sess.node.Send(protocol.Request{FileID: desc.FileID, Index: index}); err != nil {
		p.unregisterPending(sess.connAddr, desc.FileID, index)
		m.MarkTimedOut(index)
		return fmt.Errorf("%w: %s: %v", ErrPeerUnreachable, ident, err)
	}

	select {
	case reply := <-respCh:
		if reply.notFound {
			m.MarkTimedOut(index)
			sess.dropAvailable(index)
			return fmt.Errorf("chunk %d not held by %s", index, ident)
		}
		if err := m.MarkReceived(index, reply.data, ident); err != nil {
			return err
		}
		monitor.RecordDownload(int64(len(reply.data)))
		p.noteChunkDone(desc.FileID, index, len(reply.data), ident)
		p.broadcastAvailability(m)
		return nil
	case <-time.After(p.cfg.RequestTimeout):
		p.unregisterPending(sess.connAddr, desc.FileID, index)
		m.MarkTimedOut(index)
		logger.Sugar.Warnf("[Peer] request timed out: chunk=%d peer=%s", index, ident)
		return nil
	case <-sess.closed:
		p.unregisterPending(sess.connAddr, desc.FileID, index)
		m.MarkTimedOut(index)
		return fmt.Errorf("%w: %s", ErrPeerUnreachable, ident)
	case <-p.quitCh:
		p.unregisterPending(sess.connAddr, desc.FileID, index)
		m.MarkTimedOut(index)
		return nil
	}
}

// broadcastAvailability pushes a fresh bitmap to every live session for the
// file so mid-download swarm members see our growth. Only Have chunks are
// ever advertised.
func (p *PeerServer) broadcastAvailability(m *pieces.Manager) {
	desc := m.Descriptor()
	msg := protocol.Availability{
		FileID:     desc.FileID,
		ChunkCount: desc.ChunkCount,
		Bitfield:   m.Bitfield(),
	}

	p.mu.Lock()
	targets := make([]transport.Node, 0, len(p.sessions))
	for _, s := range p.sessions {
		if s.fileIDValue() == desc.FileID {
			targets = append(targets, s.node)
		}
	}
	p.mu.Unlock()

	for _, node := range targets {
		if err := node.Send(msg); err != nil {
			logger.Sugar.Debugf("[Peer] availability push failed: %v", err)
		}
	}
}
