package peer

import (
	"fmt"
	"sync"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"chunkswarm/pkg/chunker"
	"chunkswarm/pkg/logger"
	"chunkswarm/pkg/monitor"
	"chunkswarm/pkg/pieces"
	"chunkswarm/pkg/protocol"
	"chunkswarm/pkg/transport"
	"chunkswarm/pkg/transport/tcp"
)

// Config carries the operational parameters the host supplies, already
// validated.
type Config struct {
	ListenAddr     string
	TrackerAddr    string
	ChunkSize      int
	RequestTimeout time.Duration
	Heartbeat      time.Duration
	OutputDir      string
}

func (c *Config) applyDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = chunker.DefaultChunkSize
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 10 * time.Second
	}
	if c.OutputDir == "" {
		c.OutputDir = "."
	}
}

type chunkReply struct {
	data     []byte
	notFound bool
}

// PeerServer is one swarm member: it serves chunks it holds to anyone who
// asks and runs download sessions for files it is still assembling.
type PeerServer struct {
	ID        string
	cfg       Config
	Transport transport.Transport

	mu          sync.Mutex
	trackerNode transport.Node
	conns       map[string]transport.Node // remote conn addr -> node
	sessions    map[string]*session       // remote conn addr -> session
	managers    map[string]*pieces.Manager
	progress    map[string]*DownloadTracker

	pendingLock  sync.Mutex
	pending      map[string]chan chunkReply        // "conn/fileID:index" -> reply
	pendingPeers map[string]chan protocol.PeerList // fileID -> swarm answer

	quitCh   chan struct{}
	stopOnce sync.Once
}

// NewPeerServer builds a peer with a fresh identity listening on
// cfg.ListenAddr and tracking with cfg.TrackerAddr.
func NewPeerServer(cfg Config) *PeerServer {
	cfg.applyDefaults()
	trans := tcp.NewTCPTransport(cfg.ListenAddr)
	p := &PeerServer{
		ID:           uuid.NewString(),
		cfg:          cfg,
		Transport:    trans,
		conns:        make(map[string]transport.Node),
		sessions:     make(map[string]*session),
		managers:     make(map[string]*pieces.Manager),
		progress:     make(map[string]*DownloadTracker),
		pending:      make(map[string]chan chunkReply),
		pendingPeers: make(map[string]chan protocol.PeerList),
		quitCh:       make(chan struct{}),
	}
	trans.SetOnPeer(p.onPeer)
	trans.SetOnClose(p.onConnClose)

	logger.Sugar.Infof("[Peer] initialized: id=%s listen=%s tracker=%s", p.ID, cfg.ListenAddr, cfg.TrackerAddr)
	return p
}

// Listen opens the transfer endpoint and connects to the tracker. The tracker
// being unreachable after bounded retries is a hard failure.
func (p *PeerServer) Listen() error {
	if err := p.Transport.ListenAndAccept(); err != nil {
		return fmt.Errorf("failed to start listening: %w", err)
	}

	var node transport.Node
	dial := func() error {
		var err error
		node, err = p.Transport.Dial(p.cfg.TrackerAddr)
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4)
	if err := backoff.Retry(dial, policy); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTrackerUnreachable, p.cfg.TrackerAddr, err)
	}

	p.mu.Lock()
	p.trackerNode = node
	p.mu.Unlock()

	logger.Sugar.Infof("[Peer] connected to tracker: %s", p.cfg.TrackerAddr)
	return nil
}

// Run drives the message loop and tracker heartbeat until Stop.
func (p *PeerServer) Run() {
	go p.heartbeatLoop()
	p.loop()
}

// Start is Listen followed by Run.
func (p *PeerServer) Start() error {
	if err := p.Listen(); err != nil {
		return err
	}
	p.Run()
	return nil
}

func (p *PeerServer) Stop() {
	p.stopOnce.Do(p.stop)
}

func (p *PeerServer) stop() {
	p.mu.Lock()
	for fileID := range p.managers {
		if p.trackerNode != nil {
			_ = p.trackerNode.Send(protocol.DeregisterPeer{FileID: fileID, ListenAddr: p.listenAddr()})
		}
	}
	sessions := make([]*session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	for _, s := range sessions {
		_ = s.node.Send(protocol.Bye{})
		_ = s.node.Close()
	}

	close(p.quitCh)
	p.Transport.Close()
}

// listenAddr is the peer's dialable identity as other swarm members and the
// tracker see it.
func (p *PeerServer) listenAddr() string {
	return p.Transport.Addr()
}

func (p *PeerServer) loop() {
	defer logger.Sugar.Info("[Peer] message loop stopped")
	for {
		select {
		case msg := <-p.Transport.Consume():
			if err := p.handleMessage(msg.From, msg); err != nil {
				logger.Sugar.Errorf("[Peer] handle message failed: from=%s type=%T err=%v", msg.From, msg.Payload, err)
			}
		case <-p.quitCh:
			return
		}
	}
}

func (p *PeerServer) handleMessage(from string, msg protocol.RPC) error {
	switch v := msg.Payload.(type) {
	case protocol.Hello:
		return p.handleHello(from, v)
	case protocol.Availability:
		return p.handleAvailability(from, v)
	case protocol.Request:
		return p.handleRequest(from, v)
	case protocol.ChunkData:
		p.resolvePending(from, v.FileID, v.Index, chunkReply{data: v.Data})
		return nil
	case protocol.NotFound:
		p.resolvePending(from, v.FileID, v.Index, chunkReply{notFound: true})
		return nil
	case protocol.Bye:
		return p.handleBye(from)
	case protocol.PeerList:
		p.resolvePendingPeers(v)
		return nil
	default:
		return fmt.Errorf("unknown message type from %s: %T", from, v)
	}
}

// handleHello completes the handshake on an inbound connection: the session
// learns the remote identity and our side answers with its own Hello and
// current availability.
func (p *PeerServer) handleHello(from string, v protocol.Hello) error {
	p.mu.Lock()
	node := p.conns[from]
	sess := p.sessions[from]
	if sess == nil && node != nil {
		sess = newSession(node, from)
		p.sessions[from] = sess
	}
	m := p.managers[v.FileID]
	p.mu.Unlock()

	if sess == nil {
		return fmt.Errorf("hello from unknown connection %s", from)
	}
	sess.setIdentity(v.FileID, v.PeerID, v.ListenAddr)

	if m == nil {
		logger.Sugar.Warnf("[Peer] hello for unknown file: file=%s from=%s", v.FileID, v.ListenAddr)
		_ = sess.node.Send(protocol.Bye{})
		return sess.node.Close()
	}

	if !sess.outbound() {
		if err := sess.node.Send(protocol.Hello{FileID: v.FileID, PeerID: p.ID, ListenAddr: p.listenAddr()}); err != nil {
			return err
		}
	}
	return sess.node.Send(protocol.Availability{
		FileID:     v.FileID,
		ChunkCount: m.Descriptor().ChunkCount,
		Bitfield:   m.Bitfield(),
	})
}

func (p *PeerServer) handleAvailability(from string, v protocol.Availability) error {
	p.mu.Lock()
	sess := p.sessions[from]
	p.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("availability from unknown session %s", from)
	}
	sess.setAvailability(bitmap.Bitmap(v.Bitfield), v.ChunkCount)
	return nil
}

// handleRequest is the seeder side: answer with the chunk bytes, or NotFound
// if we do not hold it. A request outside the file's chunk range is a
// protocol violation and closes the session.
func (p *PeerServer) handleRequest(from string, v protocol.Request) error {
	p.mu.Lock()
	m := p.managers[v.FileID]
	node := p.conns[from]
	p.mu.Unlock()

	if node == nil {
		return fmt.Errorf("request from unknown connection %s", from)
	}
	if m == nil || v.Index < 0 || v.Index >= m.Descriptor().ChunkCount {
		logger.Sugar.Warnf("[Peer] %v: request for file=%s chunk=%d from=%s", ErrProtocolViolation, v.FileID, v.Index, from)
		return node.Close()
	}

	data, ok := m.Chunk(v.Index)
	if !ok {
		return node.Send(protocol.NotFound{FileID: v.FileID, Index: v.Index})
	}
	if err := node.Send(protocol.ChunkData{FileID: v.FileID, Index: v.Index, Data: data}); err != nil {
		return fmt.Errorf("send chunk %d to %s: %w", v.Index, from, err)
	}
	monitor.RecordUpload(int64(len(data)))
	logger.Sugar.Debugf("[Peer] served chunk %d of %s to %s", v.Index, v.FileID, from)
	return nil
}

// handleBye treats the remote close as a clean end of session, not an error.
func (p *PeerServer) handleBye(from string) error {
	p.mu.Lock()
	node := p.conns[from]
	p.mu.Unlock()
	if node != nil {
		logger.Sugar.Debugf("[Peer] session closed by remote: %s", from)
		return node.Close()
	}
	return nil
}

func (p *PeerServer) onPeer(node transport.Node) error {
	p.mu.Lock()
	p.conns[node.Addr()] = node
	p.mu.Unlock()
	logger.Sugar.Debugf("[Peer] connection accepted: remote=%s", node.Addr())
	return nil
}

// onConnClose releases whatever the dead session had in flight so other
// sessions can pick those chunks up.
func (p *PeerServer) onConnClose(remoteAddr string) {
	p.mu.Lock()
	sess := p.sessions[remoteAddr]
	delete(p.sessions, remoteAddr)
	delete(p.conns, remoteAddr)
	var m *pieces.Manager
	if sess != nil {
		m = p.managers[sess.fileIDValue()]
	}
	p.mu.Unlock()

	if sess != nil {
		sess.markClosed()
		if m != nil {
			if released := m.ReleaseRequests(sess.connAddr); len(released) > 0 {
				logger.Sugar.Infof("[Peer] released %d in-flight chunks from closed session %s", len(released), sess.identity())
			}
		}
	}
}

// pendingKey includes the connection so a stale reply from one session can
// never resolve a newer request for the same index made through another.
func pendingKey(conn, fileID string, index int) string {
	return fmt.Sprintf("%s/%s:%d", conn, fileID, index)
}

func (p *PeerServer) registerPending(conn, fileID string, index int) chan chunkReply {
	ch := make(chan chunkReply, 1)
	p.pendingLock.Lock()
	p.pending[pendingKey(conn, fileID, index)] = ch
	p.pendingLock.Unlock()
	return ch
}

func (p *PeerServer) unregisterPending(conn, fileID string, index int) {
	p.pendingLock.Lock()
	delete(p.pending, pendingKey(conn, fileID, index))
	p.pendingLock.Unlock()
}

func (p *PeerServer) resolvePending(conn, fileID string, index int, reply chunkReply) {
	key := pendingKey(conn, fileID, index)
	p.pendingLock.Lock()
	ch, ok := p.pending[key]
	if ok {
		delete(p.pending, key)
	}
	p.pendingLock.Unlock()

	if ok {
		ch <- reply
	} else {
		logger.Sugar.Warnf("[Peer] chunk reply for %s with no pending request", key)
	}
}

func (p *PeerServer) resolvePendingPeers(v protocol.PeerList) {
	p.pendingLock.Lock()
	ch, ok := p.pendingPeers[v.FileID]
	if ok {
		delete(p.pendingPeers, v.FileID)
	}
	p.pendingLock.Unlock()

	if ok {
		ch <- v
	} else {
		logger.Sugar.Warnf("[Peer] peer list for %s with no pending query", v.FileID)
	}
}

// --- tracker registry client ---

func (p *PeerServer) trackerConn() (transport.Node, error) {
	p.mu.Lock()
	node := p.trackerNode
	p.mu.Unlock()
	if node == nil {
		return nil, ErrTrackerUnreachable
	}
	return node, nil
}

// registerWithTracker upserts this peer's current availability for a file.
// Also the heartbeat: the tracker refreshes last-seen on every call.
func (p *PeerServer) registerWithTracker(m *pieces.Manager) error {
	node, err := p.trackerConn()
	if err != nil {
		return err
	}
	desc := m.Descriptor()
	msg := protocol.RegisterPeer{
		FileID:     desc.FileID,
		PeerID:     p.ID,
		ListenAddr: p.listenAddr(),
		ChunkCount: desc.ChunkCount,
		Bitfield:   m.Bitfield(),
	}
	if err := node.Send(msg); err != nil {
		return fmt.Errorf("register with tracker: %w", err)
	}
	return nil
}

// requestPeers asks the tracker for the current swarm for a file.
func (p *PeerServer) requestPeers(fileID string) ([]protocol.PeerInfo, error) {
	node, err := p.trackerConn()
	if err != nil {
		return nil, err
	}

	ch := make(chan protocol.PeerList, 1)
	p.pendingLock.Lock()
	p.pendingPeers[fileID] = ch
	p.pendingLock.Unlock()
	defer func() {
		p.pendingLock.Lock()
		delete(p.pendingPeers, fileID)
		p.pendingLock.Unlock()
	}()

	if err := node.Send(protocol.ListPeers{FileID: fileID, ListenAddr: p.listenAddr()}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTrackerUnreachable, err)
	}

	select {
	case list := <-ch:
		return list.Peers, nil
	case <-time.After(p.cfg.RequestTimeout):
		return nil, fmt.Errorf("%w: no answer to peer query", ErrTrackerUnreachable)
	case <-p.quitCh:
		return nil, ErrTrackerUnreachable
	}
}

func (p *PeerServer) heartbeatLoop() {
	ticker := time.NewTicker(p.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-p.quitCh:
			return
		case <-ticker.C:
			p.mu.Lock()
			managers := make([]*pieces.Manager, 0, len(p.managers))
			for _, m := range p.managers {
				managers = append(managers, m)
			}
			p.mu.Unlock()
			for _, m := range managers {
				if err := p.registerWithTracker(m); err != nil {
					logger.Sugar.Warnf("[Peer] heartbeat failed: %v", err)
				}
			}
		}
	}
}

// --- sharing ---

// Share splits a local file, saves its descriptor next to it, and registers
// this peer as its seeder. The descriptor file is what gets handed to peers
// that want the download.
func (p *PeerServer) Share(path string) (chunker.Descriptor, error) {
	desc, chunks, err := chunker.SplitFile(path, p.cfg.ChunkSize)
	if err != nil {
		return chunker.Descriptor{}, fmt.Errorf("split %s: %w", path, err)
	}
	m, err := pieces.NewSeededManager(desc, chunks)
	if err != nil {
		return chunker.Descriptor{}, err
	}

	metaPath := path + chunker.MetaExtension
	if err := chunker.SaveDescriptor(desc, metaPath); err != nil {
		return chunker.Descriptor{}, err
	}

	p.mu.Lock()
	p.managers[desc.FileID] = m
	p.mu.Unlock()

	if err := p.registerWithTracker(m); err != nil {
		return chunker.Descriptor{}, err
	}

	logger.Sugar.Infof("[Peer] sharing %s: file=%s chunks=%d meta=%s", desc.Name, desc.FileID, desc.ChunkCount, metaPath)
	return desc, nil
}

// Manager returns the piece manager for a file, if any.
func (p *PeerServer) Manager(fileID string) (*pieces.Manager, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.managers[fileID]
	return m, ok
}

// GetStatus renders a one-shot status summary for the interactive shell.
func (p *PeerServer) GetStatus() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := fmt.Sprintf("Peer %s listening on: %s\nTracker: %s\n", p.ID, p.listenAddr(), p.cfg.TrackerAddr)
	for fileID, m := range p.managers {
		role := "leecher"
		if m.Complete() {
			role = "seeder"
		}
		status += fmt.Sprintf(" - %s (%s): %d/%d chunks [%s]\n",
			m.Descriptor().Name, fileID, m.HaveCount(), m.Descriptor().ChunkCount, role)
		if dt := p.progress[fileID]; dt != nil && !m.Complete() {
			status += "   " + dt.Summary() + "\n"
		}
	}
	return status
}
