package tracker

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	bitmap "github.com/boljen/go-bitmap"

	"chunkswarm/pkg/discovery"
	"chunkswarm/pkg/logger"
	"chunkswarm/pkg/protocol"
	"chunkswarm/pkg/transport"
	"chunkswarm/pkg/transport/tcp"
)

// DefaultTTL is how long a registration stays fresh without a heartbeat.
const DefaultTTL = 30 * time.Second

// Server serves the registry protocol: peers register, deregister, and
// discover swarm membership over the framed TCP transport.
type Server struct {
	mu         sync.Mutex
	conns      map[string]transport.Node // remote conn addr -> node, for replies
	registry   *Registry
	Transport  transport.Transport
	ttl        time.Duration
	quitCh     chan struct{}
	stopOnce   sync.Once
	advertiser *discovery.Advertiser
}

// NewServer returns a tracker listening on addr with the given staleness TTL.
func NewServer(addr string, ttl time.Duration) *Server {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	trans := tcp.NewTCPTransport(addr)

	s := &Server{
		conns:      make(map[string]transport.Node),
		registry:   NewRegistry(ttl),
		Transport:  trans,
		ttl:        ttl,
		quitCh:     make(chan struct{}),
		advertiser: discovery.NewAdvertiser(),
	}
	trans.SetOnPeer(s.onPeer)
	trans.SetOnClose(s.onConnClose)

	return s
}

// Registry exposes the peer table, mainly for the interactive shell.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Listen opens the registry endpoint and advertises it over mDNS.
func (s *Server) Listen() error {
	logger.Sugar.Infof("[Tracker] [%s] starting tracker...", s.Transport.Addr())

	if err := s.Transport.ListenAndAccept(); err != nil {
		return err
	}

	// Start mDNS advertisement
	_, portStr, err := net.SplitHostPort(s.Transport.Addr())
	if err == nil {
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
			meta := map[string]string{
				"version": "1.0.0",
				"type":    "tracker",
			}
			if err := s.advertiser.Start("chunkswarm-tracker", port, meta); err != nil {
				logger.Sugar.Errorf("[Tracker] failed to start mDNS advertisement: %v", err)
			} else {
				logger.Sugar.Infof("[Tracker] mDNS advertisement started on port %d", port)
			}
		}
	}
	return nil
}

// Run serves registry calls until Stop.
func (s *Server) Run() {
	go s.sweepLoop()
	s.loop()
}

// Start is Listen followed by Run.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.Run()
	return nil
}

func (s *Server) loop() {
	defer func() {
		logger.Sugar.Info("[Tracker] stopped")
		s.Transport.Close()
	}()
	for {
		select {
		case msg := <-s.Transport.Consume():
			if err := s.handleMessage(msg.From, msg); err != nil {
				logger.Sugar.Errorf("[Tracker] handle message failed: from=%s type=%T err=%v", msg.From, msg.Payload, err)
			}
		case <-s.quitCh:
			return
		}
	}
}

func (s *Server) sweepLoop() {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.quitCh:
			return
		case <-ticker.C:
			if n := s.registry.Sweep(); n > 0 {
				logger.Sugar.Infof("[Tracker] swept %d stale peers", n)
			}
		}
	}
}

func (s *Server) handleMessage(from string, msg protocol.RPC) error {
	switch v := msg.Payload.(type) {
	case protocol.RegisterPeer:
		return s.handleRegister(v)
	case protocol.DeregisterPeer:
		return s.handleDeregister(v)
	case protocol.ListPeers:
		return s.handleListPeers(from, v)
	default:
		return fmt.Errorf("unknown message type from %s: %T", from, v)
	}
}

func (s *Server) handleRegister(v protocol.RegisterPeer) error {
	if v.FileID == "" || v.ListenAddr == "" {
		return fmt.Errorf("register missing fileId or address")
	}
	s.registry.Register(v.FileID, PeerRecord{
		PeerID:     v.PeerID,
		Addr:       v.ListenAddr,
		ChunkCount: v.ChunkCount,
		Bitfield:   bitmap.Bitmap(v.Bitfield),
	})
	logger.Sugar.Debugf("[Tracker] registered peer: file=%s addr=%s id=%s", v.FileID, v.ListenAddr, v.PeerID)
	return nil
}

func (s *Server) handleDeregister(v protocol.DeregisterPeer) error {
	s.registry.Deregister(v.FileID, v.ListenAddr)
	logger.Sugar.Infof("[Tracker] deregistered peer: file=%s addr=%s", v.FileID, v.ListenAddr)
	return nil
}

func (s *Server) handleListPeers(from string, v protocol.ListPeers) error {
	s.mu.Lock()
	node := s.conns[from]
	s.mu.Unlock()
	if node == nil {
		return fmt.Errorf("no connection for %s", from)
	}

	records := s.registry.ListPeers(v.FileID, v.ListenAddr)
	peers := make([]protocol.PeerInfo, 0, len(records))
	for _, rec := range records {
		peers = append(peers, protocol.PeerInfo{
			PeerID:     rec.PeerID,
			Addr:       rec.Addr,
			ChunkCount: rec.ChunkCount,
			Bitfield:   rec.Bitfield,
		})
	}

	if err := node.Send(protocol.PeerList{FileID: v.FileID, Peers: peers}); err != nil {
		return fmt.Errorf("send peer list to %s: %w", from, err)
	}
	logger.Sugar.Debugf("[Tracker] sent %d peers: file=%s to=%s", len(peers), v.FileID, from)
	return nil
}

func (s *Server) onPeer(node transport.Node) error {
	s.mu.Lock()
	s.conns[node.Addr()] = node
	s.mu.Unlock()
	logger.Sugar.Debugf("[Tracker] peer connected: remote=%s", node.Addr())
	return nil
}

func (s *Server) onConnClose(remoteAddr string) {
	s.mu.Lock()
	delete(s.conns, remoteAddr)
	s.mu.Unlock()
}

// GetStatus renders a one-shot status summary for the interactive shell.
func (s *Server) GetStatus() string {
	return fmt.Sprintf("Tracker running on: %s\nTracked files: %d\n",
		s.Transport.Addr(), s.registry.FileCount())
}

func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.advertiser.Stop()
		close(s.quitCh)
		s.Transport.Close()
	})
}
