package protocol

import (
	"encoding/gob"
)

func init() {
	// Register types for GOB encoding
	gob.Register(RegisterPeer{})
	gob.Register(DeregisterPeer{})
	gob.Register(ListPeers{})
	gob.Register(PeerList{})
	gob.Register(Hello{})
	gob.Register(Availability{})
	gob.Register(Request{})
	gob.Register(ChunkData{})
	gob.Register(NotFound{})
	gob.Register(Bye{})
}

// RPC represents a message received from the network
type RPC struct {
	From    string
	Payload any
}

// Envelope wraps every wire message so gob can carry any registered payload.
type Envelope struct {
	Msg any
}

// --- Tracker registry messages ---

// PeerInfo is one swarm member as reported by the tracker.
type PeerInfo struct {
	PeerID     string
	Addr       string // listen address other peers can dial
	ChunkCount int
	Bitfield   []byte
}

// RegisterPeer upserts the sender into the swarm for FileID and refreshes its
// last-seen timestamp. Sent on join, on availability change, and as a
// heartbeat.
type RegisterPeer struct {
	FileID     string
	PeerID     string
	ListenAddr string
	ChunkCount int
	Bitfield   []byte
}

// DeregisterPeer removes the sender from the swarm for FileID.
type DeregisterPeer struct {
	FileID     string
	ListenAddr string
}

// ListPeers asks the tracker for the current swarm, excluding the requester.
type ListPeers struct {
	FileID     string
	ListenAddr string
}

// PeerList is the tracker's answer to ListPeers.
type PeerList struct {
	FileID string
	Peers  []PeerInfo
}

// --- Peer transfer messages ---

// Hello opens a session: it names the file the connection is about and the
// address the dialing peer listens on.
type Hello struct {
	FileID     string
	PeerID     string
	ListenAddr string
}

// Availability advertises which chunks the sender currently holds. Only ever
// sent for chunks the sender actually has.
type Availability struct {
	FileID     string
	ChunkCount int
	Bitfield   []byte
}

// Request asks the remote peer for one chunk.
type Request struct {
	FileID string
	Index  int
}

// ChunkData carries the bytes of one chunk.
type ChunkData struct {
	FileID string
	Index  int
	Data   []byte
}

// NotFound tells the requester the sender does not hold that chunk.
type NotFound struct {
	FileID string
	Index  int
}

// Bye closes a session cleanly.
type Bye struct{}
