package peer

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/hashicorp/go-multierror"

	"chunkswarm/pkg/chunker"
	"chunkswarm/pkg/logger"
	"chunkswarm/pkg/pieces"
	"chunkswarm/pkg/protocol"
)

// maxStalledRounds bounds how many swarm rounds may pass without a single
// new chunk before the download gives up.
const maxStalledRounds = 3

// swarmRetryDelay spaces out tracker re-queries when a round made no
// progress, giving registrations in flight a chance to land.
const swarmRetryDelay = 500 * time.Millisecond

// Download assembles the file the descriptor names by pulling chunks from
// the swarm, then writes the reassembled file durably and re-registers this
// peer as a seeder. Runs rounds of concurrent sessions, one per usable swarm
// member, re-querying the tracker between rounds to ride out churn.
func (p *PeerServer) Download(desc chunker.Descriptor) error {
	p.mu.Lock()
	m, ok := p.managers[desc.FileID]
	if !ok {
		m = pieces.NewManager(desc)
		p.managers[desc.FileID] = m
	}
	dt := NewDownloadTracker(desc)
	p.progress[desc.FileID] = dt
	p.mu.Unlock()

	if err := p.registerWithTracker(m); err != nil {
		return err
	}

	var errs *multierror.Error
	stalled := 0
	for !m.Complete() {
		peers, err := p.requestPeers(desc.FileID)
		if err != nil {
			return fmt.Errorf("discover swarm for %s: %w", desc.FileID, err)
		}

		candidates := make([]protocol.PeerInfo, 0, len(peers))
		for _, info := range peers {
			if m.Needs(bitmap.Bitmap(info.Bitfield), info.Addr) {
				candidates = append(candidates, info)
			}
		}
		if len(candidates) == 0 {
			stalled++
			if stalled >= maxStalledRounds {
				return fmt.Errorf("%w: %d chunks still missing: %v",
					ErrSwarmExhausted, desc.ChunkCount-m.HaveCount(), errs.ErrorOrNil())
			}
			select {
			case <-time.After(swarmRetryDelay):
			case <-p.quitCh:
				return nil
			}
			continue
		}

		logger.Sugar.Infof("[Peer] download round: file=%s peers=%d have=%d/%d",
			desc.FileID, len(candidates), m.HaveCount(), desc.ChunkCount)

		before := m.HaveCount()
		var (
			wg      sync.WaitGroup
			errLock sync.Mutex
		)
		for _, info := range candidates {
			wg.Add(1)
			go func(info protocol.PeerInfo) {
				defer wg.Done()
				if err := p.runSession(m, info); err != nil {
					errLock.Lock()
					errs = multierror.Append(errs, err)
					errLock.Unlock()
				}
			}(info)
		}
		wg.Wait()

		if m.HaveCount() == before && !m.Complete() {
			stalled++
			if stalled >= maxStalledRounds {
				return fmt.Errorf("%w: no progress after %d rounds: %v",
					ErrSwarmExhausted, stalled, errs.ErrorOrNil())
			}
			select {
			case <-time.After(swarmRetryDelay):
			case <-p.quitCh:
				return nil
			}
		} else {
			stalled = 0
		}
	}

	outPath := filepath.Join(p.cfg.OutputDir, "reassembled_"+desc.Name)
	if err := chunker.WriteReassembled(outPath, m.Chunks(), desc); err != nil {
		return fmt.Errorf("reassemble %s: %w", desc.Name, err)
	}
	dt.MarkComplete()

	// Leecher becomes seeder: same registration call, now with a full
	// bitfield. The role is derived from completeness, never stored.
	if err := p.registerWithTracker(m); err != nil {
		logger.Sugar.Warnf("[Peer] seeder re-registration failed: %v", err)
	}

	logger.Sugar.Infof("[Peer] download complete: file=%s output=%s", desc.FileID, outPath)
	return nil
}

// DownloadFromMeta loads a descriptor file and downloads the file it names.
func (p *PeerServer) DownloadFromMeta(metaPath string) error {
	desc, err := chunker.LoadDescriptor(metaPath)
	if err != nil {
		return err
	}
	return p.Download(desc)
}

func (p *PeerServer) noteChunkDone(fileID string, index, size int, peerAddr string) {
	p.mu.Lock()
	dt := p.progress[fileID]
	p.mu.Unlock()
	if dt != nil {
		dt.CompleteChunk(index, size, peerAddr)
	}
}
