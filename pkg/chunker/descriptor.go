package chunker

import (
	"fmt"
	"os"

	"github.com/zeebo/bencode"
)

// MetaExtension is appended to the source file name when a descriptor is
// saved next to it.
const MetaExtension = ".meta"

// SaveDescriptor bencodes the descriptor to path. The resulting file is what
// a seeder hands out-of-band to peers that want the file.
func SaveDescriptor(desc Descriptor, path string) error {
	data, err := bencode.EncodeBytes(desc)
	if err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write descriptor: %w", err)
	}
	return nil
}

// LoadDescriptor reads a bencoded descriptor from path.
func LoadDescriptor(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read descriptor: %w", err)
	}
	var desc Descriptor
	if err := bencode.DecodeBytes(data, &desc); err != nil {
		return Descriptor{}, fmt.Errorf("decode descriptor: %w", err)
	}
	if desc.ChunkCount != len(desc.Hashes) {
		return Descriptor{}, fmt.Errorf("descriptor %s has %d hashes for %d chunks", path, len(desc.Hashes), desc.ChunkCount)
	}
	return desc, nil
}
