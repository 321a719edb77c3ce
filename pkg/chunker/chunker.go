package chunker

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DefaultChunkSize is used when the host supplies no chunk size.
const DefaultChunkSize = 64 * 1024

var (
	// ErrIncomplete is returned when reassembly is attempted before every
	// chunk index is present.
	ErrIncomplete = errors.New("reassembly incomplete")
	// ErrCorruptChunk is returned when a chunk's digest does not match the
	// descriptor's recorded digest.
	ErrCorruptChunk = errors.New("chunk digest mismatch")
)

// Descriptor identifies a shared file: its chunk geometry and the per-chunk
// digests every peer verifies against. Created once by whichever peer first
// splits the file, immutable afterwards.
type Descriptor struct {
	FileID     string   `bencode:"file_id"`
	Name       string   `bencode:"name"`
	Size       int64    `bencode:"size"`
	ChunkSize  int      `bencode:"chunk_size"`
	ChunkCount int      `bencode:"chunk_count"`
	Hashes     []string `bencode:"hashes"`
}

// ChunkLen returns the byte length of the chunk at index. Only the last chunk
// may be shorter than ChunkSize.
func (d Descriptor) ChunkLen(index int) int {
	if index == d.ChunkCount-1 {
		if rem := int(d.Size % int64(d.ChunkSize)); rem != 0 {
			return rem
		}
	}
	return d.ChunkSize
}

// HashChunk computes the hex SHA-1 digest of a chunk.
func HashChunk(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Verify reports whether data hashes to the expected digest.
func Verify(data []byte, expected string) bool {
	return HashChunk(data) == expected
}

// Split reads r to the end and cuts it into chunkSize pieces, recording a
// digest per chunk. Deterministic: the same input always yields the same
// boundaries and digests.
func Split(r io.Reader, name string, chunkSize int) (Descriptor, [][]byte, error) {
	if chunkSize <= 0 {
		return Descriptor{}, nil, fmt.Errorf("invalid chunk size %d", chunkSize)
	}

	fileHash := sha1.New()
	var (
		chunks [][]byte
		hashes []string
		size   int64
	)
	for {
		buf := make([]byte, chunkSize)
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			chunk := buf[:n]
			fileHash.Write(chunk)
			chunks = append(chunks, chunk)
			hashes = append(hashes, HashChunk(chunk))
			size += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return Descriptor{}, nil, fmt.Errorf("read source: %w", err)
		}
	}

	desc := Descriptor{
		FileID:     hex.EncodeToString(fileHash.Sum(nil)),
		Name:       name,
		Size:       size,
		ChunkSize:  chunkSize,
		ChunkCount: len(chunks),
		Hashes:     hashes,
	}
	return desc, chunks, nil
}

// SplitFile splits the file at path using its base name for the descriptor.
func SplitFile(path string, chunkSize int) (Descriptor, [][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return Descriptor{}, nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()
	return Split(f, filepath.Base(path), chunkSize)
}

// Reassemble concatenates chunks in index order after verifying each against
// the descriptor. Every index in [0, ChunkCount) must be present.
func Reassemble(chunks map[int][]byte, desc Descriptor) ([]byte, error) {
	out := make([]byte, 0, desc.Size)
	for i := 0; i < desc.ChunkCount; i++ {
		data, ok := chunks[i]
		if !ok {
			return nil, fmt.Errorf("%w: chunk %d missing", ErrIncomplete, i)
		}
		if !Verify(data, desc.Hashes[i]) {
			return nil, fmt.Errorf("%w: chunk %d", ErrCorruptChunk, i)
		}
		out = append(out, data...)
	}
	return out, nil
}

// WriteReassembled reassembles into path and returns only after the write is
// durably flushed.
func WriteReassembled(path string, chunks map[int][]byte, desc Descriptor) error {
	data, err := Reassemble(chunks, desc)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write output file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("flush output file: %w", err)
	}
	return f.Close()
}
