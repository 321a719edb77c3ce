package chunker

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	rng := rand.New(rand.NewSource(42))
	_, err := rng.Read(data)
	require.NoError(t, err)
	return data
}

func chunksByIndex(chunks [][]byte) map[int][]byte {
	out := make(map[int][]byte, len(chunks))
	for i, c := range chunks {
		out[i] = c
	}
	return out
}

func TestSplitGeometry(t *testing.T) {
	data := randomBytes(t, 10*1024+100)

	desc, chunks, err := Split(bytes.NewReader(data), "sample.bin", 1024)
	require.NoError(t, err)

	assert.Equal(t, 11, desc.ChunkCount)
	assert.Equal(t, int64(len(data)), desc.Size)
	assert.Len(t, chunks, 11)
	assert.Len(t, desc.Hashes, 11)

	for i := 0; i < 10; i++ {
		assert.Len(t, chunks[i], 1024)
		assert.Equal(t, 1024, desc.ChunkLen(i))
	}
	assert.Len(t, chunks[10], 100)
	assert.Equal(t, 100, desc.ChunkLen(10))
}

func TestSplitExactMultiple(t *testing.T) {
	data := randomBytes(t, 4*512)

	desc, chunks, err := Split(bytes.NewReader(data), "even.bin", 512)
	require.NoError(t, err)

	assert.Equal(t, 4, desc.ChunkCount)
	assert.Len(t, chunks[3], 512)
	assert.Equal(t, 512, desc.ChunkLen(3))
}

func TestSplitDeterministic(t *testing.T) {
	data := randomBytes(t, 3000)

	desc1, _, err := Split(bytes.NewReader(data), "f", 256)
	require.NoError(t, err)
	desc2, _, err := Split(bytes.NewReader(data), "f", 256)
	require.NoError(t, err)

	assert.Equal(t, desc1, desc2)
}

func TestRoundTrip(t *testing.T) {
	data := randomBytes(t, 10*1024)

	desc, chunks, err := Split(bytes.NewReader(data), "sample.bin", 1024)
	require.NoError(t, err)

	out, err := Reassemble(chunksByIndex(chunks), desc)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestVerifyDetectsMutation(t *testing.T) {
	data := randomBytes(t, 2048)

	desc, chunks, err := Split(bytes.NewReader(data), "f", 1024)
	require.NoError(t, err)

	require.True(t, Verify(chunks[0], desc.Hashes[0]))

	mutated := append([]byte(nil), chunks[0]...)
	mutated[17] ^= 0xff
	assert.False(t, Verify(mutated, desc.Hashes[0]))
}

func TestReassembleMissingChunk(t *testing.T) {
	data := randomBytes(t, 4096)

	desc, chunks, err := Split(bytes.NewReader(data), "f", 1024)
	require.NoError(t, err)

	partial := chunksByIndex(chunks)
	delete(partial, 2)

	_, err = Reassemble(partial, desc)
	require.ErrorIs(t, err, ErrIncomplete)
}

func TestReassembleCorruptChunk(t *testing.T) {
	data := randomBytes(t, 4096)

	desc, chunks, err := Split(bytes.NewReader(data), "f", 1024)
	require.NoError(t, err)

	bad := chunksByIndex(chunks)
	bad[1] = append([]byte(nil), bad[1]...)
	bad[1][0] ^= 0x01

	_, err = Reassemble(bad, desc)
	require.ErrorIs(t, err, ErrCorruptChunk)
}

func TestWriteReassembled(t *testing.T) {
	data := randomBytes(t, 5000)

	desc, chunks, err := Split(bytes.NewReader(data), "out.bin", 1024)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, WriteReassembled(path, chunksByIndex(chunks), desc))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDescriptorSaveLoad(t *testing.T) {
	data := randomBytes(t, 3333)

	desc, _, err := Split(bytes.NewReader(data), "meta.bin", 512)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "meta.bin"+MetaExtension)
	require.NoError(t, SaveDescriptor(desc, path))

	loaded, err := LoadDescriptor(path)
	require.NoError(t, err)
	assert.Equal(t, desc, loaded)
}

func TestSplitFileMatchesSplit(t *testing.T) {
	data := randomBytes(t, 2000)
	path := filepath.Join(t.TempDir(), "src.bin")
	require.NoError(t, os.WriteFile(path, data, 0644))

	fromFile, _, err := SplitFile(path, 512)
	require.NoError(t, err)
	fromReader, _, err := Split(bytes.NewReader(data), "src.bin", 512)
	require.NoError(t, err)

	assert.Equal(t, fromReader, fromFile)
}
