package mmio_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/gvnic/mmio"
)

func TestMappedByteOrder(t *testing.T) {
	mem := make([]byte, 16)
	m := mmio.FromBytes(mem)

	m.WriteBE32(4, 0x01020304)
	assert.Equal(t, []byte{1, 2, 3, 4}, mem[4:8])
	assert.Equal(t, uint32(0x01020304), m.ReadBE32(4))

	m.WriteLE32(8, 0x01020304)
	assert.Equal(t, uint32(0x01020304), binary.LittleEndian.Uint32(mem[8:12]))

	m.Write8(15, 'x')
	assert.Equal(t, byte('x'), mem[15])
}

func TestMappedOutOfRangePanics(t *testing.T) {
	m := mmio.FromBytes(make([]byte, 8))
	assert.Panics(t, func() { m.ReadBE32(8) })
	assert.Panics(t, func() { m.WriteBE32(2, 0) })
}

func TestMapResourceFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resource0")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o600))

	m, err := mmio.Map(path)
	require.NoError(t, err)
	m.WriteBE32(0x10, 0xdeadbeef)
	assert.Equal(t, uint32(0xdeadbeef), m.ReadBE32(0x10))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, b[0x10:0x14])
}

func TestMapMissingFile(t *testing.T) {
	_, err := mmio.Map(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
