package identity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "identity.db")
	s, err := Open(path)
	require.NoError(t, err)
	return s, path
}

func TestDeviceIDStableAcrossReopen(t *testing.T) {
	s, path := openTemp(t)
	id1, err := s.GetOrCreateDeviceID()
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	id2, err := s.GetOrCreateDeviceID()
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	require.NoError(t, s.Close())

	// 重开同一文件：device_id 安装期内稳定
	s2, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()
	id3, err := s2.GetOrCreateDeviceID()
	require.NoError(t, err)
	assert.Equal(t, id1, id3)
}

func TestNextWriteSeqMonotonic(t *testing.T) {
	s, path := openTemp(t)

	a, err := s.NextWriteSeq("alice")
	require.NoError(t, err)
	b, err := s.NextWriteSeq("alice")
	require.NoError(t, err)
	c, err := s.NextWriteSeq("alice")
	require.NoError(t, err)
	assert.Greater(t, b, a)
	assert.Greater(t, c, b)

	// 按 user 独立计数
	other, err := s.NextWriteSeq("bob")
	require.NoError(t, err)
	assert.NotZero(t, other)
	require.NoError(t, s.Close())

	// 进程重启（重开文件）不回退
	s2, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()
	d, err := s2.NextWriteSeq("alice")
	require.NoError(t, err)
	assert.Greater(t, d, c)
}

func TestAckWatermarkOnlyRises(t *testing.T) {
	s, _ := openTemp(t)
	defer func() { _ = s.Close() }()

	seq, err := s.AckWatermark("conv")
	require.NoError(t, err)
	assert.Zero(t, seq)

	require.NoError(t, s.SaveAckWatermark("conv", 10))
	require.NoError(t, s.SaveAckWatermark("conv", 7)) // 只升不降
	seq, err = s.AckWatermark("conv")
	require.NoError(t, err)
	assert.Equal(t, int64(10), seq)
}
