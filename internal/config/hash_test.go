package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockDryRun(t *testing.T) {
	path := writeConfig(t, baseYAML)

	report, err := Lock(path, true)
	require.NoError(t, err)
	assert.False(t, report.Written)
	assert.NotEmpty(t, report.Hash)

	_, err = os.Stat(filepath.Join(filepath.Dir(path), ChecksumFile))
	assert.True(t, os.IsNotExist(err), ".checksums should not be written in dry-run mode")
}

func TestLockThenVerify(t *testing.T) {
	path := writeConfig(t, baseYAML)

	report, err := Lock(path, false)
	require.NoError(t, err)
	assert.True(t, report.Written)

	manifest, err := LoadChecksums(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, report.Hash, manifest.Hashes["config.yaml"])

	require.NoError(t, VerifyChecksum(path))
	_, err = Load(path)
	require.NoError(t, err)
}

func TestLoadRejectsTamperedConfig(t *testing.T) {
	path := writeConfig(t, baseYAML)
	_, err := Lock(path, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(baseYAML+"\n# edited\n"), 0600))

	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestVerifyChecksumWithoutManifest(t *testing.T) {
	path := writeConfig(t, baseYAML)
	assert.NoError(t, VerifyChecksum(path))
}
