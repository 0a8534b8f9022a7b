package passphrase

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSourcePrefersEnvironment(t *testing.T) {
	t.Setenv("HUB_TEST_PASS", "s3cret")
	src := NewSource("HUB_TEST_PASS")
	src.prompt = func() ([]byte, error) { return nil, errors.New("should not prompt") }

	got, err := src.Get()
	require.NoError(t, err)
	require.Equal(t, "s3cret", got)
}

func TestSourceReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pass")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))
	t.Setenv("HUB_TEST_PASS_FILE", path)

	got, err := NewSource("HUB_TEST_PASS").Get()
	require.NoError(t, err)
	require.Equal(t, "from-file", got)
}

func TestSourceRejectsBlank(t *testing.T) {
	t.Setenv("HUB_TEST_PASS", "   ")
	_, err := NewSource("HUB_TEST_PASS").Get()
	require.Error(t, err)

	src := NewSource("")
	calls := 0
	src.prompt = func() ([]byte, error) {
		calls++
		return []byte(" "), nil
	}
	_, err = src.Get()
	require.Error(t, err)
	_, _ = src.Get()
	require.Equal(t, 1, calls)
}
