package identity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesIdentityOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "encoder-identity")

	id, err := Load(path, "test-worker")
	require.NoError(t, err)
	require.NotEmpty(t, id.EncoderID())
	require.Regexp(t, `^did:key:z6Mk`, id.DID())
}

func TestLoadIsStableAcrossReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "encoder-identity")

	first, err := Load(path, "test-worker")
	require.NoError(t, err)

	second, err := Load(path, "test-worker")
	require.NoError(t, err)

	require.Equal(t, first.DID(), second.DID())
	require.Equal(t, first.EncoderID(), second.EncoderID())
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "encoder-identity")
	id, err := Load(path, "test-worker")
	require.NoError(t, err)

	jws, err := id.Sign(map[string]interface{}{"job_id": "abc123"})
	require.NoError(t, err)
	require.NotEmpty(t, jws)

	claims, err := Verify(jws, id.PublicKey())
	require.NoError(t, err)
	require.Equal(t, "abc123", claims["job_id"])
	require.Equal(t, id.DID(), claims["iss"])
}

func TestRecordJobCompletedPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "encoder-identity")
	id, err := Load(path, "test-worker")
	require.NoError(t, err)

	id.RecordJobCompleted()

	reloaded, err := Load(path, "test-worker")
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.file.TotalJobsCompleted)
}
