package store

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseAddResponseDirectoryRecord(t *testing.T) {
	body := strings.NewReader(`{"Name":"a.ts","Hash":"QmFile1","Size":"10"}
{"Name":"bundle","Hash":"QmDirRoot","Size":"20"}
`)
	cid, err := parseAddResponse(body, "bundle")
	require.NoError(t, err)
	require.Equal(t, "QmDirRoot", cid)
}

func TestParseAddResponseFallsBackToLastHash(t *testing.T) {
	body := strings.NewReader(`{"Name":"a.ts","Hash":"QmFile1","Size":"10"}
{"Name":"b.ts","Hash":"QmFile2","Size":"20"}
`)
	cid, err := parseAddResponse(body, "bundle")
	require.NoError(t, err)
	require.Equal(t, "QmFile2", cid)
}

func TestParseAddResponseFailsWithNoRecords(t *testing.T) {
	_, err := parseAddResponse(strings.NewReader(""), "bundle")
	require.ErrorIs(t, err, errUploadParse)
}

func TestUploadDirectoryAgainstFakeDaemon(t *testing.T) {
	dir := t.TempDir()
	bundle := filepath.Join(dir, "bundle")
	require.NoError(t, os.MkdirAll(filepath.Join(bundle, "480p"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bundle, "manifest.m3u8"), []byte("#EXTM3U"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(bundle, "480p", "index.m3u8"), []byte("#EXTM3U"), 0o644))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/v0/add") {
			w.Write([]byte(`{"Name":"manifest.m3u8","Hash":"QmFile","Size":"7"}` + "\n"))
			fmt.Fprintf(w, `{"Name":"%s","Hash":"QmBundleRoot","Size":"100"}`+"\n", "bundle")
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, nil, false)

	var pinFailedCalls []string
	cid, err := c.UploadDirectory("job1", bundle, false, func(cid, reason string) {
		pinFailedCalls = append(pinFailedCalls, cid+":"+reason)
	})
	require.NoError(t, err)
	require.Equal(t, "QmBundleRoot", cid)
	require.Equal(t, []string{"QmBundleRoot:lazy_pin_requested"}, pinFailedCalls)
}

func TestVerifyPersistenceRequiresPinnedAndRecognizedEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/v0/pin/ls"):
			w.Write([]byte(`{"Keys":{"QmBundleRoot":{"Type":"recursive"}}}`))
		case strings.HasPrefix(r.URL.Path, "/api/v0/ls"):
			w.Write([]byte(`{"Objects":[{"Links":[{"Name":"manifest.m3u8"},{"Name":"480p"}]}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, nil, false)
	require.True(t, c.VerifyPersistence("QmBundleRoot"))
}

func TestUploadTimeoutClamps(t *testing.T) {
	base := 60 * time.Second
	perMB := 10 * time.Second
	cap := 10 * time.Minute

	require.Equal(t, base, uploadTimeout(base, perMB, 0, cap))
	require.Equal(t, cap, uploadTimeout(base, perMB, 1000, cap))
}
