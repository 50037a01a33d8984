package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o755, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestMermaidASCIIAssetName(t *testing.T) {
	name, err := mermaidASCIIAssetName("linux", "amd64")
	require.NoError(t, err)
	assert.Equal(t, "mermaid-ascii_Linux_x86_64.tar.gz", name)
	assert.Contains(t, mermaidASCIIChecksums, name)

	name, err = mermaidASCIIAssetName("darwin", "arm64")
	require.NoError(t, err)
	assert.Equal(t, "mermaid-ascii_Darwin_arm64.tar.gz", name)

	_, err = mermaidASCIIAssetName("windows", "amd64")
	assert.ErrorContains(t, err, "unsupported OS")
	_, err = mermaidASCIIAssetName("linux", "mips")
	assert.ErrorContains(t, err, "unsupported architecture")
}

func TestExtractTarGz(t *testing.T) {
	dir := t.TempDir()
	archive := tarGz(t, map[string]string{"README.md": "docs", "dist/mermaid-ascii": "#!/bin/sh\n"})

	require.NoError(t, extractTarGz(bytes.NewReader(archive), dir, "mermaid-ascii"))
	data, err := os.ReadFile(filepath.Join(dir, "mermaid-ascii"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n", string(data))

	err = extractTarGz(bytes.NewReader(archive), dir, "missing")
	assert.ErrorContains(t, err, `"missing" not found`)

	err = extractTarGz(strings.NewReader("not gzip"), dir, "x")
	assert.ErrorContains(t, err, "gzip")
}

func TestSha256File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("autocraft"), 0o644))

	got, err := sha256File(path)
	require.NoError(t, err)
	sum := sha256.Sum256([]byte("autocraft"))
	assert.Equal(t, hex.EncodeToString(sum[:]), got)

	_, err = sha256File(filepath.Join(t.TempDir(), "none"))
	assert.Error(t, err)
}

type stubDoer struct {
	status int
	body   []byte
	urls   []string
}

func (s *stubDoer) Do(req *http.Request) (*http.Response, error) {
	s.urls = append(s.urls, req.URL.String())
	return &http.Response{StatusCode: s.status, Body: io.NopCloser(bytes.NewReader(s.body))}, nil
}

func TestDownloadToTemp(t *testing.T) {
	dir := t.TempDir()

	ok := &stubDoer{status: http.StatusOK, body: []byte("payload")}
	path, err := downloadToTemp(context.Background(), ok, "https://example.com/a", dir)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, []string{"https://example.com/a"}, ok.urls)

	_, err = downloadToTemp(context.Background(), &stubDoer{status: http.StatusNotFound}, "https://example.com/b", dir)
	assert.ErrorContains(t, err, "404")
}

func TestInstallMermaidASCII_KeepsExisting(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "mermaid-ascii")
	require.NoError(t, os.WriteFile(dest, []byte("bin"), 0o755))

	doer := &stubDoer{status: http.StatusOK}
	got, err := installMermaidASCII(context.Background(), doer, dir)
	require.NoError(t, err)
	assert.Equal(t, dest, got)
	assert.Empty(t, doer.urls)
}

func TestSignalRunningServer_NoPidFile(t *testing.T) {
	_, ok := signalRunningServer(filepath.Join(t.TempDir(), "autocraft.pid"))
	assert.False(t, ok)
}
