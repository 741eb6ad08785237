package tlsutil

import (
	"crypto/tls"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient(t *testing.T) {
	cfg := Client()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.ElementsMatch(t, aeadSuites, cfg.CipherSuites)

	// 每次返回独立的切片
	cfg.CipherSuites[0] = 0
	assert.NotZero(t, Client().CipherSuites[0])
}

func TestServer(t *testing.T) {
	cfg := Server()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.NotEmpty(t, cfg.CurvePreferences)
}

func TestClientWithCA(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	caFile := filepath.Join(dir, "ca.pem")
	block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	require.NoError(t, os.WriteFile(caFile, block, 0o600))

	t.Run("untrusted without ca", func(t *testing.T) {
		_, err := HTTPClient(5*time.Second, nil).Get(srv.URL)
		assert.Error(t, err)
	})

	t.Run("trusted with ca", func(t *testing.T) {
		cfg, err := ClientWithCA(caFile)
		require.NoError(t, err)
		resp, err := HTTPClient(5*time.Second, cfg).Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("empty path", func(t *testing.T) {
		cfg, err := ClientWithCA("")
		require.NoError(t, err)
		assert.Nil(t, cfg.RootCAs)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := ClientWithCA(filepath.Join(dir, "nope.pem"))
		assert.Error(t, err)
	})

	t.Run("not pem", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.pem")
		require.NoError(t, os.WriteFile(bad, []byte("hello"), 0o600))
		_, err := ClientWithCA(bad)
		assert.Error(t, err)
	})
}

func TestHTTPClient(t *testing.T) {
	client := HTTPClient(15*time.Second, nil)
	assert.Equal(t, 15*time.Second, client.Timeout)
	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, uint16(tls.VersionTLS12), transport.TLSClientConfig.MinVersion)
}
