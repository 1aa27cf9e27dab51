package tls

import (
	"crypto/x509"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerConfig_Disabled(t *testing.T) {
	tc, err := DefaultConfig().ServerConfig()
	require.NoError(t, err)
	assert.Nil(t, tc)
}

func TestServerConfig_AutoGenerate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true

	tc, err := cfg.ServerConfig()
	require.NoError(t, err)
	require.Len(t, tc.Certificates, 1)

	leaf, err := x509.ParseCertificate(tc.Certificates[0].Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost"}, leaf.DNSNames)
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", leaf.IPAddresses[0].String())
	assert.WithinDuration(t, time.Now().Add(cfg.ValidFor), leaf.NotAfter, time.Minute)
}

func TestServerConfig_FromFiles(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "certs", "server.crt")
	keyFile := filepath.Join(dir, "certs", "server.key")
	require.NoError(t, WriteSelfSigned([]string{"cp.example.com"}, time.Hour, certFile, keyFile))

	cfg := Config{Enabled: true, CertFile: certFile, KeyFile: keyFile, CAFile: certFile}
	tc, err := cfg.ServerConfig()
	require.NoError(t, err)
	assert.NotNil(t, tc.ClientCAs)

	cfg.CAFile = keyFile
	_, err = cfg.ServerConfig()
	assert.Error(t, err, "a key is not a CA bundle")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled", Config{}, false},
		{"files", Config{Enabled: true, CertFile: "a", KeyFile: "b"}, false},
		{"cert without key", Config{Enabled: true, CertFile: "a"}, true},
		{"nothing to serve", Config{Enabled: true}, true},
		{"generate without hosts", Config{Enabled: true, AutoGenerate: true, ValidFor: time.Hour}, true},
		{"generate short validity", Config{Enabled: true, AutoGenerate: true, Hosts: []string{"localhost"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
