package quictransport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenConfig_CarriesGeneratedCertAndALPN(t *testing.T) {
	cfg, err := ListenConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	assert.Equal(t, []string{ALPN}, cfg.NextProtos)
}

func TestDialConfig_SkipsVerificationWithMatchingALPN(t *testing.T) {
	cfg := DialConfig()
	assert.True(t, cfg.InsecureSkipVerify)
	assert.Equal(t, []string{ALPN}, cfg.NextProtos)
}

func TestGenerateSelfSignedCert_ProducesUsableCertificate(t *testing.T) {
	cert, err := generateSelfSignedCert([]string{"example"}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, cert.Certificate)
	require.NotNil(t, cert.PrivateKey)
}
