package sessionauth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateGeneratesAndPersistsKeypair(t *testing.T) {
	dir := t.TempDir()

	kp, err := LoadOrCreate(dir)
	require.NoError(t, err)
	require.True(t, strings.Contains(kp.PrivatePEM(), "PRIVATE KEY"))
	require.True(t, strings.Contains(kp.PublicPEM(), "PUBLIC KEY"))
	require.NotNil(t, kp.PrivateKey())

	kp2, err := LoadOrCreate(dir)
	require.NoError(t, err)
	require.Equal(t, kp.PublicPEM(), kp2.PublicPEM())
	require.Equal(t, kp.PrivatePEM(), kp2.PrivatePEM())
}
