package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestURLImageResolver_Resolve(t *testing.T) {
	resolver := URLImageResolver{BaseURL: "https://ci.example.com/images/"}

	artifact, err := resolver.Resolve(context.Background(), "ghcr.io/example/buildenv:v3")
	require.NoError(t, err)

	assert.Equal(t, "ghcr.io-example-buildenv-v3.tar.xz", artifact.Filename)
	assert.Equal(t,
		"https://ci.example.com/images/ghcr.io-example-buildenv-v3.tar.xz",
		artifact.DownloadURL)
}

func TestURLImageResolver_EmptyImageIsPermanentFailure(t *testing.T) {
	resolver := URLImageResolver{BaseURL: "https://ci.example.com/images"}

	_, err := resolver.Resolve(context.Background(), "")
	assert.Error(t, err)
}

func TestURLImageResolver_MissingBaseURL(t *testing.T) {
	_, err := URLImageResolver{}.Resolve(context.Background(), "buildenv:v3")
	assert.Error(t, err)
}
