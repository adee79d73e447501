package dispatch

import (
	"context"
	"fmt"
	"strings"
)

// URLImageResolver maps image references to artifacts hosted under a
// fixed base URL.  The reference "buildenv:v3" becomes the file
// "buildenv-v3.tar.xz" under the base.  A resolver backed by real
// artifact storage can replace this without touching the dispatcher.
type URLImageResolver struct {
	// BaseURL is where image artifacts are hosted, without a trailing
	// slash.
	BaseURL string
}

var _ ImageResolver = URLImageResolver{}

// Resolve derives the artifact filename and download URL for an image
// reference.  An empty reference is a permanent failure: the job can
// never run without an image.
func (r URLImageResolver) Resolve(_ context.Context, image string) (ImageArtifact, error) {
	if image == "" {
		return ImageArtifact{}, fmt.Errorf("job has no build image configured")
	}
	if r.BaseURL == "" {
		return ImageArtifact{}, fmt.Errorf("no image artifact base URL configured")
	}

	filename := imageFilename(image)
	return ImageArtifact{
		Filename:    filename,
		DownloadURL: strings.TrimSuffix(r.BaseURL, "/") + "/" + filename,
	}, nil
}

// imageFilename flattens an image reference into a safe artifact
// filename.
func imageFilename(image string) string {
	name := strings.NewReplacer("/", "-", ":", "-").Replace(image)
	return name + ".tar.xz"
}
