// Package storagepath derives sharded filesystem locations from content
// digests.
//
// A digest "sha256:ab12cd...ef" with extension "jpg" lands at
//
//	<artifactRoot>/ab/12/cd...ef.jpg
//	<thumbnailRoot>/ab/12/cd...ef.jpg
//
// Two levels of two hex characters bound every directory to 256 entries per
// level (65,536 leaf buckets) regardless of corpus size. Derivation is a
// pure function of (digest, extension): no registry lookup is involved.
package storagepath

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/lyzr/mediapipe/common/mediaerr"
)

// ThumbnailExt is the extension of every generated thumbnail
const ThumbnailExt = "jpg"

// minHexLen is two shard levels plus at least one filename character
const minHexLen = 5

// Deriver maps digests onto the artifact and thumbnail trees
type Deriver struct {
	ArtifactRoot  string
	ThumbnailRoot string
}

// Path is the derived location of one artifact
type Path struct {
	Shard1   string
	Shard2   string
	Filename string

	// RelPath is the slash-separated path relative to either root, used
	// to build public URLs.
	RelPath          string
	ThumbnailRelPath string

	ArtifactPath  string
	ThumbnailPath string
}

// New creates a deriver rooted at the given directories
func New(artifactRoot, thumbnailRoot string) *Deriver {
	return &Deriver{
		ArtifactRoot:  artifactRoot,
		ThumbnailRoot: thumbnailRoot,
	}
}

// Derive computes the sharded path for a digest and extension
func (d *Deriver) Derive(digest, ext string) (Path, error) {
	hex, err := HexPart(digest)
	if err != nil {
		return Path{}, err
	}
	ext = NormalizeExt(ext)

	shard1, shard2, rest := hex[0:2], hex[2:4], hex[4:]
	filename := rest
	if ext != "" {
		filename = rest + "." + ext
	}
	thumbName := rest + "." + ThumbnailExt

	return Path{
		Shard1:           shard1,
		Shard2:           shard2,
		Filename:         filename,
		RelPath:          path.Join(shard1, shard2, filename),
		ThumbnailRelPath: path.Join(shard1, shard2, thumbName),
		ArtifactPath:     filepath.Join(d.ArtifactRoot, shard1, shard2, filename),
		ThumbnailPath:    filepath.Join(d.ThumbnailRoot, shard1, shard2, thumbName),
	}, nil
}

// VersionPath derives the location of a re-processed derivative. Versions
// live under <artifactRoot>/versions, sharded by the source digest so a
// media item's history stays next to its siblings.
func (d *Deriver) VersionPath(digest, mediaID string, version int, ext string) (Path, error) {
	hex, err := HexPart(digest)
	if err != nil {
		return Path{}, err
	}
	if mediaID == "" || strings.ContainsAny(mediaID, `/\`) {
		return Path{}, mediaerr.Input("invalid media id %q", mediaID)
	}
	if version < 1 {
		return Path{}, mediaerr.Input("version must be >= 1, got %d", version)
	}
	ext = NormalizeExt(ext)

	shard1, shard2 := hex[0:2], hex[2:4]
	filename := fmt.Sprintf("%s-v%d", mediaID, version)
	if ext != "" {
		filename += "." + ext
	}

	return Path{
		Shard1:       shard1,
		Shard2:       shard2,
		Filename:     filename,
		RelPath:      path.Join("versions", shard1, shard2, filename),
		ArtifactPath: filepath.Join(d.ArtifactRoot, "versions", shard1, shard2, filename),
	}, nil
}

// URL joins a public base URL with a slash-separated relative path
func URL(baseURL, relPath string) string {
	if relPath == "" {
		return ""
	}
	if u, err := url.Parse(baseURL); err == nil && u.Scheme != "" {
		return u.JoinPath(relPath).String()
	}
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(relPath, "/")
}

// HexPart strips an optional "<algo>:" prefix and validates the remaining
// hex string.
func HexPart(digest string) (string, error) {
	hex := digest
	if i := strings.IndexByte(digest, ':'); i >= 0 {
		hex = digest[i+1:]
	}
	hex = strings.ToLower(hex)

	if len(hex) < minHexLen {
		return "", mediaerr.Input("digest %q too short to shard", digest)
	}
	for _, c := range hex {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return "", mediaerr.Input("digest %q is not hex", digest)
		}
	}
	return hex, nil
}

// NormalizeExt lowercases an extension and strips a leading dot
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}
