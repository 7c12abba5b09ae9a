package service

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/lyzr/mediapipe/common/mediaerr"
)

// File name prefixes the temp sweeper recognizes
const (
	TempPrefix    = "upload-"
	StagingPrefix = ".part-"
)

// stagingPath returns a unique sibling of final. The real extension is
// kept so encoders pick the output format from it.
func stagingPath(final string) string {
	return filepath.Join(filepath.Dir(final), StagingPrefix+uuid.NewString()+"-"+filepath.Base(final))
}

// move is one staged output and its final location
type move struct {
	staged string
	final  string
}

// placed is a final file written by this process
type placed struct {
	path string
	info os.FileInfo
}

// publish renames staged outputs into their final paths. The caller holds
// the registry row that will reference them, so a file already sitting at
// a final path is an orphan of an earlier failed attempt and is replaced.
func publish(moves []move) ([]placed, error) {
	done := make([]placed, 0, len(moves))
	for _, m := range moves {
		if err := os.MkdirAll(filepath.Dir(m.final), 0o755); err != nil {
			unpublish(done)
			return nil, mediaerr.Storage(err, "failed to create %s", filepath.Dir(m.final))
		}
		if err := os.Rename(m.staged, m.final); err != nil {
			unpublish(done)
			return nil, mediaerr.Storage(err, "failed to place %s", filepath.Base(m.final))
		}
		info, err := os.Stat(m.final)
		if err != nil {
			unpublish(done)
			return nil, mediaerr.Storage(err, "failed to stat %s", filepath.Base(m.final))
		}
		done = append(done, placed{path: m.final, info: info})
	}
	return done, nil
}

// unpublish removes files written by publish unless something replaced
// them since
func unpublish(files []placed) {
	for _, f := range files {
		if cur, err := os.Stat(f.path); err == nil && os.SameFile(cur, f.info) {
			os.Remove(f.path)
		}
	}
}

// removeFiles deletes paths, ignoring ones that do not exist
func removeFiles(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
