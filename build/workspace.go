package build

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/hashicorp/go-getter"
	"go.uber.org/zap"

	"github.com/kilnworks/kiln/errors"
	"github.com/kilnworks/kiln/logger"
)

// Workspace is the ephemeral per-job directory tree a compile runs in.
// Src holds the materialized project, Out receives container artifacts.
// Nothing outside Dir is ever written.
type Workspace struct {
	Dir string
	Src string
	Out string

	log *zap.SugaredLogger
}

// newWorkspace creates a fresh workspace for jobID under scratchRoot.
// A leftover directory from a crashed earlier attempt is removed first so
// retries never see stale files.
func newWorkspace(scratchRoot, jobID string, log *zap.SugaredLogger) (*Workspace, error) {
	if log == nil {
		log = logger.Logger
	}
	if scratchRoot == "" {
		scratchRoot = os.TempDir()
	}

	dir := filepath.Join(scratchRoot, "kiln-build-"+jobID)
	if err := os.RemoveAll(dir); err != nil {
		return nil, errors.Wrap(err, "clear stale workspace")
	}

	ws := &Workspace{
		Dir: dir,
		Src: filepath.Join(dir, "src"),
		Out: filepath.Join(dir, "out"),
		log: log,
	}
	for _, d := range []string{ws.Src, ws.Out} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, errors.Wrap(err, "create workspace")
		}
	}
	return ws, nil
}

// Materialize writes the submitted files into Src. File names are relative
// paths inside the project; anything absolute or escaping the workspace is
// rejected. `.cargo/config.toml` and other dotfiles pass through verbatim.
func (w *Workspace) Materialize(files []File) error {
	if len(files) == 0 {
		return errors.Mark(errors.New("no project files submitted"), errors.ErrInvalidRequest)
	}

	for _, f := range files {
		rel, err := sanitizeRelPath(f.Name)
		if err != nil {
			return err
		}
		target := filepath.Join(w.Src, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return errors.Wrapf(err, "create directory for %s", rel)
		}
		if err := os.WriteFile(target, []byte(f.Content), 0o644); err != nil {
			return errors.Wrapf(err, "write %s", rel)
		}
	}
	return nil
}

// FetchSource populates Src from a remote source URL instead of inline
// files. go-getter autodetects git URLs, GitHub shorthand, and archives.
func (w *Workspace) FetchSource(ctx context.Context, src string) error {
	pwd, err := os.Getwd()
	if err != nil {
		pwd = "."
	}

	detected, err := getter.Detect(src, pwd, getter.Detectors)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "detect source type for %q", src), errors.ErrInvalidRequest)
	}

	w.log.Debugw("Fetching project source",
		"source", src,
		"detected", detected,
	)

	client := &getter.Client{
		Ctx:     ctx,
		Src:     detected,
		Dst:     w.Src,
		Mode:    getter.ClientModeDir,
		Getters: getter.Getters,
	}
	if err := client.Get(); err != nil {
		return errors.Mark(errors.Wrapf(err, "fetch %q", src), errors.ErrInvalidRequest)
	}
	return nil
}

// HeadCommit returns the HEAD commit hash when Src is a git work tree,
// empty otherwise. Fetched archives and inline submissions have no commit.
func (w *Workspace) HeadCommit() string {
	repo, err := git.PlainOpen(w.Src)
	if err != nil {
		return ""
	}
	ref, err := repo.Head()
	if err != nil {
		return ""
	}
	return ref.Hash().String()
}

// Cleanup removes the workspace tree. Safe to call more than once.
func (w *Workspace) Cleanup() {
	if err := os.RemoveAll(w.Dir); err != nil {
		w.log.Warnw("Failed to remove build workspace",
			"dir", w.Dir,
			"error", err,
		)
	}
}

// sanitizeRelPath validates a submitted file name and returns its cleaned
// relative form. Absolute paths and paths that escape the workspace root
// are rejected.
func sanitizeRelPath(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.Mark(errors.New("empty file name"), errors.ErrInvalidRequest)
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return "", errors.Mark(errors.Newf("absolute file path %q not allowed", name), errors.ErrInvalidRequest)
	}

	clean := filepath.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.Mark(errors.Newf("file path %q escapes the workspace", name), errors.ErrInvalidRequest)
	}
	return clean, nil
}
