package build

import (
	"bufio"
	"context"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/kilnworks/kiln/config"
	"github.com/kilnworks/kiln/errors"
	"github.com/kilnworks/kiln/joblog"
)

// nativeBackend compiles with a cargo toolchain installed on the host.
type nativeBackend struct {
	cfg config.BuildConfig
	log *zap.SugaredLogger
}

// nativeToolchain is a probed, version-checked build binary.
type nativeToolchain struct {
	Path    string
	Version string
}

// probe looks the toolchain binary up on PATH and enforces the configured
// minimum version against `cargo --version` output. A probe failure means
// the backend is unavailable on this host, not that the job is bad.
func (b *nativeBackend) probe(ctx context.Context) (*nativeToolchain, error) {
	bin := b.cfg.Toolchain
	if bin == "" {
		bin = "cargo"
	}

	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, errors.Mark(errors.Newf("%s not found on PATH", bin), errors.ErrToolchainMissing)
	}

	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "run %s --version", bin), errors.ErrToolchainMissing)
	}

	version := parseToolchainVersion(string(out))
	if version == "" {
		return nil, errors.Mark(errors.Newf("unparseable %s --version output %q", bin, strings.TrimSpace(string(out))), errors.ErrToolchainMissing)
	}

	if b.cfg.MinToolchain != "" {
		constraint, err := semver.NewConstraint(b.cfg.MinToolchain)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid min_toolchain constraint %q", b.cfg.MinToolchain)
		}
		v, err := semver.NewVersion(version)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "parse toolchain version %q", version), errors.ErrToolchainMissing)
		}
		if !constraint.Check(v) {
			return nil, errors.Mark(
				errors.Newf("toolchain %s %s does not satisfy %s", bin, version, b.cfg.MinToolchain),
				errors.ErrToolchainMissing)
		}
	}

	return &nativeToolchain{Path: path, Version: version}, nil
}

// parseToolchainVersion extracts the version field from output shaped like
// "cargo 1.81.0 (2dbb1af80 2024-08-20)".
func parseToolchainVersion(out string) string {
	fields := strings.Fields(out)
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

// build runs the release build in root and returns the artifact path.
func (b *nativeBackend) build(ctx context.Context, tc *nativeToolchain, root string, emit joblog.EmitFunc) (string, error) {
	target := b.cfg.Target

	// cargo creates these itself, but pre-creating keeps the artifact scan
	// root present even when the build dies before emitting anything.
	releaseDir := filepath.Join(root, "target", target, "release")
	if err := os.MkdirAll(releaseDir, 0o755); err != nil {
		return "", errors.Wrap(err, "create target directory")
	}

	args := []string{"build", "--release", "--target", target}
	if b.cfg.ExtraArgs != "" {
		extra, err := shellquote.Split(b.cfg.ExtraArgs)
		if err != nil {
			return "", errors.Wrapf(err, "parse extra build args %q", b.cfg.ExtraArgs)
		}
		args = append(args, extra...)
	}

	b.log.Debugw("Starting native build",
		"toolchain", tc.Path,
		"version", tc.Version,
		"root", root,
		"args", args,
	)

	cmd := exec.CommandContext(ctx, tc.Path, args...)
	cmd.Dir = root

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", errors.Wrap(err, "create stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", errors.Wrap(err, "create stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return "", errors.Wrap(err, "start build")
	}

	tail := newLineTail(failureTailLines)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamLines(stdout, emit, nil)
	}()
	go func() {
		defer wg.Done()
		streamLines(stderr, emit, tail)
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", errors.Mark(errors.Wrap(ctx.Err(), "build cancelled"), errors.ErrTimeout)
		}
		return "", errors.Mark(
			errors.Newf("build exited nonzero: %s", tail.Summary()),
			errors.ErrCompilerFailed)
	}

	return findWasmArtifact(filepath.Join(root, "target"))
}

// findWasmArtifact scans the target tree for the produced module. deps/
// holds intermediate objects cargo also names .wasm; those never count.
// When a rebuild leaves more than one candidate the newest wins.
func findWasmArtifact(targetDir string) (string, error) {
	var found []string
	err := filepath.WalkDir(targetDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "deps" {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), ".wasm") {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "scan for build artifact")
	}
	if len(found) == 0 {
		return "", errors.Mark(errors.New("build succeeded but produced no .wasm artifact"), errors.ErrNoArtifact)
	}

	sort.Slice(found, func(i, j int) bool {
		return modTime(found[i]).After(modTime(found[j]))
	})
	return found[0], nil
}

func modTime(path string) (t time.Time) {
	if info, err := os.Stat(path); err == nil {
		t = info.ModTime()
	}
	return t
}

// failureTailLines bounds the stderr excerpt attached to a build failure.
const failureTailLines = 20

// streamLines scans a subprocess stream line by line, classifying each into
// a log record. Blank lines are dropped. tail, when non-nil, keeps the last
// lines for the failure summary.
func streamLines(r io.Reader, emit joblog.EmitFunc, tail *lineTail) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if tail != nil {
			tail.Add(line)
		}
		emit(joblog.ClassifyLine(line))
	}
}

// lineTail keeps the last n lines written to it.
type lineTail struct {
	lines []string
	limit int
}

func newLineTail(limit int) *lineTail {
	return &lineTail{limit: limit}
}

func (t *lineTail) Add(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.limit {
		t.lines = t.lines[len(t.lines)-t.limit:]
	}
}

// Summary joins the retained lines into a one-string failure excerpt.
func (t *lineTail) Summary() string {
	if len(t.lines) == 0 {
		return "no diagnostic output"
	}
	return strings.Join(t.lines, "\n")
}
