// Package build compiles contract sources into WASM modules. Three
// backends are tried in order: a native cargo toolchain on the host, a
// docker build container, and finally a stub that produces a minimal
// placeholder module. The chosen backend and the reason the earlier ones
// were skipped are written into the job's log stream.
package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kilnworks/kiln/config"
	"github.com/kilnworks/kiln/errors"
	"github.com/kilnworks/kiln/joblog"
	"github.com/kilnworks/kiln/logger"
	"github.com/kilnworks/kiln/wasm"
)

// Backend identifiers recorded into compile results.
const (
	BackendNative    = "native"
	BackendContainer = "container"
	BackendStub      = "stub"
)

// File is one submitted project file. Name is a path relative to the
// project root; Content is the full file body.
type File struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Request describes one compile job.
type Request struct {
	JobID     string `json:"job_id"`
	ProjectID string `json:"project_id"`

	// Files and SourceURL are alternatives: inline submission or a
	// fetchable source location (git URL, archive).
	Files     []File `json:"files,omitempty"`
	SourceURL string `json:"source_url,omitempty"`
}

func (r *Request) validate() error {
	if r.JobID == "" {
		return errors.Mark(errors.New("compile request has no job id"), errors.ErrInvalidRequest)
	}
	if len(r.Files) == 0 && r.SourceURL == "" {
		return errors.Mark(errors.New("compile request has neither files nor source_url"), errors.ErrInvalidRequest)
	}
	return nil
}

// Result is a finished compile: the module bytes plus provenance.
type Result struct {
	WasmBytes    []byte
	WasmFilename string
	BackendUsed  string

	// Commit is the HEAD hash when the source came from a git URL.
	Commit string
	// Exports lists the module's exported functions when inspection
	// succeeded.
	Exports []string
}

// Runner selects a backend and drives one compile per call. Safe for
// concurrent use; each compile works in its own workspace.
type Runner struct {
	cfg       config.BuildConfig
	log       *zap.SugaredLogger
	native    *nativeBackend
	container *containerBackend
}

func NewRunner(cfg config.BuildConfig, log *zap.SugaredLogger) *Runner {
	if log == nil {
		log = logger.Logger
	}
	return &Runner{
		cfg:       cfg,
		log:       log,
		native:    &nativeBackend{cfg: cfg, log: log},
		container: &containerBackend{cfg: cfg, log: log},
	}
}

// Compile materializes the request into a workspace, runs the first
// available backend, and returns the module bytes. emit receives every log
// record as it is produced; pass nil to discard. Errors marked
// ErrInvalidRequest, ErrCompilerFailed, or ErrNoArtifact describe the
// submission rather than the host and are terminal for the job.
func (r *Runner) Compile(ctx context.Context, req *Request, emit joblog.EmitFunc) (*Result, error) {
	if emit == nil {
		emit = func(joblog.Record) {}
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	ws, err := newWorkspace(r.cfg.ScratchDir, req.JobID, r.log)
	if err != nil {
		return nil, err
	}
	defer ws.Cleanup()

	var commit string
	if req.SourceURL != "" {
		emit(joblog.New(joblog.KindInfo, "Fetching project source"))
		if err := ws.FetchSource(ctx, req.SourceURL); err != nil {
			return nil, err
		}
		if commit = ws.HeadCommit(); commit != "" {
			emit(joblog.New(joblog.KindInfo, "Resolved source at commit "+shortCommit(commit)))
		}
	} else {
		if err := ws.Materialize(req.Files); err != nil {
			return nil, err
		}
	}

	if r.cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(r.cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	result, err := r.compileWorkspace(ctx, ws, req.JobID, emit)
	if err != nil {
		return nil, err
	}
	result.Commit = commit

	r.log.Infow("Compile finished",
		logger.FieldJobID, req.JobID,
		logger.FieldBackend, result.BackendUsed,
		"artifact", result.WasmFilename,
		"size_bytes", len(result.WasmBytes),
	)
	return result, nil
}

// compileWorkspace walks the backend ladder over a populated workspace.
func (r *Runner) compileWorkspace(ctx context.Context, ws *Workspace, jobID string, emit joblog.EmitFunc) (*Result, error) {
	if !r.cfg.DisableNative {
		tc, err := r.native.probe(ctx)
		if err != nil {
			emit(joblog.New(joblog.KindInfo, "Native toolchain unavailable: "+errMessage(err)))
		} else {
			emit(joblog.New(joblog.KindInfo, fmt.Sprintf("Using native toolchain %s %s", r.toolchainName(), tc.Version)))
			return r.compileNative(ctx, tc, ws, emit)
		}
	}

	if !r.cfg.DisableContainer {
		cli, err := r.container.prepare(ctx, emit)
		if err != nil {
			emit(joblog.New(joblog.KindInfo, "Container backend unavailable: "+errMessage(err)))
		} else {
			defer cli.Close()
			emit(joblog.New(joblog.KindInfo, "Using container backend "+r.cfg.ContainerImage))
			artifact, err := r.container.run(ctx, cli, ws, jobID, emit)
			if err != nil {
				return nil, err
			}
			return r.loadArtifact(ctx, artifact, BackendContainer, emit)
		}
	}

	return stubCompile(ws.Src, emit)
}

func (r *Runner) compileNative(ctx context.Context, tc *nativeToolchain, ws *Workspace, emit joblog.EmitFunc) (*Result, error) {
	root, _, err := findBuildRoot(ws.Src)
	if err != nil {
		return nil, err
	}
	if err := normalizeLayout(root); err != nil {
		return nil, err
	}

	artifact, err := r.native.build(ctx, tc, root, emit)
	if err != nil {
		return nil, err
	}
	return r.loadArtifact(ctx, artifact, BackendNative, emit)
}

// loadArtifact reads a produced module and runs the best-effort inspection.
// Inspection failure is advisory; deploy-time validation is the gate.
func (r *Runner) loadArtifact(ctx context.Context, path, backend string, emit joblog.EmitFunc) (*Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read artifact %s", path)
	}

	result := &Result{
		WasmBytes:    raw,
		WasmFilename: filepath.Base(path),
		BackendUsed:  backend,
	}

	exports, err := wasm.Inspect(ctx, raw)
	if err != nil {
		emit(joblog.New(joblog.KindWarning, "Artifact inspection failed: "+errMessage(err)))
	} else {
		result.Exports = exports
		emit(joblog.New(joblog.KindInfo, fmt.Sprintf("Module exports %d function(s)", len(exports))))
	}

	emit(joblog.New(joblog.KindSuccess, "Compilation finished: "+result.WasmFilename))
	return result, nil
}

func (r *Runner) toolchainName() string {
	if r.cfg.Toolchain != "" {
		return r.cfg.Toolchain
	}
	return "cargo"
}

// artifactFilename maps a crate name onto cargo's artifact naming.
func artifactFilename(crate string) string {
	return strings.ReplaceAll(crate, "-", "_") + ".wasm"
}

func shortCommit(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// errMessage flattens an error for inclusion in a user-visible log line.
func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
