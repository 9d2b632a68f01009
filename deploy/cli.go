package deploy

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/kilnworks/kiln/errors"
	"github.com/kilnworks/kiln/joblog"
)

// toolchain is a probed deploy CLI binary.
type toolchain struct {
	Name string
	Path string
}

// probe locates the deploy CLI: the configured tool first, then the
// fallback. Neither being installed means this host cannot deploy at all,
// so the job fails immediately rather than after identity setup.
func (r *Runner) probe() (*toolchain, error) {
	for _, bin := range []string{r.toolName(), r.fallbackToolName()} {
		if bin == "" {
			continue
		}
		if path, err := exec.LookPath(bin); err == nil {
			return &toolchain{Name: bin, Path: path}, nil
		}
	}
	return nil, errors.Mark(
		errors.Newf("neither %s nor %s found on PATH", r.toolName(), r.fallbackToolName()),
		errors.ErrToolchainMissing)
}

func (r *Runner) toolName() string {
	if r.cfg.Tool != "" {
		return r.cfg.Tool
	}
	return "stellar"
}

func (r *Runner) fallbackToolName() string {
	if r.cfg.FallbackTool != "" {
		return r.cfg.FallbackTool
	}
	return "soroban"
}

// run executes one CLI invocation quietly and returns its combined output.
// Used for the setup calls (identity, funding, address) whose output is
// inspected rather than shown to the user.
func (tc *toolchain) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, tc.Path, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), errors.Wrapf(err, "%s %s", tc.Name, args[0])
	}
	return string(out), nil
}

// runStreamed executes a CLI invocation, classifying every output line into
// the job log as it appears, and returns the full combined output so the
// caller can extract tokens (contract id, wasm hash) from it.
func (tc *toolchain) runStreamed(ctx context.Context, args []string, emit joblog.EmitFunc) (string, error) {
	cmd := exec.CommandContext(ctx, tc.Path, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", errors.Wrap(err, "create stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", errors.Wrap(err, "create stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return "", errors.Wrapf(err, "start %s", tc.Name)
	}

	capture := &outputCapture{}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		capture.consume(stdout, emit)
	}()
	go func() {
		defer wg.Done()
		capture.consume(stderr, emit)
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return capture.String(), errors.Mark(errors.Wrapf(ctx.Err(), "%s cancelled", tc.Name), errors.ErrTimeout)
		}
		return capture.String(), errors.Newf("%s exited nonzero: %s", tc.Name, capture.Tail())
	}
	return capture.String(), nil
}

// failureTailLines bounds the output excerpt attached to a CLI failure.
const failureTailLines = 20

// outputCapture accumulates subprocess output while it streams into the job
// log. Deploy CLI output is small, so all of it is retained for extraction.
// Stdout and stderr are consumed concurrently.
type outputCapture struct {
	mu    sync.Mutex
	lines []string
}

func (c *outputCapture) consume(r io.Reader, emit joblog.EmitFunc) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		c.mu.Lock()
		c.lines = append(c.lines, line)
		c.mu.Unlock()
		emit(joblog.ClassifyLine(line))
	}
}

func (c *outputCapture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.lines, "\n")
}

// Tail returns the trailing lines for a failure summary.
func (c *outputCapture) Tail() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.lines) == 0 {
		return "no diagnostic output"
	}
	start := len(c.lines) - failureTailLines
	if start < 0 {
		start = 0
	}
	return strings.Join(c.lines[start:], "\n")
}
