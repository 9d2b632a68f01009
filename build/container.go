package build

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/kilnworks/kiln/config"
	"github.com/kilnworks/kiln/errors"
	"github.com/kilnworks/kiln/joblog"
)

//go:embed Dockerfile
var builderDockerfile []byte

//go:embed entrypoint.sh
var builderEntrypoint []byte

// containerBackend compiles inside a docker container when no native
// toolchain is available. The builder image carries the rust toolchain and
// an entrypoint that mirrors the native backend's layout normalization.
type containerBackend struct {
	cfg config.BuildConfig
	log *zap.SugaredLogger
}

// prepare connects to the docker daemon and ensures the builder image
// exists, building it from the embedded Dockerfile when missing. An error
// here means the backend is unavailable, not that the job failed.
func (b *containerBackend) prepare(ctx context.Context, emit joblog.EmitFunc) (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "create docker client")
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, errors.Wrap(err, "ping docker daemon")
	}
	if err := b.ensureImage(ctx, cli, emit); err != nil {
		cli.Close()
		return nil, err
	}
	return cli, nil
}

func (b *containerBackend) ensureImage(ctx context.Context, cli *client.Client, emit joblog.EmitFunc) error {
	_, _, err := cli.ImageInspectWithRaw(ctx, b.cfg.ContainerImage)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return errors.Wrapf(err, "inspect image %s", b.cfg.ContainerImage)
	}

	emit(joblog.New(joblog.KindInfo, "Builder image not present, building "+b.cfg.ContainerImage))
	b.log.Infow("Building contract builder image",
		"image", b.cfg.ContainerImage,
	)

	buildCtx, err := imageBuildContext()
	if err != nil {
		return err
	}

	resp, err := cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{b.cfg.ContainerImage},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return errors.Wrapf(err, "build image %s", b.cfg.ContainerImage)
	}
	defer resp.Body.Close()

	// The build stream is a sequence of JSON messages; surface progress
	// lines and stop on the first reported error.
	dec := json.NewDecoder(resp.Body)
	for {
		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if err := dec.Decode(&msg); err == io.EOF {
			break
		} else if err != nil {
			return errors.Wrap(err, "read image build stream")
		}
		if msg.Error != "" {
			return errors.Newf("image build failed: %s", msg.Error)
		}
		if line := strings.TrimSpace(msg.Stream); line != "" {
			emit(joblog.New(joblog.KindInfo, line))
		}
	}
	return nil
}

// imageBuildContext packs the embedded image sources into an in-memory tar
// stream, the context format ImageBuild expects.
func imageBuildContext() (*bytes.Buffer, error) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)

	files := []struct {
		name string
		body []byte
		mode int64
	}{
		{"Dockerfile", builderDockerfile, 0o644},
		{"entrypoint.sh", builderEntrypoint, 0o755},
	}
	for _, f := range files {
		hdr := &tar.Header{
			Name: f.name,
			Mode: f.mode,
			Size: int64(len(f.body)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, errors.Wrapf(err, "write tar header for %s", f.name)
		}
		if _, err := tw.Write(f.body); err != nil {
			return nil, errors.Wrapf(err, "write %s into build context", f.name)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, errors.Wrap(err, "finalize build context")
	}
	return buf, nil
}

// run executes one build container over the workspace and returns the
// artifact path. The container is force-removed on every exit path.
func (b *containerBackend) run(ctx context.Context, cli *client.Client, ws *Workspace, jobID string, emit joblog.EmitFunc) (string, error) {
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: ws.Src, Target: "/workspace"},
			{Type: mount.TypeBind, Source: ws.Out, Target: "/out"},
		},
		Resources: container.Resources{
			Memory:    b.cfg.ContainerMemMB * 1024 * 1024,
			CPUShares: b.cfg.ContainerCPUShares,
		},
	}
	containerConfig := &container.Config{
		Image: b.cfg.ContainerImage,
		Env:   []string{"BUILD_TARGET=" + b.cfg.Target},
	}

	resp, err := cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return "", errors.Wrap(err, "create build container")
	}
	containerID := resp.ID
	defer b.removeContainer(cli, containerID)

	b.log.Debugw("Build container created",
		"container_id", containerID,
		"job_id", jobID,
		"image", b.cfg.ContainerImage,
	)

	if err := cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", errors.Wrap(err, "start build container")
	}

	logReader, err := cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return "", errors.Wrap(err, "attach to container logs")
	}
	defer logReader.Close()

	// stdcopy demuxes the attached stream; each side is then scanned line
	// by line so records reach subscribers while the build runs.
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(outW, errW, logReader)
		outW.CloseWithError(copyErr)
		errW.CloseWithError(copyErr)
	}()

	tail := newLineTail(failureTailLines)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamContainerLines(outR, emit, nil)
	}()
	go func() {
		defer wg.Done()
		streamContainerLines(errR, emit, tail)
	}()

	waitCh, errCh := cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			return "", errors.Mark(errors.Wrap(ctx.Err(), "build cancelled"), errors.ErrTimeout)
		}
		return "", errors.Wrap(err, "wait for build container")
	case status := <-waitCh:
		wg.Wait()
		if status.StatusCode != 0 {
			return "", errors.Mark(
				errors.Newf("container build exited with code %d: %s", status.StatusCode, tail.Summary()),
				errors.ErrCompilerFailed)
		}
	}

	artifact, err := scanOutDir(ws.Out)
	if err == nil {
		return artifact, nil
	}
	if b.cfg.SharedOutDir != "" {
		if artifact, sharedErr := scanOutDir(b.cfg.SharedOutDir); sharedErr == nil {
			return artifact, nil
		}
	}
	return "", err
}

// removeContainer force-removes with its own context: the consume context
// is often already cancelled by the time cleanup runs.
func (b *containerBackend) removeContainer(cli *client.Client, containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		b.log.Warnw("Failed to remove build container",
			"container_id", containerID,
			"error", err,
		)
	}
}

// streamContainerLines is streamLines with structured-line awareness: the
// builder image may emit JSON records; plain toolchain output falls back to
// keyword classification.
func streamContainerLines(r io.Reader, emit joblog.EmitFunc, tail *lineTail) {
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
		emit(parseContainerLine(line))
	}
}

// parseContainerLine interprets one raw container output line. Builder
// images emit JSON records {kind, message, timestamp}; anything else is
// classified by keyword.
func parseContainerLine(line string) joblog.Record {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "{") {
		var structured struct {
			Kind      string    `json:"kind"`
			Message   string    `json:"message"`
			Timestamp time.Time `json:"timestamp"`
		}
		if err := json.Unmarshal([]byte(trimmed), &structured); err == nil && structured.Message != "" {
			rec := joblog.Record{
				Kind:      joblog.Kind(structured.Kind),
				Message:   structured.Message,
				Timestamp: structured.Timestamp,
			}
			switch rec.Kind {
			case joblog.KindInfo, joblog.KindWarning, joblog.KindError, joblog.KindSuccess, joblog.KindDebug:
			default:
				rec.Kind = joblog.Classify(structured.Message)
			}
			if rec.Timestamp.IsZero() {
				rec.Timestamp = time.Now().UTC()
			}
			return rec
		}
	}
	return joblog.ClassifyLine(line)
}

// scanOutDir returns the newest .wasm file directly inside dir.
func scanOutDir(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "read artifact directory %s", dir), errors.ErrNoArtifact)
	}

	var found []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".wasm") {
			continue
		}
		found = append(found, filepath.Join(dir, e.Name()))
	}
	if len(found) == 0 {
		return "", errors.Mark(errors.Newf("no .wasm artifact in %s", dir), errors.ErrNoArtifact)
	}

	sort.Slice(found, func(i, j int) bool {
		return modTime(found[i]).After(modTime(found[j]))
	})
	return found[0], nil
}
