package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/kilnworks/kiln/build"
	"github.com/kilnworks/kiln/errors"
	"github.com/kilnworks/kiln/joblog"
	"github.com/kilnworks/kiln/queue"
	"github.com/kilnworks/kiln/store"
)

// CompilePayload is the queue payload for compile jobs. Files and SourceURL
// are alternatives; ingress guarantees one of them is present.
type CompilePayload struct {
	ProjectID string       `json:"project_id"`
	Files     []build.File `json:"files,omitempty"`
	SourceURL string       `json:"source_url,omitempty"`
	JobID     string       `json:"job_id"`
	UserID    string       `json:"user_id"`
}

// CompileHandler adapts the build runner to the queue.
type CompileHandler struct {
	runner *build.Runner
}

func NewCompileHandler(runner *build.Runner) *CompileHandler {
	return &CompileHandler{runner: runner}
}

func (h *CompileHandler) Name() string { return queue.QueueCompile }

func (h *CompileHandler) Run(ctx context.Context, job *store.Job, payload json.RawMessage, emit joblog.EmitFunc) (json.RawMessage, error) {
	var p CompilePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode compile payload"), errors.ErrInvalidRequest)
	}

	res, err := h.runner.Compile(ctx, &build.Request{
		JobID:     job.ID,
		ProjectID: p.ProjectID,
		Files:     p.Files,
		SourceURL: p.SourceURL,
	}, emit)
	if err != nil {
		return nil, err
	}

	result, err := json.Marshal(store.CompileResult{
		WasmBase64:   base64.StdEncoding.EncodeToString(res.WasmBytes),
		WasmFilename: res.WasmFilename,
		BackendUsed:  res.BackendUsed,
		Commit:       res.Commit,
		Exports:      res.Exports,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode compile result")
	}
	return result, nil
}
