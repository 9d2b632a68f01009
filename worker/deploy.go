package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/kilnworks/kiln/deploy"
	"github.com/kilnworks/kiln/errors"
	"github.com/kilnworks/kiln/joblog"
	"github.com/kilnworks/kiln/queue"
	"github.com/kilnworks/kiln/store"
)

// DeployPayload is the queue payload for deploy jobs. WalletInfo is carried
// through for auditability but does not drive signing; the worker's
// singleton identity does.
type DeployPayload struct {
	ProjectID  string          `json:"project_id"`
	WasmBase64 string          `json:"wasm_base64"`
	Network    string          `json:"network"`
	JobID      string          `json:"job_id"`
	UserID     string          `json:"user_id"`
	WalletInfo json.RawMessage `json:"wallet_info,omitempty"`
}

// DeployHandler adapts the deploy runner to the queue.
type DeployHandler struct {
	runner *deploy.Runner
}

func NewDeployHandler(runner *deploy.Runner) *DeployHandler {
	return &DeployHandler{runner: runner}
}

func (h *DeployHandler) Name() string { return queue.QueueDeploy }

func (h *DeployHandler) Run(ctx context.Context, job *store.Job, payload json.RawMessage, emit joblog.EmitFunc) (json.RawMessage, error) {
	var p DeployPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode deploy payload"), errors.ErrInvalidRequest)
	}

	// Ingress validated the base64 at submit time; a decode failure here
	// means the payload was corrupted in transit.
	raw, err := base64.StdEncoding.DecodeString(p.WasmBase64)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode wasm_base64"), errors.ErrInvalidWasm)
	}

	res, err := h.runner.Deploy(ctx, &deploy.Request{
		JobID:     job.ID,
		ProjectID: p.ProjectID,
		WasmBytes: raw,
		Network:   p.Network,
	}, emit)
	if err != nil {
		return nil, err
	}

	result, err := json.Marshal(store.DeployResult{
		ContractID:     res.ContractID,
		Network:        res.Network,
		SignerIdentity: res.SignerIdentity,
		SignerAddress:  res.SignerAddress,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode deploy result")
	}
	return result, nil
}
