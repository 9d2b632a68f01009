// Package deploy publishes compiled WASM modules to a Stellar network
// through the stellar CLI (soroban on older hosts). A deploy validates the
// module bytes, ensures the singleton signing identity exists and is
// funded, materializes the module to a per-job scratch file, and runs the
// CLI with its output streamed into the job log. The contract address is
// recovered from that output.
package deploy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kilnworks/kiln/config"
	"github.com/kilnworks/kiln/errors"
	"github.com/kilnworks/kiln/internal/httpclient"
	"github.com/kilnworks/kiln/joblog"
	"github.com/kilnworks/kiln/logger"
	"github.com/kilnworks/kiln/wasm"
)

const friendbotTimeout = 30 * time.Second

// Request describes one deploy job.
type Request struct {
	JobID     string
	ProjectID string
	WasmBytes []byte
	Network   string
}

func (r *Request) validate() error {
	if r.JobID == "" {
		return errors.Mark(errors.New("deploy request has no job id"), errors.ErrInvalidRequest)
	}
	if r.ProjectID == "" {
		return errors.Mark(errors.New("deploy request has no project id"), errors.ErrInvalidRequest)
	}
	if r.Network == "" {
		return errors.Mark(errors.New("deploy request has no network"), errors.ErrInvalidRequest)
	}
	return nil
}

// Result is a finished deploy.
type Result struct {
	ContractID     string
	Network        string
	SignerIdentity string
	SignerAddress  string
}

// Runner drives deploys against the configured CLI. Safe for concurrent
// use; the signing identity is shared but addressed by name on every
// invocation, and the CLI serializes its own keystore access.
type Runner struct {
	cfg      config.DeployConfig
	networks *config.Networks
	log      *zap.SugaredLogger
	fundhttp *httpclient.SaferClient
}

func NewRunner(cfg config.DeployConfig, networks *config.Networks, log *zap.SugaredLogger) *Runner {
	if log == nil {
		log = logger.Logger
	}
	// Operator-configured friendbots may live on private networks.
	blockPrivate := false
	return &Runner{
		cfg:      cfg,
		networks: networks,
		log:      log,
		fundhttp: httpclient.NewWithOptions(friendbotTimeout, httpclient.Options{BlockPrivateIP: &blockPrivate}),
	}
}

// Deploy runs the full sequence for one job: probe, validate, identity,
// funding, materialize, CLI invocation, contract-id extraction. emit
// receives every log record as it is produced; pass nil to discard.
func (r *Runner) Deploy(ctx context.Context, req *Request, emit joblog.EmitFunc) (*Result, error) {
	if emit == nil {
		emit = func(joblog.Record) {}
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	tc, err := r.probe()
	if err != nil {
		return nil, err
	}

	info, err := wasm.Validate(req.WasmBytes)
	if err != nil {
		return nil, err
	}
	emit(joblog.New(joblog.KindInfo,
		fmt.Sprintf("Validated module: magic ok, version %d, %d bytes", info.Version, info.Size)))

	// Deep verification catches structural corruption the header checks
	// miss. The CLI re-validates anyway, so a failure here only warns.
	if _, err := wasm.Inspect(ctx, req.WasmBytes); err != nil {
		emit(joblog.New(joblog.KindWarning, "Module verification failed: "+errMessage(err)))
	}

	if r.cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(r.cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	identity := r.identityName()
	address, err := r.ensureIdentity(ctx, tc, req.Network, emit)
	if err != nil {
		return nil, err
	}

	dir, wasmPath, err := r.materialize(req.JobID, req.WasmBytes)
	if err != nil {
		return nil, err
	}
	defer r.cleanup(dir)

	emit(joblog.New(joblog.KindInfo, fmt.Sprintf("Deploying %s to %s", req.ProjectID, req.Network)))

	args := []string{"contract", "deploy", "--wasm", wasmPath, "--source", identity, "--alias", req.ProjectID}
	args = append(args, r.networkArgs(req.Network)...)

	out, err := tc.runStreamed(ctx, args, emit)
	if err != nil {
		return nil, err
	}

	contractID, err := ExtractContractID(out)
	if err != nil {
		return nil, err
	}

	emit(joblog.New(joblog.KindSuccess, "Deployed contract "+contractID))
	r.log.Infow("Deploy finished",
		logger.FieldJobID, req.JobID,
		logger.FieldNetwork, req.Network,
		"contract_id", contractID,
		"signer", identity,
	)

	return &Result{
		ContractID:     contractID,
		Network:        req.Network,
		SignerIdentity: identity,
		SignerAddress:  address,
	}, nil
}

// UploadWasm installs module bytes on the network without instantiating a
// contract and returns the wasm hash for a later DeployByHash.
func (r *Runner) UploadWasm(ctx context.Context, raw []byte, network string, emit joblog.EmitFunc) (string, error) {
	if emit == nil {
		emit = func(joblog.Record) {}
	}

	tc, err := r.probe()
	if err != nil {
		return "", err
	}
	if _, err := wasm.Validate(raw); err != nil {
		return "", err
	}

	if r.cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(r.cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	if _, err := r.ensureIdentity(ctx, tc, network, emit); err != nil {
		return "", err
	}

	dir, wasmPath, err := r.materialize(uuid.NewString(), raw)
	if err != nil {
		return "", err
	}
	defer r.cleanup(dir)

	args := []string{"contract", uploadSubcommand(tc.Name), "--wasm", wasmPath, "--source", r.identityName()}
	args = append(args, r.networkArgs(network)...)

	out, err := tc.runStreamed(ctx, args, emit)
	if err != nil {
		return "", err
	}

	hash, err := ParseWasmHash(out)
	if err != nil {
		return "", err
	}
	emit(joblog.New(joblog.KindSuccess, "Uploaded module "+hash))
	return hash, nil
}

// DeployByHash instantiates a contract from an already-uploaded module.
// The hash must be exactly 64 lowercase hex characters.
func (r *Runner) DeployByHash(ctx context.Context, hash, alias, network string, emit joblog.EmitFunc) (string, error) {
	if emit == nil {
		emit = func(joblog.Record) {}
	}
	if !wasmHashExact.MatchString(hash) {
		return "", errors.Mark(
			errors.Newf("wasm hash must be 64 lowercase hex characters, got %q", hash),
			errors.ErrInvalidRequest)
	}

	tc, err := r.probe()
	if err != nil {
		return "", err
	}

	if r.cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(r.cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	if _, err := r.ensureIdentity(ctx, tc, network, emit); err != nil {
		return "", err
	}

	args := []string{"contract", "deploy", "--wasm-hash", hash, "--source", r.identityName()}
	if alias != "" {
		args = append(args, "--alias", alias)
	}
	args = append(args, r.networkArgs(network)...)

	out, err := tc.runStreamed(ctx, args, emit)
	if err != nil {
		return "", err
	}
	return ExtractContractID(out)
}

// ensureIdentity creates the signing identity when it does not exist and
// requests funding on networks that have a friendbot. Creation is
// idempotent: the CLI's "already exists" complaint is success. Returns the
// identity's public address when resolvable.
func (r *Runner) ensureIdentity(ctx context.Context, tc *toolchain, network string, emit joblog.EmitFunc) (string, error) {
	identity := r.identityName()

	args := []string{"keys", "generate", identity}
	args = append(args, r.networkArgs(network)...)
	if r.fundable(network) {
		args = append(args, "--fund")
	}

	if out, err := tc.run(ctx, args...); err != nil {
		if !strings.Contains(strings.ToLower(out), "already exists") {
			return "", errors.Wrapf(err, "create signing identity %s", identity)
		}
		r.log.Debugw("Signing identity already exists", "identity", identity)
	} else {
		emit(joblog.New(joblog.KindInfo, "Created signing identity "+identity))
	}

	address := r.signerAddress(ctx, tc, identity)

	if r.fundable(network) {
		r.fund(ctx, tc, identity, address, network, emit)
	}

	return address, nil
}

// fund requests test-network funds for the identity. The CLI attempt runs
// first; when it fails and the network profile names a friendbot, a direct
// HTTP request is tried. Both failures are warnings: the account may
// already hold a balance.
func (r *Runner) fund(ctx context.Context, tc *toolchain, identity, address, network string, emit joblog.EmitFunc) {
	args := []string{"keys", "fund", identity}
	args = append(args, r.networkArgs(network)...)
	if _, err := tc.run(ctx, args...); err == nil {
		emit(joblog.New(joblog.KindInfo, fmt.Sprintf("Funded %s on %s", identity, network)))
		return
	}

	emit(joblog.New(joblog.KindWarning, "Account funding failed (account may already be funded)"))

	profile, ok := r.lookupProfile(network)
	if !ok || profile.FriendbotURL == "" || address == "" {
		return
	}
	if err := r.fundViaFriendbot(ctx, profile.FriendbotURL, address); err != nil {
		r.log.Warnw("Friendbot funding failed",
			"identity", identity,
			logger.FieldNetwork, network,
			logger.FieldError, err,
		)
		return
	}
	emit(joblog.New(joblog.KindInfo, "Funded "+identity+" via friendbot"))
}

// fundViaFriendbot asks the network's friendbot to fund address directly,
// covering CLI releases whose fund subcommand is broken or absent.
func (r *Runner) fundViaFriendbot(ctx context.Context, friendbot, address string) error {
	sep := "?"
	if strings.Contains(friendbot, "?") {
		sep = "&"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, friendbot+sep+"addr="+url.QueryEscape(address), nil)
	if err != nil {
		return errors.Wrap(err, "build friendbot request")
	}
	resp, err := r.fundhttp.Do(req)
	if err != nil {
		return errors.Wrap(err, "friendbot request")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	if resp.StatusCode >= http.StatusBadRequest {
		return errors.Newf("friendbot returned %s", resp.Status)
	}
	return nil
}

// signerAddress resolves the identity's public address. Best effort; the
// deploy itself addresses the identity by name.
func (r *Runner) signerAddress(ctx context.Context, tc *toolchain, identity string) string {
	out, err := tc.run(ctx, "keys", "address", identity)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// materialize writes the module to a per-job scratch file and verifies the
// on-disk size matches the input, catching a full disk before the CLI
// would deploy a truncated module.
func (r *Runner) materialize(jobID string, raw []byte) (string, string, error) {
	dir := filepath.Join(os.TempDir(), "kiln-deploy-"+jobID)
	if err := os.RemoveAll(dir); err != nil {
		return "", "", errors.Wrap(err, "clear stale deploy directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", errors.Wrap(err, "create deploy directory")
	}

	path := filepath.Join(dir, "contract.wasm")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", "", errors.Wrap(err, "write module")
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", "", errors.Wrap(err, "stat module")
	}
	if info.Size() != int64(len(raw)) {
		return "", "", errors.Newf("module truncated on disk: wrote %d bytes, found %d", len(raw), info.Size())
	}
	return dir, path, nil
}

func (r *Runner) cleanup(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		r.log.Warnw("Failed to remove deploy directory",
			"dir", dir,
			"error", err,
		)
	}
}

// networkArgs selects how the CLI addresses the target network: explicit
// rpc-url and passphrase when a profile is configured, otherwise the CLI's
// own named-network resolution.
func (r *Runner) networkArgs(network string) []string {
	if p, ok := r.lookupProfile(network); ok && p.RPCURL != "" && p.Passphrase != "" {
		return []string{"--rpc-url", p.RPCURL, "--network-passphrase", p.Passphrase}
	}
	return []string{"--network", network}
}

// fundable reports whether accounts on network can be given free funds:
// true when the profile names a friendbot, or for the well-known testnet
// when no profile is loaded.
func (r *Runner) fundable(network string) bool {
	if p, ok := r.lookupProfile(network); ok {
		return p.FriendbotURL != ""
	}
	return network == "testnet"
}

func (r *Runner) lookupProfile(network string) (config.NetworkProfile, bool) {
	if r.networks == nil {
		return config.NetworkProfile{}, false
	}
	return r.networks.Get(network)
}

func (r *Runner) identityName() string {
	if r.cfg.Identity != "" {
		return r.cfg.Identity
	}
	return "kiln-deployer"
}

// uploadSubcommand maps the tool to its install verb: the stellar CLI
// renamed `install` to `upload`, soroban only knows the old name.
func uploadSubcommand(tool string) string {
	if tool == "soroban" {
		return "install"
	}
	return "upload"
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
