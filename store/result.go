package store

// CompileResult is the persisted result payload of a completed compile job.
// WasmBase64 carries the raw artifact so a later deploy request does not need
// worker-local state.
type CompileResult struct {
	WasmBase64   string   `json:"wasm_base64"`
	WasmFilename string   `json:"wasm_filename"`
	BackendUsed  string   `json:"backend_used"`
	Commit       string   `json:"commit,omitempty"`
	Exports      []string `json:"exports,omitempty"`
}

// DeployResult is the persisted result payload of a completed deploy job.
type DeployResult struct {
	ContractID     string `json:"contract_id"`
	Network        string `json:"network"`
	SignerIdentity string `json:"signer_identity"`
	SignerAddress  string `json:"signer_address,omitempty"`
}
