package deploy

import (
	"regexp"
	"strings"

	"github.com/kilnworks/kiln/errors"
)

// Contract addresses are strkey-encoded: base32 uppercase, C prefix, 56
// characters total. The heuristics below are looser on length because CLI
// releases have wrapped the address in varying amounts of decoration.
const contractIDMinLen = 50

var (
	contractIDPattern = regexp.MustCompile(`id:\s*(C[A-Z0-9]+)`)
	contractIDJSON    = regexp.MustCompile(`"id"\s*:\s*"(C[A-Z0-9]+)"`)
	wasmHashPattern   = regexp.MustCompile(`\b[0-9a-f]{64}\b`)
	wasmHashExact     = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// ExtractContractID pulls the deployed contract address out of CLI output.
// Different CLI versions print it differently; four shapes are tried in
// order and the first match wins:
//
//  1. a whole line that is the bare address (starts with C, longer than 50)
//  2. a "Contract ID:" line followed by the address token
//  3. an `id: C...` key-value fragment
//  4. a JSON `"id": "C..."` field
func ExtractContractID(output string) (string, error) {
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "C") && len(trimmed) > contractIDMinLen && isStrkeyToken(trimmed) {
			return trimmed, nil
		}
	}

	if idx := strings.Index(output, "Contract ID:"); idx >= 0 {
		rest := output[idx+len("Contract ID:"):]
		for _, field := range strings.Fields(rest) {
			if strings.HasPrefix(field, "C") && len(field) > contractIDMinLen && isStrkeyToken(field) {
				return field, nil
			}
		}
	}

	if m := contractIDPattern.FindStringSubmatch(output); m != nil {
		return m[1], nil
	}

	if m := contractIDJSON.FindStringSubmatch(output); m != nil {
		return m[1], nil
	}

	return "", errors.Mark(
		errors.New("deploy output contains no contract id"),
		errors.ErrContractIDNotFound)
}

// isStrkeyToken reports whether s is plausibly a bare contract address:
// uppercase base32 alphabet only.
func isStrkeyToken(s string) bool {
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// ParseWasmHash extracts an installed-module hash from CLI output. The hash
// is exactly 64 lowercase hex characters.
func ParseWasmHash(output string) (string, error) {
	if m := wasmHashPattern.FindString(output); m != "" {
		return m, nil
	}
	return "", errors.New("upload output contains no wasm hash")
}
