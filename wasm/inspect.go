package wasm

import (
	"context"
	"sort"

	"github.com/tetratelabs/wazero"

	"github.com/kilnworks/kiln/errors"
)

// Inspect compiles the module with wazero and returns its exported function
// names. Callers treat failures as advisory: the byte checks in Validate are
// the deploy gate, and some toolchains emit sections the runtime does not
// accept yet.
func Inspect(ctx context.Context, raw []byte) ([]string, error) {
	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())
	defer r.Close(ctx)

	compiled, err := r.CompileModule(ctx, raw)
	if err != nil {
		return nil, errors.Wrap(err, "wasm compile")
	}
	defer compiled.Close(ctx)

	exports := make([]string, 0, len(compiled.ExportedFunctions()))
	for name := range compiled.ExportedFunctions() {
		exports = append(exports, name)
	}
	sort.Strings(exports)

	return exports, nil
}
