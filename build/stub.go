package build

import (
	"os"
	"path/filepath"

	"github.com/kilnworks/kiln/errors"
	"github.com/kilnworks/kiln/joblog"
	"github.com/kilnworks/kiln/wasm"
)

// stubCompile is the backend of last resort for hosts with neither a cargo
// toolchain nor a docker daemon. It still validates that the submission
// looks like a contract, then returns a minimal valid module so the rest of
// the pipeline, validation and deploy included, can be exercised end to end.
func stubCompile(srcDir string, emit joblog.EmitFunc) (*Result, error) {
	emit(joblog.New(joblog.KindInfo, "Validating project layout"))

	root, manifest, err := findBuildRoot(srcDir)
	if err != nil {
		return nil, err
	}
	if !hasLibrarySource(root) {
		return nil, errors.Mark(
			errors.New("project has no library source (src/lib.rs or src/main.rs)"),
			errors.ErrInvalidRequest)
	}

	name := packageName(manifest, "contract")

	emit(joblog.New(joblog.KindWarning, "No build toolchain available, producing stub module"))
	emit(joblog.New(joblog.KindInfo, "Compiling "+name+" (stub)"))
	emit(joblog.New(joblog.KindSuccess, "Compilation finished"))

	return &Result{
		WasmBytes:    wasm.StubModule(),
		WasmFilename: artifactFilename(name),
		BackendUsed:  BackendStub,
	}, nil
}

func hasLibrarySource(root string) bool {
	for _, candidate := range []string{"lib.rs", "main.rs"} {
		if _, err := os.Stat(filepath.Join(root, "src", candidate)); err == nil {
			return true
		}
	}
	return false
}
