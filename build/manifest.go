package build

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	tomlv2 "github.com/pelletier/go-toml/v2"

	"github.com/kilnworks/kiln/errors"
)

// manifestName is the Rust package manifest file name.
const manifestName = "Cargo.toml"

// cargoManifest is the subset of Cargo.toml kiln cares about: enough to
// tell a package from a workspace and to see whether a [lib] section is
// already declared.
type cargoManifest struct {
	Package   *cargoPackage          `toml:"package"`
	Workspace *cargoWorkspace        `toml:"workspace"`
	Lib       map[string]interface{} `toml:"lib"`
}

type cargoPackage struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

type cargoWorkspace struct {
	Members []string `toml:"members"`
}

func readManifest(path string) (*cargoManifest, error) {
	var m cargoManifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "parse %s", filepath.Base(path)), errors.ErrInvalidRequest)
	}
	return &m, nil
}

// findBuildRoot locates the directory whose manifest actually builds: the
// workspace root itself when it declares a [package], otherwise the first
// contracts/*/ member that does. Multi-contract workspaces build their
// first member; submitting one contract per job keeps this unambiguous.
func findBuildRoot(dir string) (string, *cargoManifest, error) {
	top := filepath.Join(dir, manifestName)
	if _, err := os.Stat(top); err != nil {
		return "", nil, errors.Mark(errors.Newf("project has no %s", manifestName), errors.ErrInvalidRequest)
	}

	m, err := readManifest(top)
	if err != nil {
		return "", nil, err
	}
	if m.Package != nil {
		return dir, m, nil
	}

	if m.Workspace != nil {
		members, _ := filepath.Glob(filepath.Join(dir, "contracts", "*", manifestName))
		for _, path := range members {
			mm, err := readManifest(path)
			if err != nil {
				continue
			}
			if mm.Package != nil {
				return filepath.Dir(path), mm, nil
			}
		}
		return "", nil, errors.Mark(
			errors.New("workspace declares no buildable package under contracts/"),
			errors.ErrInvalidRequest)
	}

	return "", nil, errors.Mark(
		errors.Newf("%s declares neither [package] nor [workspace]", manifestName),
		errors.ErrInvalidRequest)
}

// libStanza is the section injected into manifests that lack one. Contracts
// compile as libraries; cargo only finds src/lib.rs when the manifest says so.
type libStanza struct {
	Path string `toml:"path"`
}

// normalizeLayout rewrites a build root into the shape cargo expects for a
// library crate: src/main.rs becomes src/lib.rs when only the former exists,
// and a [lib] section pointing at src/lib.rs is appended when the manifest
// has none. Both steps are no-ops on a second run.
func normalizeLayout(root string) error {
	mainPath := filepath.Join(root, "src", "main.rs")
	libPath := filepath.Join(root, "src", "lib.rs")

	if exists(mainPath) && !exists(libPath) {
		if err := os.Rename(mainPath, libPath); err != nil {
			return errors.Wrap(err, "rename src/main.rs to src/lib.rs")
		}
	}

	manifestPath := filepath.Join(root, manifestName)
	m, err := readManifest(manifestPath)
	if err != nil {
		return err
	}
	if m.Lib != nil {
		return nil
	}

	stanza, err := tomlv2.Marshal(map[string]libStanza{"lib": {Path: "src/lib.rs"}})
	if err != nil {
		return errors.Wrap(err, "marshal lib section")
	}

	f, err := os.OpenFile(manifestPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open %s", manifestName)
	}
	defer f.Close()

	if _, err := f.Write(append([]byte("\n"), stanza...)); err != nil {
		return errors.Wrapf(err, "append lib section to %s", manifestName)
	}
	return nil
}

// packageName returns the crate name from a build-root manifest, or the
// fallback when it cannot be determined.
func packageName(m *cargoManifest, fallback string) string {
	if m != nil && m.Package != nil && m.Package.Name != "" {
		return m.Package.Name
	}
	return fallback
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
