package sync

import (
	"os"
	"path/filepath"
	"strings"

	"autosnippet/internal/pathguard"
	"autosnippet/internal/types"
)

// WriteRecipeFile serializes recipes into one markdown file and writes it
// atomically (temp file + rename). The target must live inside the project
// root.
func WriteRecipeFile(root, path string, recipes []*types.Recipe) error {
	if err := pathguard.AssertProjectWriteSafe(root, path); err != nil {
		return err
	}

	var parts []string
	for _, r := range recipes {
		out, err := Serialize(r)
		if err != nil {
			return err
		}
		parts = append(parts, strings.TrimRight(out, "\n")+"\n")
	}
	content := strings.Join(parts, "\n")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.Wrap(types.CodeStorage, err, "create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".recipe-*.md.tmp")
	if err != nil {
		return types.Wrap(types.CodeStorage, err, "create temp file in %s", dir)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return types.Wrap(types.CodeStorage, err, "write %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return types.Wrap(types.CodeStorage, err, "sync %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		return types.Wrap(types.CodeStorage, err, "close %s", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return types.Wrap(types.CodeStorage, err, "rename %s to %s", tmpName, path)
	}
	return nil
}
