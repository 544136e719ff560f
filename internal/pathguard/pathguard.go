// Package pathguard resolves the project root and fences every filesystem
// write inside it. All file writes in the engine pass through
// AssertProjectWriteSafe; callers that bypass it are a bug.
package pathguard

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"autosnippet/internal/types"
)

// KnowledgeDirName is the git-managed source-of-truth directory.
const KnowledgeDirName = "AutoSnippet"

// RuntimeDirName is the hidden rebuildable cache directory.
const RuntimeDirName = ".autosnippet"

// BoxSpecFileName marks a project root inside the knowledge directory.
const BoxSpecFileName = "boxspec.json"

// ResolveProjectRoot walks upward from cwd looking for the knowledge
// directory marker. ASD_PROJECT_DIR overrides the walk entirely.
func ResolveProjectRoot(cwd string) (string, error) {
	if env := os.Getenv("ASD_PROJECT_DIR"); env != "" {
		abs, err := filepath.Abs(env)
		if err != nil {
			return "", types.Wrap(types.CodeValidation, err, "invalid ASD_PROJECT_DIR %q", env)
		}
		return abs, nil
	}

	dir, err := filepath.Abs(cwd)
	if err != nil {
		return "", types.Wrap(types.CodeValidation, err, "invalid working directory %q", cwd)
	}

	for {
		marker := filepath.Join(dir, KnowledgeDirName, BoxSpecFileName)
		if _, err := os.Stat(marker); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", types.E(types.CodeNotFound, "no %s/%s found above %s", KnowledgeDirName, BoxSpecFileName, cwd)
		}
		dir = parent
	}
}

// KnowledgeDir returns the source-of-truth directory for a project root.
func KnowledgeDir(root string) string {
	return filepath.Join(root, KnowledgeDirName)
}

// RuntimeDir returns the hidden runtime directory for a project root.
// ASD_CACHE_PATH relocates it (still subject to the write guard of its own root).
func RuntimeDir(root string) string {
	if env := os.Getenv("ASD_CACHE_PATH"); env != "" {
		return env
	}
	return filepath.Join(root, RuntimeDirName)
}

// AssertProjectWriteSafe rejects any path whose canonicalized form is not a
// descendant of the project root, including symlinks whose target escapes.
// ASD_SKIP_WRITE_GUARD=1 downgrades the failure to a pass (setup tooling only).
func AssertProjectWriteSafe(root, path string) error {
	if os.Getenv("ASD_SKIP_WRITE_GUARD") == "1" {
		return nil
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return types.Wrap(types.CodePathEscape, err, "cannot resolve project root %q", root)
	}
	if resolved, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = resolved
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return types.Wrap(types.CodePathEscape, err, "cannot resolve path %q", path)
	}

	// Canonicalize through the deepest existing ancestor so a symlinked
	// parent directory cannot smuggle the write outside the root.
	resolved, err := resolveExisting(abs)
	if err != nil {
		return types.Wrap(types.CodePathEscape, err, "cannot canonicalize %q", path)
	}

	rel, err := filepath.Rel(absRoot, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return types.E(types.CodePathEscape, "path %q escapes project root %q", path, root)
	}

	// The final component may itself be a symlink pointing outside.
	if info, err := os.Lstat(abs); err == nil && info.Mode()&os.ModeSymlink != 0 {
		target, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return types.Wrap(types.CodePathEscape, err, "cannot resolve symlink %q", path)
		}
		rel, err := filepath.Rel(absRoot, target)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return types.E(types.CodePathEscape, "symlink %q targets %q outside project root", path, target)
		}
	}

	return nil
}

// resolveExisting canonicalizes the deepest existing ancestor of path and
// rejoins the non-existent suffix. New files have no symlinks to follow yet,
// but their parent directories might.
func resolveExisting(abs string) (string, error) {
	var suffix []string
	dir := abs
	for {
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			for i := len(suffix) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, suffix[i])
			}
			return resolved, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", err
		}
		suffix = append(suffix, filepath.Base(dir))
		dir = parent
	}
}

// NewID returns a fresh UUID string for a new entity.
func NewID() string {
	return uuid.NewString()
}

// StableRecipeID derives a deterministic UUID-shaped id from a recipe's
// source file and title, so repeated syncs of the same file are idempotent.
func StableRecipeID(sourceFile, title string) string {
	sum := sha1.Sum([]byte(sourceFile + "\x00" + title))
	return fmt.Sprintf("%x-%x-%x-%x-%x", sum[0:4], sum[4:6], sum[6:8], sum[8:10], sum[10:16])
}
