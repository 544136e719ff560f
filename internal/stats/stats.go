// Package stats maintains the file-backed usage and authority record under
// the runtime directory. Every read-modify-write holds the lock file.
package stats

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"autosnippet/internal/logging"
	"autosnippet/internal/pathguard"
	"autosnippet/internal/types"
)

// File names under the runtime directory.
const (
	FileName = "recipe-stats.json"
	LockName = "recipe-stats.lock"
)

const schemaVersion = 1

// Usage sources.
const (
	SourceGuard = "guard"
	SourceHuman = "human"
	SourceAI    = "ai"
)

// Usage heat weights: human adoption counts double.
const (
	weightGuard = 1.0
	weightHuman = 2.0
	weightAI    = 1.0
)

// alphaHeat balances normalized heat against curated authority.
const alphaHeat = 0.5

// MaxAuthority is the upper bound of the hand-assigned authority scale.
const MaxAuthority = 5.0

// Entry is the per-key usage record.
type Entry struct {
	GuardUsageCount int64      `json:"guardUsageCount"`
	HumanUsageCount int64      `json:"humanUsageCount"`
	AIUsageCount    int64      `json:"aiUsageCount"`
	LastUsedAt      *time.Time `json:"lastUsedAt,omitempty"`
	Authority       float64    `json:"authority"` // [0,5]
}

// UsageHeat is the weighted activity measure of one entry.
func (e *Entry) UsageHeat() float64 {
	return weightGuard*float64(e.GuardUsageCount) +
		weightHuman*float64(e.HumanUsageCount) +
		weightAI*float64(e.AIUsageCount)
}

// File is the on-disk schema.
type File struct {
	SchemaVersion int               `json:"schemaVersion"`
	ByTrigger     map[string]*Entry `json:"byTrigger"`
	ByFile        map[string]*Entry `json:"byFile"`
}

func newFile() *File {
	return &File{
		SchemaVersion: schemaVersion,
		ByTrigger:     make(map[string]*Entry),
		ByFile:        make(map[string]*Entry),
	}
}

// Usage identifies what was used and by whom.
type Usage struct {
	Trigger        string `json:"trigger,omitempty"`
	RecipeFilePath string `json:"recipeFilePath,omitempty"`
	Source         string `json:"source"` // guard | human | ai
}

// Service manages one project's stats file.
type Service struct {
	dir string // runtime directory
}

// New builds a stats service for a project root.
func New(root string) *Service {
	return &Service{dir: pathguard.RuntimeDir(root)}
}

func (s *Service) path() string { return filepath.Join(s.dir, FileName) }
func (s *Service) lock() string { return filepath.Join(s.dir, LockName) }

// RecordUsage bumps the counter matching the usage source on both the
// trigger key and the file basename key.
func (s *Service) RecordUsage(u Usage) error {
	switch u.Source {
	case SourceGuard, SourceHuman, SourceAI:
	default:
		return types.E(types.CodeValidation, "unknown usage source %q", u.Source)
	}
	if u.Trigger == "" && u.RecipeFilePath == "" {
		return types.E(types.CodeValidation, "usage needs a trigger or a recipe file path")
	}

	return s.modify(func(f *File) {
		now := time.Now().UTC()
		for _, e := range s.entriesFor(f, u.Trigger, u.RecipeFilePath) {
			switch u.Source {
			case SourceGuard:
				e.GuardUsageCount++
			case SourceHuman:
				e.HumanUsageCount++
			case SourceAI:
				e.AIUsageCount++
			}
			e.LastUsedAt = &now
		}
	})
}

// SetAuthority writes a clamped [0,5] authority onto both keys.
func (s *Service) SetAuthority(trigger, recipeFilePath string, authority float64) error {
	if trigger == "" && recipeFilePath == "" {
		return types.E(types.CodeValidation, "authority needs a trigger or a recipe file path")
	}
	if authority < 0 {
		authority = 0
	}
	if authority > MaxAuthority {
		authority = MaxAuthority
	}
	return s.modify(func(f *File) {
		for _, e := range s.entriesFor(f, trigger, recipeFilePath) {
			e.Authority = authority
		}
	})
}

// entriesFor resolves (creating if needed) the affected entries.
func (s *Service) entriesFor(f *File, trigger, recipeFilePath string) []*Entry {
	var out []*Entry
	if trigger != "" {
		e, ok := f.ByTrigger[trigger]
		if !ok {
			e = &Entry{}
			f.ByTrigger[trigger] = e
		}
		out = append(out, e)
	}
	if recipeFilePath != "" {
		key := filepath.Base(recipeFilePath)
		e, ok := f.ByFile[key]
		if !ok {
			e = &Entry{}
			f.ByFile[key] = e
		}
		out = append(out, e)
	}
	return out
}

// Snapshot returns the current file contents.
func (s *Service) Snapshot() (*File, error) {
	release, err := s.acquireLock()
	if err != nil {
		return nil, err
	}
	defer release()
	return s.load()
}

// AuthorityScore blends normalized usage heat with curated authority.
// maxHeat is the maximum heat across all entries of the same dimension;
// zero maxHeat contributes nothing.
func AuthorityScore(e *Entry, maxHeat float64) float64 {
	var heat float64
	if maxHeat > 0 {
		heat = e.UsageHeat() / maxHeat
	}
	return alphaHeat*heat + (1-alphaHeat)*(e.Authority/MaxAuthority)
}

// Scores computes the authority score per trigger, normalized within the
// trigger dimension.
func (f *File) Scores() map[string]float64 {
	var maxHeat float64
	for _, e := range f.ByTrigger {
		if h := e.UsageHeat(); h > maxHeat {
			maxHeat = h
		}
	}
	out := make(map[string]float64, len(f.ByTrigger))
	for key, e := range f.ByTrigger {
		out[key] = AuthorityScore(e, maxHeat)
	}
	return out
}

// =============================================================================
// FILE I/O UNDER THE LOCK
// =============================================================================

const (
	lockRetries = 10
	lockBackoff = 50 * time.Millisecond
)

// acquireLock takes the exclusive-create lock file, retrying briefly.
func (s *Service) acquireLock() (func(), error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, types.Wrap(types.CodeStorage, err, "create runtime dir")
	}
	for attempt := 0; attempt <= lockRetries; attempt++ {
		fh, err := os.OpenFile(s.lock(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fh.Close()
			lock := s.lock()
			return func() { os.Remove(lock) }, nil
		}
		if !os.IsExist(err) {
			return nil, types.Wrap(types.CodeStorage, err, "create lock file")
		}
		time.Sleep(lockBackoff)
	}
	return nil, types.E(types.CodeLockContention, "stats lock %s held after %d attempts", s.lock(), lockRetries)
}

func (s *Service) load() (*File, error) {
	data, err := os.ReadFile(s.path())
	if os.IsNotExist(err) {
		return newFile(), nil
	}
	if err != nil {
		return nil, types.Wrap(types.CodeStorage, err, "read stats file")
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		// A corrupt stats file is rebuildable state; start over.
		logging.Get(logging.CategoryStats).Warn("stats file corrupt, resetting: %v", err)
		return newFile(), nil
	}
	if f.ByTrigger == nil {
		f.ByTrigger = make(map[string]*Entry)
	}
	if f.ByFile == nil {
		f.ByFile = make(map[string]*Entry)
	}
	f.SchemaVersion = schemaVersion
	return &f, nil
}

// modify runs one read-modify-write cycle under the lock, writing the file
// atomically.
func (s *Service) modify(mutate func(*File)) error {
	release, err := s.acquireLock()
	if err != nil {
		return err
	}
	defer release()

	f, err := s.load()
	if err != nil {
		return err
	}
	mutate(f)

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return types.Wrap(types.CodeStorage, err, "encode stats")
	}
	tmp, err := os.CreateTemp(s.dir, ".stats-*.tmp")
	if err != nil {
		return types.Wrap(types.CodeStorage, err, "create stats temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return types.Wrap(types.CodeStorage, err, "write stats")
	}
	if err := tmp.Close(); err != nil {
		return types.Wrap(types.CodeStorage, err, "close stats temp file")
	}
	if err := os.Rename(tmpName, s.path()); err != nil {
		return types.Wrap(types.CodeStorage, err, "replace stats file")
	}
	logging.StatsDebug("stats updated (%d triggers, %d files)", len(f.ByTrigger), len(f.ByFile))
	return nil
}
