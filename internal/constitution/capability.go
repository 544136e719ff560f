package constitution

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"autosnippet/internal/logging"
)

// probeTimeout bounds one capability probe subprocess.
const probeTimeout = 5 * time.Second

// probeResult is one cached probe outcome.
type probeResult struct {
	ok     bool
	reason string
	at     time.Time
}

// capEntry serializes probe execution per capability id while probes for
// different capabilities run in parallel.
type capEntry struct {
	mu     sync.Mutex
	result *probeResult
}

// capabilityCache holds probe results keyed by capability id.
type capabilityCache struct {
	mu      sync.Mutex
	entries map[string]*capEntry
}

func newCapabilityCache() *capabilityCache {
	return &capabilityCache{entries: make(map[string]*capEntry)}
}

func (c *capabilityCache) entry(id string) *capEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		e = &capEntry{}
		c.entries[id] = e
	}
	return e
}

// check returns whether the capability holds, probing if the cached result
// is absent or stale.
func (c *capabilityCache) check(ctx context.Context, root, id string, spec Capability) (bool, string) {
	e := c.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	ttl := time.Duration(spec.CacheTTL) * time.Second
	if e.result != nil && ttl > 0 && time.Since(e.result.at) < ttl {
		return e.result.ok, e.result.reason
	}

	ok, reason := runProbe(ctx, root, id, spec)
	e.result = &probeResult{ok: ok, reason: reason, at: time.Now()}
	return ok, reason
}

// invalidate drops a cached result so the next check probes again.
func (c *capabilityCache) invalidate(id string) {
	e := c.entry(id)
	e.mu.Lock()
	e.result = nil
	e.mu.Unlock()
}

// runProbe executes the capability's probe command inside the project root.
// Exit code 0 passes; the configured behaviors soften the two well-known git
// failure shapes.
func runProbe(ctx context.Context, root, id string, spec Capability) (bool, string) {
	if spec.Probe == "" {
		return true, ""
	}

	// Missing repository is decided without launching the probe.
	if spec.OnMissingRepo != "" {
		if _, err := os.Stat(filepath.Join(root, ".git")); os.IsNotExist(err) {
			return behaviorPasses(spec.OnMissingRepo), "no git repository (" + spec.OnMissingRepo + ")"
		}
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	parts := strings.Fields(spec.Probe)
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Dir = root
	out, err := cmd.CombinedOutput()
	if err == nil {
		logging.ConstitutionDebug("capability %s probe passed", id)
		return true, ""
	}
	if ctx.Err() == context.DeadlineExceeded {
		return false, "probe timed out"
	}
	msg := strings.TrimSpace(string(out))
	if spec.OnMissingRemote != "" && strings.Contains(msg, "No configured push destination") {
		return behaviorPasses(spec.OnMissingRemote), "no remote configured (" + spec.OnMissingRemote + ")"
	}
	logging.Constitution("capability %s probe failed: %v", id, err)
	if msg == "" {
		msg = err.Error()
	}
	return false, msg
}

// behaviorPasses maps an allow|deny|review behavior to a pass/fail. Review
// behaves as deny at the capability layer; the gateway surfaces the reason.
func behaviorPasses(behavior string) bool {
	return behavior == OutcomeAllow
}
