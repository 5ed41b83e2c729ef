// Package hebc loads the hardware-efficient-buffer-compression whitelist:
// a per-app-name list of HEBC capability strings consulted when deciding
// whether a buffer's allocator usage bits may request HEBC metadata
// (spec §3.5, §4.1). The whitelist is a small JSON document; any error
// loading it degrades to an empty whitelist rather than failing the
// caller, since HEBC is a performance opt-in, never a correctness
// requirement.
package hebc

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/oniro-graphics/bufferqueue/internal/constants"
)

// Whitelist maps an application name to its allowed HEBC capability
// strings.
type Whitelist struct {
	entries map[string][]string
}

// document is the on-disk JSON shape: {"HEBC": {"AppName": ["cap1", ...]}}.
type document struct {
	HEBC map[string][]string `json:"HEBC"`
}

// Empty returns a Whitelist with no entries.
func Empty() *Whitelist {
	return &Whitelist{entries: map[string][]string{}}
}

// New builds a Whitelist directly from an app-name-to-capabilities map,
// bypassing the on-disk document format. Useful for tests and for
// embedders that already have the whitelist in memory.
func New(entries map[string][]string) *Whitelist {
	if entries == nil {
		entries = map[string][]string{}
	}
	return &Whitelist{entries: entries}
}

// Load reads and parses path, enforcing the size/entry/string-length
// bounds constants.MaxHebcFileSize/MaxHebcEntries/MaxHebcEntryChars. Any
// failure -- missing file, malformed JSON, or an over-limit document --
// yields Empty() rather than an error, since a missing whitelist is the
// expected state on most devices.
func Load(path string) *Whitelist {
	data, err := os.ReadFile(path)
	if err != nil {
		return Empty()
	}
	if len(data) > constants.MaxHebcFileSize {
		return Empty()
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Empty()
	}

	total := 0
	for app, caps := range doc.HEBC {
		if len(app) > constants.MaxHebcEntryChars {
			return Empty()
		}
		for _, c := range caps {
			if len(c) > constants.MaxHebcEntryChars {
				return Empty()
			}
			total++
			if total > constants.MaxHebcEntries {
				return Empty()
			}
		}
	}

	return &Whitelist{entries: doc.HEBC}
}

// Allows reports whether appName is whitelisted for the given HEBC
// capability string.
func (w *Whitelist) Allows(appName, capability string) bool {
	if w == nil {
		return false
	}
	for _, c := range w.entries[appName] {
		if c == capability {
			return true
		}
	}
	return false
}

// Apps returns the whitelisted application names, for diagnostics.
func (w *Whitelist) Apps() []string {
	if w == nil {
		return nil
	}
	apps := make([]string, 0, len(w.entries))
	for app := range w.entries {
		apps = append(apps, app)
	}
	return apps
}

var (
	singletonMu   sync.Mutex
	singleton     *Whitelist
	singletonPath string
)

// DefaultPath is where the HEBC whitelist document lives by convention.
const DefaultPath = "/system/etc/graphic/hebc_whitelist.json"

// Default returns the process-wide Whitelist, lazily loading it from
// DefaultPath on first use.
func Default() *Whitelist {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singleton == nil {
		singleton = Load(DefaultPath)
		singletonPath = DefaultPath
	}
	return singleton
}

// SetDefaultPath reloads the process-wide Whitelist from a different
// path, for tests and non-standard deployments.
func SetDefaultPath(path string) {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	singleton = Load(path)
	singletonPath = path
}

// DefaultPathInUse reports which path the current singleton was loaded
// from, for diagnostics.
func DefaultPathInUse() string {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	return fmt.Sprintf("%s", singletonPath)
}
