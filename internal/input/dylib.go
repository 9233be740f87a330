package input

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DylibInfo describes one loaded dylib's identity and its own dependency
// list, enough to drive FindDylib's fixed-point closure and
// ClientRestriction's allowable-clients check.
type DylibInfo struct {
	InstallPath       string
	CompatVersion     uint32
	CurrentVersion    uint32
	ParentUmbrella    string
	AllowableClients  []string
	ReExports         []string
	Dependents        []string // install paths of dylibs it itself LC_LOAD_DYLIBs
}

// FindDylib resolves installPath to an on-disk file, expanding
// @loader_path and @executable_path relative to loaderDir and
// executableDir, then falling back to an SDK root overlay.
func (o *Orchestrator) FindDylib(installPath, loaderDir, executableDir string) (string, error) {
	resolved := installPath
	switch {
	case strings.HasPrefix(installPath, "@loader_path/"):
		resolved = filepath.Join(loaderDir, strings.TrimPrefix(installPath, "@loader_path/"))
	case strings.HasPrefix(installPath, "@executable_path/"):
		resolved = filepath.Join(executableDir, strings.TrimPrefix(installPath, "@executable_path/"))
	case strings.HasPrefix(installPath, "@rpath/"):
		return "", fmt.Errorf("@rpath dylib %s requires the caller's -rpath search list", installPath)
	}

	if _, err := os.Stat(resolved); err == nil {
		return resolved, nil
	}
	if o.sdkRoot != "" {
		overlay := filepath.Join(o.sdkRoot, resolved)
		if _, err := os.Stat(overlay); err == nil {
			return overlay, nil
		}
	}
	return "", fmt.Errorf("cannot locate dylib %s", installPath)
}

// FindDylibInRpaths resolves an @rpath/-relative install path against an
// ordered list of -rpath search directories, first match wins.
func (o *Orchestrator) FindDylibInRpaths(installPath string, rpaths []string) (string, error) {
	if !strings.HasPrefix(installPath, "@rpath/") {
		return "", fmt.Errorf("%s is not @rpath-relative", installPath)
	}
	suffix := strings.TrimPrefix(installPath, "@rpath/")
	for _, rp := range rpaths {
		candidate := filepath.Join(rp, suffix)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("cannot locate %s in any -rpath", installPath)
}

// LoadDylibGraph walks roots and every transitively reachable dependent,
// calling resolve to map an install path to a DylibInfo, until a fixed
// point (every dependency already in the cache) is reached.
func (o *Orchestrator) LoadDylibGraph(roots []string, resolve func(installPath string) (*DylibInfo, error)) error {
	queue := append([]string(nil), roots...)
	for len(queue) > 0 {
		path := queue[0]
		queue = queue[1:]
		if _, ok := o.dylibCache[path]; ok {
			continue
		}
		info, err := resolve(path)
		if err != nil {
			return fmt.Errorf("failed to load dylib %s: %v", path, err)
		}
		o.dylibCache[path] = info
		queue = append(queue, info.Dependents...)
	}
	return nil
}

func (o *Orchestrator) Dylib(installPath string) (*DylibInfo, bool) {
	d, ok := o.dylibCache[installPath]
	return d, ok
}

// ClientRestriction reports whether clientName may link against dylib by
// its allowable-clients list: a dylib with no list permits everyone;
// otherwise clientName must appear in AllowableClients. ParentUmbrella is
// not consulted: neither the umbrella itself nor a sibling under the same
// umbrella is admitted unless it is listed.
func ClientRestriction(dylib *DylibInfo, clientName string) bool {
	if len(dylib.AllowableClients) == 0 {
		return true
	}
	for _, allowed := range dylib.AllowableClients {
		if allowed == clientName {
			return true
		}
	}
	return false
}

// SearchLibraries walks dylibs in link order looking for name's defined
// export, returning the first DylibInfo that exports it according to
// hasExport.
func (o *Orchestrator) SearchLibraries(order []string, name string, hasExport func(*DylibInfo, string) bool) (*DylibInfo, bool) {
	for _, path := range order {
		d, ok := o.dylibCache[path]
		if !ok {
			continue
		}
		if hasExport(d, name) {
			return d, true
		}
	}
	return nil, false
}

// SearchWeakDefInDylib additionally checks re-exported sub-dylibs when
// the direct dylib does not itself define name, matching the recursive
// weak-def lookup original ld64 performs for auto-linked frameworks.
func (o *Orchestrator) SearchWeakDefInDylib(dylib *DylibInfo, name string, hasExport func(*DylibInfo, string) bool) bool {
	if hasExport(dylib, name) {
		return true
	}
	for _, reexport := range dylib.ReExports {
		if d, ok := o.dylibCache[reexport]; ok && o.SearchWeakDefInDylib(d, name, hasExport) {
			return true
		}
	}
	return false
}
