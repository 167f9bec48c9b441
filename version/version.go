// Package version extracts build and dependency information embedded in the
// binary by the Go toolchain.
package version

import (
	"runtime/debug"
	"sort"
)

// DependencyInfo is one module dependency of the running binary.
type DependencyInfo struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Replace string `json:"replace,omitempty"`
}

// BuildInfo describes the running binary.
type BuildInfo struct {
	GoVersion    string           `json:"goVersion"`
	MainModule   string           `json:"mainModule"`
	MainVersion  string           `json:"mainVersion"`
	Dependencies []DependencyInfo `json:"dependencies"`
}

// GetBuildInfo reads the build information embedded at build time. Fields are
// "unknown" when the binary was built without module support.
func GetBuildInfo() *BuildInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return &BuildInfo{
			GoVersion:    "unknown",
			MainModule:   "unknown",
			MainVersion:  "unknown",
			Dependencies: []DependencyInfo{},
		}
	}

	build := &BuildInfo{
		GoVersion:    info.GoVersion,
		MainModule:   info.Path,
		MainVersion:  mainVersion(info),
		Dependencies: make([]DependencyInfo, 0, len(info.Deps)),
	}
	for _, dep := range info.Deps {
		build.Dependencies = append(build.Dependencies, dependencyInfo(dep))
	}
	sort.Slice(build.Dependencies, func(i, j int) bool {
		return build.Dependencies[i].Path < build.Dependencies[j].Path
	})
	return build
}

// GetDependency returns version information for one module path, or nil when
// the binary does not depend on it.
func GetDependency(modulePath string) *DependencyInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	for _, dep := range info.Deps {
		if dep.Path == modulePath {
			d := dependencyInfo(dep)
			return &d
		}
	}
	return nil
}

func mainVersion(info *debug.BuildInfo) string {
	if info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "dev"
	}
	return info.Main.Version
}

func dependencyInfo(dep *debug.Module) DependencyInfo {
	d := DependencyInfo{Path: dep.Path, Version: dep.Version}
	if dep.Replace != nil {
		d.Replace = dep.Replace.Path + "@" + dep.Replace.Version
	}
	return d
}
