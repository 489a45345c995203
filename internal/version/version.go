// Package version reports the cellvm module version linked into the running binary.
package version

import "runtime/debug"

const (
	modulePath = "github.com/tetratelabs/cellvm"
	devVersion = "dev"
)

// GetVersion returns the version of cellvm in the build info of the binary, or "dev" when built from a workspace
// without module versions.
func GetVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return devVersion
	}
	return versionOf(info)
}

func versionOf(info *debug.BuildInfo) string {
	mod := &info.Main
	for _, dep := range info.Deps {
		if dep.Path == modulePath {
			mod = dep
			break
		}
	}
	if mod.Path != modulePath {
		return devVersion
	}
	if mod.Replace != nil && mod.Replace.Version != "" {
		return mod.Replace.Version
	}
	if mod.Version == "" || mod.Version == "(devel)" {
		return devVersion
	}
	return mod.Version
}
