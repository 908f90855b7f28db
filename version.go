package toxav

import "fmt"

const (
	versionMajor uint32 = 0
	versionMinor uint32 = 2
	versionPatch uint32 = 0
)

// VersionMajor returns the major version number of the library.
func VersionMajor() uint32 { return versionMajor }

// VersionMinor returns the minor version number of the library.
func VersionMinor() uint32 { return versionMinor }

// VersionPatch returns the patch number of the library.
func VersionPatch() uint32 { return versionPatch }

// Version returns the library version as "major.minor.patch".
func Version() string {
	return fmt.Sprintf("%d.%d.%d", versionMajor, versionMinor, versionPatch)
}

// VersionIsCompatible reports whether this library can be used by code
// built against the given version.
//
// Majors must match. Before 1.0 the minor must also match, since a 0.x
// minor release may break the API. Otherwise the library must be at least
// as new as the requested minor and patch.
func VersionIsCompatible(major, minor, patch uint32) bool {
	if major != versionMajor {
		return false
	}
	if versionMajor == 0 && minor != versionMinor {
		return false
	}
	return versionMinor > minor || (versionMinor == minor && versionPatch >= patch)
}
