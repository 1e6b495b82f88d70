package updater

import (
	"strconv"
	"strings"
)

// Version is a parsed release version. Anything that is not vX.Y.Z is
// treated as a development build.
type Version struct {
	Major, Minor, Patch int
	Raw                 string
	dev                 bool
}

// ParseVersion parses tags such as "v1.2.3", "1.2.3" and "v1.2.3-rc1".
// Pre-release suffixes are ignored for ordering.
func ParseVersion(s string) Version {
	v := Version{Raw: s}
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "v")
	if trimmed == "" || strings.HasPrefix(trimmed, "dev") {
		v.dev = true
		return v
	}
	if i := strings.IndexAny(trimmed, "-+"); i >= 0 {
		trimmed = trimmed[:i]
	}
	parts := strings.Split(trimmed, ".")
	if len(parts) != 3 {
		v.dev = true
		return v
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			v.dev = true
			return v
		}
		nums[i] = n
	}
	v.Major, v.Minor, v.Patch = nums[0], nums[1], nums[2]
	return v
}

// IsDev reports whether the version is a development build.
func (v Version) IsDev() bool {
	return v.dev
}

// IsOlderThan reports whether v precedes other. Dev versions are never
// older than anything.
func (v Version) IsOlderThan(other Version) bool {
	if v.dev || other.dev {
		return false
	}
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor < other.Minor
	}
	return v.Patch < other.Patch
}

func (v Version) String() string {
	if v.dev {
		return v.Raw
	}
	return "v" + strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor) + "." + strconv.Itoa(v.Patch)
}
