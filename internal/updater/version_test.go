package updater

import "testing"

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in                  string
		major, minor, patch int
		dev                 bool
	}{
		{"v1.2.3", 1, 2, 3, false},
		{"1.2.3", 1, 2, 3, false},
		{"v1.2.3-rc1", 1, 2, 3, false},
		{"v10.0.7+build5", 10, 0, 7, false},
		{"dev", 0, 0, 0, true},
		{"dev-abc1234-dirty", 0, 0, 0, true},
		{"", 0, 0, 0, true},
		{"v1.2", 0, 0, 0, true},
		{"v1.x.3", 0, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			v := ParseVersion(tt.in)
			if v.IsDev() != tt.dev {
				t.Fatalf("IsDev = %v, want %v", v.IsDev(), tt.dev)
			}
			if tt.dev {
				return
			}
			if v.Major != tt.major || v.Minor != tt.minor || v.Patch != tt.patch {
				t.Errorf("got %d.%d.%d, want %d.%d.%d", v.Major, v.Minor, v.Patch, tt.major, tt.minor, tt.patch)
			}
		})
	}
}

func TestVersionIsOlderThan(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"v1.0.0", "v1.0.1", true},
		{"v1.0.9", "v1.1.0", true},
		{"v1.9.9", "v2.0.0", true},
		{"v1.1.0", "v1.0.9", false},
		{"v1.0.0", "v1.0.0", false},
		{"dev", "v1.0.0", false},
		{"v1.0.0", "dev", false},
	}
	for _, tt := range tests {
		t.Run(tt.a+"<"+tt.b, func(t *testing.T) {
			if got := ParseVersion(tt.a).IsOlderThan(ParseVersion(tt.b)); got != tt.want {
				t.Errorf("IsOlderThan = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVersionString(t *testing.T) {
	if got := ParseVersion("1.2.3").String(); got != "v1.2.3" {
		t.Errorf("String = %q, want v1.2.3", got)
	}
	if got := ParseVersion("dev-abc").String(); got != "dev-abc" {
		t.Errorf("String = %q, want dev-abc", got)
	}
}
