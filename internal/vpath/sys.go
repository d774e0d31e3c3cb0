package vpath

import (
	"runtime"
	"strings"
)

// ToSys converts a virtual path into the host's native form. On Windows the
// virtual drive prefix /C/ becomes C:\.
func ToSys[P Path](p P) P {
	if runtime.GOOS == "windows" {
		return P(toWindows(string(p)))
	}
	return p
}

// FromSys converts a host path into the virtual path space.
func FromSys[P Path](p P) P {
	if runtime.GOOS == "windows" {
		return P(fromWindows(string(p)))
	}
	return p
}

// UNC paths (\\server\share) are carried as //server/share and back.
func toWindows(s string) string {
	if strings.HasPrefix(s, "//") {
		return strings.ReplaceAll(s, "/", `\`)
	}

	parts := strings.SplitN(strings.TrimPrefix(s, "/"), "/", 2)
	if strings.HasPrefix(s, "/") && len(parts[0]) == 1 && isDriveLetter(parts[0][0]) {
		rest := ""
		if len(parts) == 2 {
			rest = parts[1]
		}
		return strings.ToUpper(parts[0]) + `:\` + strings.ReplaceAll(rest, "/", `\`)
	}
	return strings.ReplaceAll(s, "/", `\`)
}

func fromWindows(s string) string {
	s = strings.ReplaceAll(s, `\`, "/")
	if len(s) >= 2 && s[1] == ':' && isDriveLetter(s[0]) {
		rest := strings.TrimPrefix(s[2:], "/")
		return "/" + strings.ToUpper(s[:1]) + "/" + rest
	}
	return s
}

func isDriveLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
