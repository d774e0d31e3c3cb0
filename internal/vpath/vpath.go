// Package vpath implements path arithmetic over the slash-delimited virtual
// path space shared by every storage backend.
//
// Functions are generic over text and raw byte paths. The element type is
// preserved, and mixing the two in one call does not type-check.
package vpath

import (
	"strings"
)

const Sep = "/"

// Path is either a text path or a raw byte path.
type Path interface {
	~string | ~[]byte
}

// DirNormalize makes p end with exactly one separator. Empty input becomes the root.
func DirNormalize[P Path](p P) P {
	s := strings.TrimRight(string(p), Sep)
	return P(s + Sep)
}

// DirDenormalize strips every trailing separator from p.
func DirDenormalize[P Path](p P) P {
	return P(strings.TrimRight(string(p), Sep))
}

// IsDirNormalized reports whether p ends with a separator.
func IsDirNormalized[P Path](p P) bool {
	return strings.HasSuffix(string(p), Sep)
}

// Join concatenates fragments with exactly one separator at each junction.
// The trailing separator of the last fragment is preserved.
func Join[P Path](first P, rest ...P) P {
	if len(rest) == 0 {
		return first
	}

	var b strings.Builder
	b.WriteString(strings.TrimRight(string(first), Sep))
	for i, frag := range rest {
		s := strings.TrimLeft(string(frag), Sep)
		if i < len(rest)-1 {
			s = strings.TrimRight(s, Sep)
		}
		b.WriteString(Sep)
		b.WriteString(s)
	}
	return P(b.String())
}

// JoinProperly is Join with "." and ".." resolved. A fragment starting with
// a separator resets the result to the root; ".." never climbs above it.
func JoinProperly[P Path](first P, rest ...P) P {
	frags := make([]string, 0, len(rest)+1)
	frags = append(frags, string(first))
	for _, r := range rest {
		frags = append(frags, string(r))
	}

	absolute := strings.HasPrefix(frags[0], Sep)
	var parts []string
	for _, frag := range frags {
		if strings.HasPrefix(frag, Sep) {
			absolute = true
			parts = parts[:0]
		}
		for _, c := range strings.Split(frag, Sep) {
			switch c {
			case "", ".":
			case "..":
				if len(parts) > 0 {
					parts = parts[:len(parts)-1]
				}
			default:
				parts = append(parts, c)
			}
		}
	}

	out := strings.Join(parts, Sep)
	if absolute {
		out = Sep + out
	}
	last := frags[len(frags)-1]
	if strings.HasSuffix(last, Sep) && !strings.HasSuffix(out, Sep) && out != "" {
		out += Sep
	}
	return P(out)
}

// Contains reports whether container contains path. Equal paths are contained.
func Contains[P Path](container, path P) bool {
	return strings.HasPrefix(string(DirNormalize(path)), string(DirNormalize(container)))
}

// CutPrefix removes prefix from path. Returns an empty path when both name the
// same directory, and path unchanged when prefix does not contain it.
func CutPrefix[P Path](path, prefix P) P {
	np := string(DirNormalize(prefix))
	s := string(path)
	if string(DirNormalize(path)) == np {
		return P(s[:0])
	}
	if strings.HasPrefix(s, np) {
		return P(s[len(np):])
	}
	return path
}

// Split returns the parent directory and the last component of path. A
// trailing separator on path is ignored. Paths without a parent yield the root.
func Split[P Path](path P) (P, P) {
	s := strings.TrimRight(string(path), Sep)
	root := Sep
	idx := strings.LastIndex(s, Sep)
	if idx < 0 {
		return P(root), P(s)
	}
	parent := s[:idx]
	if parent == "" {
		parent = root
	}
	return P(parent), P(s[idx+1:])
}

// Components splits path into its non-empty components.
func Components[P Path](path P) []P {
	var out []P
	for _, c := range strings.Split(string(path), Sep) {
		if c != "" {
			out = append(out, P(c))
		}
	}
	return out
}

// Depth is the number of components in path.
func Depth[P Path](path P) int {
	return len(Components(path))
}

// IsEqual compares paths after full normalisation.
func IsEqual[P Path](a, b P) bool {
	sep := Sep
	root := P(sep)
	return string(DirDenormalize(JoinProperly(root, a))) == string(DirDenormalize(JoinProperly(root, b)))
}
