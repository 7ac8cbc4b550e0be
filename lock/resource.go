package lock

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// segmentSep never appears in a segment; NewResourceName rejects it.
const segmentSep = "\x1f"

// reservedChars may not appear in a segment: the separator and the slash
// used by String and ParseResourceName.
const reservedChars = segmentSep + "/"

// ResourceName identifies a node in the resource hierarchy, for example
// database/T1/page3. The zero value is the empty name and has no parent.
// ResourceName is comparable and can be used directly as a map key.
type ResourceName struct {
	key string
}

// NewResourceName builds a name from ordered path segments.
func NewResourceName(segments ...string) ResourceName {
	for _, s := range segments {
		if s == "" || strings.ContainsAny(s, reservedChars) {
			panic(fmt.Sprintf("invalid resource name segment %q", s))
		}
	}
	return ResourceName{key: strings.Join(segments, segmentSep)}
}

// ParseResourceName parses the slash separated form produced by String.
func ParseResourceName(s string) (ResourceName, error) {
	s = strings.Trim(s, "/")
	if s == "" {
		return ResourceName{}, fmt.Errorf("empty resource name")
	}
	segments := strings.Split(s, "/")
	for _, seg := range segments {
		if seg == "" {
			return ResourceName{}, fmt.Errorf("empty segment in resource name %q", s)
		}
		if strings.Contains(seg, segmentSep) {
			return ResourceName{}, fmt.Errorf("invalid character in resource name %q", s)
		}
	}
	return NewResourceName(segments...), nil
}

// Child returns the name of the direct descendant called segment.
func (n ResourceName) Child(segment string) ResourceName {
	if n.key == "" {
		return NewResourceName(segment)
	}
	c := NewResourceName(segment)
	return ResourceName{key: n.key + segmentSep + c.key}
}

// Parent returns the enclosing name. ok is false for top-level and empty names.
func (n ResourceName) Parent() (parent ResourceName, ok bool) {
	i := strings.LastIndex(n.key, segmentSep)
	if i < 0 {
		return ResourceName{}, false
	}
	return ResourceName{key: n.key[:i]}, true
}

func (n ResourceName) Segments() []string {
	if n.key == "" {
		return nil
	}
	return strings.Split(n.key, segmentSep)
}

// Last returns the final path segment.
func (n ResourceName) Last() string {
	i := strings.LastIndex(n.key, segmentSep)
	return n.key[i+1:]
}

func (n ResourceName) Depth() int {
	if n.key == "" {
		return 0
	}
	return strings.Count(n.key, segmentSep) + 1
}

func (n ResourceName) IsZero() bool {
	return n.key == ""
}

// IsDescendantOf reports whether n lies strictly below ancestor.
func (n ResourceName) IsDescendantOf(ancestor ResourceName) bool {
	if ancestor.key == "" {
		return n.key != ""
	}
	return len(n.key) > len(ancestor.key) &&
		strings.HasPrefix(n.key, ancestor.key) &&
		n.key[len(ancestor.key):len(ancestor.key)+1] == segmentSep
}

// Hash is stable across processes for the same segment sequence.
func (n ResourceName) Hash() uint64 {
	return xxhash.Sum64String(n.key)
}

func (n ResourceName) String() string {
	return strings.ReplaceAll(n.key, segmentSep, "/")
}

func (n ResourceName) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n *ResourceName) UnmarshalText(text []byte) error {
	parsed, err := ParseResourceName(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}
