package lock

import (
	"fmt"
	"strings"
)

// Kind is a multi-granularity lock mode.
type Kind uint8

const (
	NL  Kind = iota // no lock
	IS              // intention shared
	IX              // intention exclusive
	S               // shared
	SIX             // shared + intention exclusive
	X               // exclusive
)

const numKinds = int(X) + 1

// Kinds lists every lock kind, weakest first.
var Kinds = []Kind{NL, IS, IX, S, SIX, X}

var kindNames = [numKinds]string{"NL", "IS", "IX", "S", "SIX", "X"}

// compatibility[a][b] reports whether a and b may be held on the same
// resource by two different transactions.
var compatibility = [numKinds][numKinds]bool{
	//       NL    IS     IX     S      SIX    X
	NL:  {true, true, true, true, true, true},
	IS:  {true, true, true, true, true, false},
	IX:  {true, true, true, false, false, false},
	S:   {true, true, false, true, false, false},
	SIX: {true, true, false, false, false, false},
	X:   {true, false, false, false, false, false},
}

// parentKinds[k] is the weakest lock an ancestor must hold to permit k below it.
var parentKinds = [numKinds]Kind{
	NL:  NL,
	IS:  IS,
	IX:  IX,
	S:   IS,
	SIX: IX,
	X:   IX,
}

// parentage[parent][child] reports whether a parent holding `parent` permits
// a new explicit `child` lock directly below it.
var parentage = [numKinds][numKinds]bool{
	//       NL    IS     IX     S      SIX    X
	NL:  {true, false, false, false, false, false},
	IS:  {true, true, false, true, false, false},
	IX:  {true, true, true, true, true, true},
	S:   {true, false, false, false, false, false},
	SIX: {true, false, true, false, true, true},
	X:   {true, false, false, false, false, false},
}

// substitution[have][need] reports whether holding `have` satisfies a
// requirement for `need`.
var substitution = [numKinds][numKinds]bool{
	//       NL    IS     IX     S      SIX    X
	NL:  {true, false, false, false, false, false},
	IS:  {true, true, false, false, false, false},
	IX:  {true, true, true, false, false, false},
	S:   {true, false, false, true, false, false},
	SIX: {true, true, true, true, true, false},
	X:   {true, true, true, true, true, true},
}

func (k Kind) index() int {
	if int(k) >= numKinds {
		panic(fmt.Sprintf("invalid lock kind %d", uint8(k)))
	}
	return int(k)
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	return int(k) < numKinds
}

func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
	return kindNames[k]
}

// IsIntent is true for IS, IX and SIX.
func (k Kind) IsIntent() bool {
	k.index()
	return k == IS || k == IX || k == SIX
}

// Compatible reports whether held and requested can coexist on one resource
// across different transactions. The relation is symmetric.
func Compatible(held, requested Kind) bool {
	return compatibility[held.index()][requested.index()]
}

// ParentLock returns the weakest kind an ancestor must hold for k to be
// requested on a descendant.
func ParentLock(k Kind) Kind {
	return parentKinds[k.index()]
}

// CanBeParentLock reports whether parent held on an ancestor permits a new
// explicit child lock on its direct descendant.
func CanBeParentLock(parent, child Kind) bool {
	return parentage[parent.index()][child.index()]
}

// Substitutable reports whether holding have grants every privilege need
// does.
func Substitutable(have, need Kind) bool {
	return substitution[have.index()][need.index()]
}

// ParseKind accepts the canonical names, case-insensitively.
func ParseKind(s string) (Kind, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range kindNames {
		if n == name {
			return Kind(i), nil
		}
	}
	return NL, fmt.Errorf("unknown lock kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid lock kind %d", uint8(k))
	}
	return []byte(kindNames[k]), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
