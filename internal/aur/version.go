package aur

import (
	"fmt"
	"strings"
)

// Constraint operators in the order they must be matched, longest first.
var constraintOps = []string{">=", "<=", "=", "<", ">"}

// Constraint is a version requirement attached to a package argument, as in
// "yay>=12" or "pacman<7.0".
type Constraint struct {
	Op      string
	Version string
}

func (c Constraint) String() string {
	return c.Op + c.Version
}

// Satisfied reports whether version meets the constraint.
func (c Constraint) Satisfied(version string) bool {
	cmp := VerCmp(version, c.Version)
	switch c.Op {
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case "=":
		return cmp == 0
	case ">=":
		return cmp >= 0
	case ">":
		return cmp > 0
	}
	return false
}

// ParseDependency splits a package argument into its bare name and the
// version constraint it carries, if any. An operator without a version is
// an error.
func ParseDependency(arg string) (string, *Constraint, error) {
	i := strings.IndexAny(arg, "<>=")
	if i < 0 {
		return arg, nil, nil
	}
	name, rest := arg[:i], arg[i:]
	for _, op := range constraintOps {
		if !strings.HasPrefix(rest, op) {
			continue
		}
		version := rest[len(op):]
		if name == "" || version == "" || strings.ContainsAny(version, "<>=") {
			break
		}
		return name, &Constraint{Op: op, Version: version}, nil
	}
	return "", nil, fmt.Errorf("invalid version requirement %q", arg)
}

// SatisfiesAll reports whether version meets every constraint.
func SatisfiesAll(version string, constraints []Constraint) bool {
	for _, c := range constraints {
		if !c.Satisfied(version) {
			return false
		}
	}
	return true
}

// VerCmp compares two pacman versions of the form [epoch:]version[-release]
// and returns -1, 0 or 1. Releases are compared only when both sides have
// one.
func VerCmp(a, b string) int {
	if a == b {
		return 0
	}
	epochA, verA, relA := splitEVR(a)
	epochB, verB, relB := splitEVR(b)

	if cmp := rpmvercmp(epochA, epochB); cmp != 0 {
		return cmp
	}
	if cmp := rpmvercmp(verA, verB); cmp != 0 {
		return cmp
	}
	if relA != "" && relB != "" {
		return rpmvercmp(relA, relB)
	}
	return 0
}

func splitEVR(evr string) (epoch, version, release string) {
	i := 0
	for i < len(evr) && isDigit(evr[i]) {
		i++
	}
	epoch, version = "0", evr
	if i < len(evr) && evr[i] == ':' {
		if i > 0 {
			epoch = evr[:i]
		}
		version = evr[i+1:]
	}
	if j := strings.LastIndexByte(version, '-'); j >= 0 {
		version, release = version[:j], version[j+1:]
	}
	return epoch, version, release
}

// rpmvercmp compares alternating numeric and alphabetic segments. Numeric
// segments beat alphabetic ones, and a trailing alphabetic segment makes a
// version older ("1.0alpha" < "1.0").
func rpmvercmp(a, b string) int {
	if a == b {
		return 0
	}

	one, two := 0, 0
	for one < len(a) && two < len(b) {
		sepA, sepB := one, two
		for one < len(a) && !isAlnum(a[one]) {
			one++
		}
		for two < len(b) && !isAlnum(b[two]) {
			two++
		}
		if one >= len(a) || two >= len(b) {
			break
		}
		if one-sepA != two-sepB {
			if one-sepA < two-sepB {
				return -1
			}
			return 1
		}

		startA, startB := one, two
		numeric := isDigit(a[one])
		class := isAlpha
		if numeric {
			class = isDigit
		}
		for one < len(a) && class(a[one]) {
			one++
		}
		for two < len(b) && class(b[two]) {
			two++
		}
		segA, segB := a[startA:one], b[startB:two]

		// Segments of different types: numeric is newer.
		if segB == "" {
			if numeric {
				return 1
			}
			return -1
		}

		if numeric {
			segA = strings.TrimLeft(segA, "0")
			segB = strings.TrimLeft(segB, "0")
			if len(segA) != len(segB) {
				if len(segA) > len(segB) {
					return 1
				}
				return -1
			}
		}
		if cmp := strings.Compare(segA, segB); cmp != 0 {
			return cmp
		}
	}

	restA, restB := one >= len(a), two >= len(b)
	if restA && restB {
		return 0
	}
	// A remaining alphabetic segment never beats an empty string.
	if (restA && !isAlpha(b[two])) || (!restA && isAlpha(a[one])) {
		return -1
	}
	return 1
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isAlpha(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }

func isAlnum(c byte) bool { return isDigit(c) || isAlpha(c) }
