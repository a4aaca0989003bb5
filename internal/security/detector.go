package security

import (
	"fmt"
	"regexp"
)

// PatternFamily identifies which signature family produced a match.
type PatternFamily string

const (
	FamilyRoleHijack          PatternFamily = "role_hijacking"
	FamilyInstructionOverride PatternFamily = "instruction_override"
)

// Match is a positive scan result: the family that fired and the fragment
// of the prompt that triggered it.
type Match struct {
	Family   PatternFamily
	Fragment string
}

// Detector scans prompts against ordered families of injection signatures.
// Patterns are compiled once at construction; the hot path only matches.
type Detector struct {
	roleHijack          []*regexp.Regexp
	instructionOverride []*regexp.Regexp
}

// NewDetector compiles the two pattern families. An invalid pattern is a
// startup error, never a runtime one.
func NewDetector(roleHijack, instructionOverride []string) (*Detector, error) {
	d := &Detector{}

	for _, p := range roleHijack {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile role-hijack pattern %q: %w", p, err)
		}
		d.roleHijack = append(d.roleHijack, re)
	}

	for _, p := range instructionOverride {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile instruction-override pattern %q: %w", p, err)
		}
		d.instructionOverride = append(d.instructionOverride, re)
	}

	return d, nil
}

// Scan checks the prompt against the role-hijack family first, then the
// instruction-override family. First match wins; nil means clean.
func (d *Detector) Scan(prompt string) *Match {
	for _, re := range d.roleHijack {
		if loc := re.FindString(prompt); loc != "" {
			return &Match{Family: FamilyRoleHijack, Fragment: loc}
		}
	}
	for _, re := range d.instructionOverride {
		if loc := re.FindString(prompt); loc != "" {
			return &Match{Family: FamilyInstructionOverride, Fragment: loc}
		}
	}
	return nil
}
