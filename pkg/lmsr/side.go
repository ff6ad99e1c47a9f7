package lmsr

import (
	"fmt"
	"strings"
)

// Side is one of the two outcomes of a binary market. The zero value is not
// a valid side. Sides are stored and exchanged as their tags ("YES", "NO"),
// never as integers.
type Side uint8

const (
	Yes Side = iota + 1
	No
)

func (s Side) String() string {
	switch s {
	case Yes:
		return "YES"
	case No:
		return "NO"
	}
	return fmt.Sprintf("Side(%d)", uint8(s))
}

func (s Side) Valid() bool {
	return s == Yes || s == No
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Yes {
		return No
	}
	return Yes
}

// ParseSide accepts "yes"/"no" in any case.
func ParseSide(tag string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(tag)) {
	case "YES":
		return Yes, nil
	case "NO":
		return No, nil
	}
	return 0, fmt.Errorf("unknown side %q", tag)
}

func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("cannot encode %v", s)
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(text []byte) error {
	parsed, err := ParseSide(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
