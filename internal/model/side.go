package model

import (
	"errors"
	"fmt"
	"strings"
)

// Side is one of the two legs of a tree node.
type Side string

const (
	Left  Side = "LEFT"
	Right Side = "RIGHT"
)

// ErrInvalidSide is returned for any side other than LEFT or RIGHT.
var ErrInvalidSide = errors.New("model: side must be LEFT or RIGHT")

// ParseSide accepts "LEFT" or "RIGHT" in any case. Anything else is
// rejected rather than defaulted.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case Left:
		return Left, nil
	case Right:
		return Right, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSide, s)
}

// Valid reports whether s is LEFT or RIGHT.
func (s Side) Valid() bool {
	return s == Left || s == Right
}

// Opposite returns the other leg.
func (s Side) Opposite() Side {
	if s == Left {
		return Right
	}
	return Left
}
