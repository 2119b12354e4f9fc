package enums

import (
	"fmt"
	"slices"
	"strings"
)

// values is the closed set of a string enum.
type values[T ~string] []T

func (v values[T]) contains(x T) bool {
	return slices.Contains(v, x)
}

// parse accepts surrounding whitespace and any letter case.
func (v values[T]) parse(kind, raw string) (T, error) {
	x := T(strings.ToLower(strings.TrimSpace(raw)))
	if v.contains(x) {
		return x, nil
	}
	var zero T
	return zero, fmt.Errorf("invalid %s %q (want one of %v)", kind, raw, []T(v))
}
