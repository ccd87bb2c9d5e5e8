package hek

import (
	"fmt"
	"strconv"
	"strings"
)

var goesScale = map[byte]float64{
	'A': 1e-8,
	'B': 1e-7,
	'C': 1e-6,
	'M': 1e-5,
	'X': 1e-4,
}

// ParseGOESClass converts a class string such as "M2.3" into peak flux in W/m².
func ParseGOESClass(s string) (float64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty GOES class")
	}
	scale, ok := goesScale[s[0]]
	if !ok {
		return 0, fmt.Errorf("invalid GOES class %q", s)
	}
	mag, err := strconv.ParseFloat(strings.TrimSpace(s[1:]), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid GOES magnitude %q: %w", s, err)
	}
	return mag * scale, nil
}
