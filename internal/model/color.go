package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/image/colornames"
)

// NormalizeColor turns a "#rgb"/"#rrggbb" hex value or a CSS color name into
// an upper-case six digit hex string without the leading '#'.
func NormalizeColor(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	if c, ok := colornames.Map[strings.ToLower(s)]; ok {
		return fmt.Sprintf("%02X%02X%02X", c.R, c.G, c.B), true
	}

	s = strings.TrimPrefix(s, "#")
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	if len(s) != 6 {
		return "", false
	}
	if _, err := strconv.ParseUint(s, 16, 32); err != nil {
		return "", false
	}
	return strings.ToUpper(s), true
}

// ContrastColor returns "FFFFFF" for dark backgrounds and "000000" for light
// ones, using perceived brightness sqrt(.241r² + .691g² + .068b²).
func ContrastColor(hex string) string {
	v, err := strconv.ParseUint(strings.TrimPrefix(hex, "#"), 16, 32)
	if err != nil || len(strings.TrimPrefix(hex, "#")) != 6 {
		return "000000"
	}
	r := float64((v >> 16) & 0xFF)
	g := float64((v >> 8) & 0xFF)
	b := float64(v & 0xFF)

	brightness := math.Sqrt(0.241*r*r + 0.691*g*g + 0.068*b*b)
	if brightness <= 130 {
		return "FFFFFF"
	}
	return "000000"
}
