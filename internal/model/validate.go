package model

import (
	"fmt"
	"regexp"
	"strings"
)

// hwIDRe matches a normalized hardware ID: uppercase hex octets separated
// by colons, e.g. "AA:BB:CC:DD:EE:FF" (spec.md §3.1: "normalized uppercase
// hex with separators").
var hwIDRe = regexp.MustCompile(`^[0-9A-F]{2}(:[0-9A-F]{2})+$`)

// NormalizeHardwareID upper-cases hex digits and rewrites common separators
// (-, space, or none) to ':'. Returns an error if the result isn't valid hex
// octets.
func NormalizeHardwareID(raw string) (string, error) {
	cleaned := strings.ToUpper(strings.TrimSpace(raw))
	cleaned = strings.ReplaceAll(cleaned, "-", ":")
	cleaned = strings.ReplaceAll(cleaned, " ", ":")
	if !strings.Contains(cleaned, ":") {
		// bare hex string, e.g. "AABBCCDDEEFF" — insert separators every 2 chars.
		if len(cleaned)%2 != 0 {
			return "", fmt.Errorf("hardware id must have an even number of hex digits")
		}
		var b strings.Builder
		for i := 0; i < len(cleaned); i += 2 {
			if i > 0 {
				b.WriteByte(':')
			}
			b.WriteString(cleaned[i : i+2])
		}
		cleaned = b.String()
	}
	if !hwIDRe.MatchString(cleaned) {
		return "", fmt.Errorf("hardware id %q is not valid normalized hex", raw)
	}
	return cleaned, nil
}

// SafeGPIOSet is the validated set of GPIO pins usable for switch control on
// the supported hardware family (spec.md §3.1: "GPIO ∈ validated safe set").
// Pins reserved for boot-strapping, flash, or UART on typical ESP8266/ESP32
// targets are excluded.
var SafeGPIOSet = map[int]bool{
	4: true, 5: true, 12: true, 13: true, 14: true,
	16: true, 17: true, 18: true, 19: true, 21: true,
	22: true, 23: true, 25: true, 26: true, 27: true,
	32: true, 33: true,
}

// ValidateGPIO checks a single pin against the safe set.
func ValidateGPIO(pin int) error {
	if !SafeGPIOSet[pin] {
		return fmt.Errorf("gpio %d is not in the validated safe set", pin)
	}
	return nil
}

// ValidateSwitches checks every switch's GPIO is in the safe set and that
// no two switches on the same device share a GPIO (spec.md §4.2: "rejects
// conflicting GPIO within a device").
func ValidateSwitches(switches []Switch) error {
	seen := make(map[int]string, len(switches))
	for _, sw := range switches {
		if err := ValidateGPIO(sw.GPIO); err != nil {
			return fmt.Errorf("switch %q: %w", sw.ID, err)
		}
		if other, ok := seen[sw.GPIO]; ok {
			return fmt.Errorf("switch %q conflicts with switch %q on gpio %d", sw.ID, other, sw.GPIO)
		}
		seen[sw.GPIO] = sw.ID
	}
	return nil
}

// ValidSwitchType reports whether t is one of the enumerated switch types.
func ValidSwitchType(t SwitchType) bool {
	switch t {
	case SwitchLight, SwitchFan, SwitchProjector, SwitchAC, SwitchOutlet, SwitchOther:
		return true
	default:
		return false
	}
}

// TokenizeAlias lower-cases and splits an alias or device display name into
// search tokens for the registry's case-insensitive alias index (spec.md §4.2).
func TokenizeAlias(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
