package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ByteSize is a size value that supports human-readable parsing.
// It accepts values like "1MB", "1.5 GiB", "500KB" or raw byte counts,
// all using the binary (1024) base.
//
// It implements encoding.TextUnmarshaler for Viper/YAML support and
// json.Unmarshaler for JSON configuration files.
type ByteSize int64

// Binary size multipliers.
const (
	sizeKB int64 = 1024
	sizeMB       = 1024 * sizeKB
	sizeGB       = 1024 * sizeMB
	sizeTB       = 1024 * sizeGB
)

var sizeUnits = map[string]int64{
	"":    1,
	"b":   1,
	"k":   sizeKB,
	"kb":  sizeKB,
	"kib": sizeKB,
	"m":   sizeMB,
	"mb":  sizeMB,
	"mib": sizeMB,
	"g":   sizeGB,
	"gb":  sizeGB,
	"gib": sizeGB,
	"t":   sizeTB,
	"tb":  sizeTB,
	"tib": sizeTB,
}

// sizePattern matches a number (int or float) followed by an optional unit.
var sizePattern = regexp.MustCompile(`(?i)^\s*([0-9]+(?:\.[0-9]+)?)\s*([a-z]*)\s*$`)

// ParseByteSize parses a human-readable byte size string.
func ParseByteSize(s string) (ByteSize, error) {
	matches := sizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid byte size %q", s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}

	mult, ok := sizeUnits[strings.ToLower(matches[2])]
	if !ok {
		return 0, fmt.Errorf("unknown byte size unit %q", matches[2])
	}

	return ByteSize(value * float64(mult)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for YAML/Viper support.
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// UnmarshalJSON implements json.Unmarshaler, accepting either a string
// with units or a raw byte count.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	return b.UnmarshalText([]byte(s))
}

// MarshalJSON implements json.Marshaler.
func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// String formats the size with the largest whole binary unit.
func (b ByteSize) String() string {
	n := int64(b)
	switch {
	case n >= sizeTB && n%sizeTB == 0:
		return fmt.Sprintf("%dTB", n/sizeTB)
	case n >= sizeGB && n%sizeGB == 0:
		return fmt.Sprintf("%dGB", n/sizeGB)
	case n >= sizeMB && n%sizeMB == 0:
		return fmt.Sprintf("%dMB", n/sizeMB)
	case n >= sizeKB && n%sizeKB == 0:
		return fmt.Sprintf("%dKB", n/sizeKB)
	default:
		return strconv.FormatInt(n, 10)
	}
}
