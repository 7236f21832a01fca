package config

import (
	"strconv"
	"strings"

	E "github.com/sagernet/sing/common/exceptions"
)

// Bandwidth is a rate in bytes per second. In YAML it is either a plain
// integer or a number with a unit: "bps" counts bits, "Bps" counts bytes,
// with an optional k/m/g prefix.
type Bandwidth uint64

var bandwidthUnits = []struct {
	suffix     string
	multiplier float64
}{
	{"gbps", 1e9 / 8},
	{"mbps", 1e6 / 8},
	{"kbps", 1e3 / 8},
	{"GBps", 1e9},
	{"MBps", 1e6},
	{"KBps", 1e3},
	{"kBps", 1e3},
	{"bps", 1.0 / 8},
	{"Bps", 1},
}

func ParseBandwidth(s string) (Bandwidth, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, E.New("empty bandwidth")
	}
	if value, err := strconv.ParseUint(s, 10, 64); err == nil {
		return Bandwidth(value), nil
	}
	for _, unit := range bandwidthUnits {
		number, found := strings.CutSuffix(s, unit.suffix)
		if !found {
			continue
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(number), 64)
		if err != nil || value < 0 {
			return 0, E.New("invalid bandwidth: ", s)
		}
		return Bandwidth(value * unit.multiplier), nil
	}
	return 0, E.New("unknown bandwidth unit: ", s)
}

func (b Bandwidth) String() string {
	return strconv.FormatUint(uint64(b), 10) + "Bps"
}

func (b *Bandwidth) UnmarshalYAML(unmarshal func(any) error) error {
	var value any
	if err := unmarshal(&value); err != nil {
		return err
	}
	var text string
	switch v := value.(type) {
	case string:
		text = v
	case int:
		text = strconv.Itoa(v)
	case int64:
		text = strconv.FormatInt(v, 10)
	case uint64:
		text = strconv.FormatUint(v, 10)
	case float64:
		text = strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return E.New("invalid bandwidth value: ", value)
	}
	parsed, err := ParseBandwidth(text)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

func (b Bandwidth) MarshalYAML() (any, error) {
	return uint64(b), nil
}
