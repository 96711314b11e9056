package simulator

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Settings tunes a simulated machine on top of its machine definition.
//
//	definition  = "machine.yaml"
//	listen_host = "0.0.0.0"
//
//	[drift]
//	interval  = "2s"
//	amplitude = 0.05
//	points    = ["QH01:I_SET"]
//
//	[[seed]]
//	id    = "BH01:current_setpoint"
//	value = 148.5
type Settings struct {
	Definition string `toml:"definition"`
	// ListenHost replaces the host of every server connection when set.
	ListenHost string `toml:"listen_host"`
	Drift      Drift  `toml:"drift"`
	Seeds      []Seed `toml:"seed"`
}

// Drift moves register values by a random step every Interval, so that live
// values wander away from what was saved.
type Drift struct {
	Interval  time.Duration `toml:"interval"`
	Amplitude float64       `toml:"amplitude"`
	// Points limits drift to these control point ids. Empty means every
	// writable register point.
	Points []string `toml:"points"`
}

// Seed overrides the initial value of one control point.
type Seed struct {
	ID    string  `toml:"id"`
	Value float64 `toml:"value"`
}

// LoadSettings reads simulator settings from a TOML file.
func LoadSettings(path string) (Settings, error) {
	var s Settings
	md, err := toml.DecodeFile(path, &s)
	if err != nil {
		return Settings{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Settings{}, fmt.Errorf("%s: unknown keys %v", path, undecoded)
	}
	if s.Drift.Interval < 0 || s.Drift.Amplitude < 0 {
		return Settings{}, fmt.Errorf("%s: drift interval and amplitude must not be negative", path)
	}
	return s, nil
}
