package hapmatic

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// preset modes carrying this prefix are week-program profiles defined on the
// CCU and are surfaced alongside the standard presets
const WeekProgramPrefix = "week_program_"

// state properties that can be written through the /set topic
const (
	PropTargetTemperature = "target_temperature"
	PropHvacMode          = "hvac_mode"
	PropPresetMode        = "preset_mode"
)

var (
	ErrDeviceSkipped    = fmt.Errorf("device is skipped")
	ErrMalformedDevice  = fmt.Errorf("device is malformed")
	ErrDeviceNotClimate = fmt.Errorf("device is not a climate device")
)

// timeout for marking thermostats as non-responsive
const HM_LAST_SEEN_TIMEOUT = 24 * time.Hour

// Descriptor of a thermostat as announced on the <prefix>bridge/devices topic.
type ThermostatInfo struct {
	Address   string `json:"address"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Interface string `json:"interface"`
	Model     string `json:"model"`
	Firmware  string `json:"firmware"`
	Disabled  bool   `json:"disabled"`

	MinTemp        float64  `json:"min_temp"`
	MaxTemp        float64  `json:"max_temp"`
	TempStep       float64  `json:"target_temperature_step"`
	HvacModes      []string `json:"hvac_modes"`
	PresetModes    []string `json:"preset_modes"`
	SupportsPreset bool     `json:"supports_preset"`
}

// Reported state of a thermostat, published as JSON on <prefix><address>.
// Partial updates are common; pointer fields distinguish "absent" from zero.
type thermostatState struct {
	TargetTemperature  *float64 `json:"target_temperature"`
	CurrentTemperature *float64 `json:"current_temperature"`
	CurrentHumidity    *int     `json:"current_humidity"`
	HvacMode           string   `json:"hvac_mode"`
	HvacAction         string   `json:"hvac_action"`
	PresetMode         string   `json:"preset_mode"`

	Valid       *bool `json:"valid"`
	LastUpdated any   `json:"last_updated"`
}

// deviceCommander forwards commands to the CCU on behalf of a Thermostat.
// Implemented by the Bridge; the handle itself owns no I/O.
type deviceCommander interface {
	// SetDeviceValue writes a single property and waits for the CCU to
	// echo the new value back via the state topic.
	SetDeviceValue(ctx context.Context, t *Thermostat, property string, value any) error

	// SendDeviceCommand publishes an arbitrary command payload without
	// waiting for acknowledgement.
	SendDeviceCommand(ctx context.Context, t *Thermostat, payload map[string]any) error
}

// Thermostat is the handle for a single climate device managed by the
// Homematic MQTT integration. All communication goes through the commander.
type Thermostat struct {
	Info ThermostatInfo

	commander deviceCommander

	mu       sync.RWMutex
	state    thermostatState
	lastSeen time.Time
	hasState bool
}

func NewThermostat(info ThermostatInfo, commander deviceCommander) (*Thermostat, error) {
	if info.Disabled {
		return nil, ErrDeviceSkipped
	}
	if info.Type != "climate" {
		return nil, ErrDeviceNotClimate
	}
	if info.Address == "" || info.MinTemp >= info.MaxTemp {
		return nil, ErrMalformedDevice
	}
	return &Thermostat{Info: info, commander: commander}, nil
}

func (t *Thermostat) Address() string { return t.Info.Address }

func (t *Thermostat) Name() string {
	if t.Info.Name != "" {
		return t.Info.Name
	}
	return t.Info.Address
}

// IsValid reports whether the handle carries usable live data: at least one
// state payload was received, the CCU did not flag the values as invalid, and
// the device has reported recently enough.
func (t *Thermostat) IsValid() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.hasState {
		return false
	}
	if t.state.Valid != nil && !*t.state.Valid {
		return false
	}
	return time.Since(t.lastSeen) < HM_LAST_SEEN_TIMEOUT
}

func (t *Thermostat) TargetTemperature() (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.state.TargetTemperature == nil {
		return 0, false
	}
	return *t.state.TargetTemperature, true
}

func (t *Thermostat) CurrentTemperature() (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.state.CurrentTemperature == nil {
		return 0, false
	}
	return *t.state.CurrentTemperature, true
}

func (t *Thermostat) CurrentHumidity() (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.state.CurrentHumidity == nil {
		return 0, false
	}
	return *t.state.CurrentHumidity, true
}

func (t *Thermostat) HvacMode() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.HvacMode
}

func (t *Thermostat) HvacAction() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.HvacAction
}

func (t *Thermostat) PresetMode() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.PresetMode
}

// LastSeen is the time of the newest state report from the device.
func (t *Thermostat) LastSeen() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastSeen
}

func (t *Thermostat) HvacModes() []string   { return t.Info.HvacModes }
func (t *Thermostat) PresetModes() []string { return t.Info.PresetModes }
func (t *Thermostat) SupportsPreset() bool  { return t.Info.SupportsPreset }

func (t *Thermostat) MinTemp() float64               { return t.Info.MinTemp }
func (t *Thermostat) MaxTemp() float64               { return t.Info.MaxTemp }
func (t *Thermostat) TargetTemperatureStep() float64 { return t.Info.TempStep }

// applyState merges a state payload into the handle. The parsed update is
// returned so the caller can route acknowledgement echoes.
func (t *Thermostat) applyState(payload []byte) (thermostatState, error) {
	var update thermostatState
	if err := json.Unmarshal(payload, &update); err != nil {
		return update, err
	}

	lastSeen := time.Now()
	switch v := update.LastUpdated.(type) {
	case nil:
		// keep time of receipt
	case float64:
		lastSeen = time.Unix(int64(v/1000), 0)
	case string:
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			lastSeen = ts
		} else {
			log.Printf("invalid last_updated timestamp %v", v)
		}
	default:
		log.Printf("invalid last_updated %T %[1]v", v)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if update.TargetTemperature != nil {
		t.state.TargetTemperature = update.TargetTemperature
	}
	if update.CurrentTemperature != nil {
		t.state.CurrentTemperature = update.CurrentTemperature
	}
	if update.CurrentHumidity != nil {
		t.state.CurrentHumidity = update.CurrentHumidity
	}
	if update.HvacMode != "" {
		t.state.HvacMode = update.HvacMode
	}
	if update.HvacAction != "" {
		t.state.HvacAction = update.HvacAction
	}
	if update.PresetMode != "" {
		t.state.PresetMode = update.PresetMode
	}
	if update.Valid != nil {
		t.state.Valid = update.Valid
	}

	if lastSeen.After(t.lastSeen) {
		t.lastSeen = lastSeen
	}
	t.hasState = true

	return update, nil
}

// echoValue returns the value of a settable property from a parsed update,
// for acknowledging in-flight writes.
func (s *thermostatState) echoValue(property string) (any, bool) {
	switch property {
	case PropTargetTemperature:
		if s.TargetTemperature != nil {
			return *s.TargetTemperature, true
		}
	case PropHvacMode:
		if s.HvacMode != "" {
			return s.HvacMode, true
		}
	case PropPresetMode:
		if s.PresetMode != "" {
			return s.PresetMode, true
		}
	}
	return nil, false
}

func (t *Thermostat) SetTemperature(ctx context.Context, temperature float64) error {
	return t.commander.SetDeviceValue(ctx, t, PropTargetTemperature, temperature)
}

func (t *Thermostat) SetHvacMode(ctx context.Context, mode string) error {
	return t.commander.SetDeviceValue(ctx, t, PropHvacMode, mode)
}

func (t *Thermostat) SetPresetMode(ctx context.Context, preset string) error {
	return t.commander.SetDeviceValue(ctx, t, PropPresetMode, preset)
}

func (t *Thermostat) EnableAwayModeByCalendar(ctx context.Context, start, end time.Time, awayTemperature float64) error {
	return t.commander.SendDeviceCommand(ctx, t, map[string]any{
		"away_mode":        "calendar",
		"away_start":       start.Format(time.RFC3339),
		"away_end":         end.Format(time.RFC3339),
		"away_temperature": awayTemperature,
	})
}

func (t *Thermostat) EnableAwayModeByDuration(ctx context.Context, hours int, awayTemperature float64) error {
	return t.commander.SendDeviceCommand(ctx, t, map[string]any{
		"away_mode":        "duration",
		"away_hours":       hours,
		"away_temperature": awayTemperature,
	})
}

func (t *Thermostat) DisableAwayMode(ctx context.Context) error {
	return t.commander.SendDeviceCommand(ctx, t, map[string]any{
		"away_mode": "off",
	})
}
