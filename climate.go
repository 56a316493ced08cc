package hapmatic

import (
	"context"
	"log"
	"slices"
	"strings"
	"time"

	carbon "github.com/dromara/carbon/v2"
)

// HvacMode is a requested thermostat operating mode in the bridge's
// presentation model.
type HvacMode string

const (
	HvacModeAuto HvacMode = "auto"
	HvacModeCool HvacMode = "cool"
	HvacModeHeat HvacMode = "heat"
	HvacModeOff  HvacMode = "off"
)

// HvacAction is what the thermostat is physically doing right now,
// distinct from the requested mode.
type HvacAction string

const (
	HvacActionCooling HvacAction = "cooling"
	HvacActionHeating HvacAction = "heating"
	HvacActionIdle    HvacAction = "idle"
	HvacActionOff     HvacAction = "off"
)

// standard preset modes
const (
	PresetAway    = "away"
	PresetBoost   = "boost"
	PresetComfort = "comfort"
	PresetEco     = "eco"
	PresetNone    = "none"
)

// snapshot states that carry no usable data
const (
	StateUnknown     = "unknown"
	StateUnavailable = "unavailable"
)

var supportedPresetModes = []string{
	PresetAway,
	PresetBoost,
	PresetComfort,
	PresetEco,
	PresetNone,
}

var deviceToHvacMode = map[string]HvacMode{
	"auto": HvacModeAuto,
	"cool": HvacModeCool,
	"heat": HvacModeHeat,
	"off":  HvacModeOff,
}

var hvacModeToDevice = make(map[HvacMode]string, len(deviceToHvacMode))

func init() {
	for dev, mode := range deviceToHvacMode {
		hvacModeToDevice[mode] = dev
	}
}

var deviceToHvacAction = map[string]HvacAction{
	"cool": HvacActionCooling,
	"heat": HvacActionHeating,
	"idle": HvacActionIdle,
	"off":  HvacActionOff,
}

// ClimateDevice is the device handle contract consumed by the Climate
// adapter. *Thermostat satisfies it; tests substitute fakes.
type ClimateDevice interface {
	Address() string
	Name() string
	IsValid() bool

	TargetTemperature() (float64, bool)
	CurrentTemperature() (float64, bool)
	CurrentHumidity() (int, bool)
	HvacMode() string
	HvacModes() []string
	HvacAction() string
	MinTemp() float64
	MaxTemp() float64
	TargetTemperatureStep() float64
	PresetMode() string
	PresetModes() []string
	SupportsPreset() bool

	SetTemperature(ctx context.Context, temperature float64) error
	SetHvacMode(ctx context.Context, mode string) error
	SetPresetMode(ctx context.Context, preset string) error
	EnableAwayModeByCalendar(ctx context.Context, start, end time.Time, awayTemperature float64) error
	EnableAwayModeByDuration(ctx context.Context, hours int, awayTemperature float64) error
	DisableAwayMode(ctx context.Context) error
}

// ClimateSnapshot is the last known presentation state of a device,
// persisted across restarts. It backs reads while the device is not yet
// reporting valid data.
type ClimateSnapshot struct {
	State              string   `json:"state"`
	TargetTemperature  *float64 `json:"target_temperature,omitempty"`
	CurrentTemperature *float64 `json:"current_temperature,omitempty"`
	CurrentHumidity    *int     `json:"current_humidity,omitempty"`
	PresetMode         *string  `json:"preset_mode,omitempty"`
}

// known reports whether the snapshot holds data worth falling back to.
func (s *ClimateSnapshot) known() bool {
	return s != nil && s.State != "" && s.State != StateUnknown && s.State != StateUnavailable
}

// Climate exposes one thermostat handle in the bridge's presentation model.
// It holds no state of its own beyond the restored snapshot: the handle is
// the source of truth, and callers re-read after every command.
type Climate struct {
	dev      ClimateDevice
	restored *ClimateSnapshot
	metrics  *Metrics
}

func NewClimate(dev ClimateDevice, restored *ClimateSnapshot, metrics *Metrics) *Climate {
	return &Climate{dev: dev, restored: restored, metrics: metrics}
}

func (c *Climate) Device() ClimateDevice { return c.dev }

// TargetTemperature returns the temperature the device tries to reach.
func (c *Climate) TargetTemperature() (float64, bool) {
	if c.dev.IsValid() {
		return c.dev.TargetTemperature()
	}
	if c.restored.known() && c.restored.TargetTemperature != nil {
		return *c.restored.TargetTemperature, true
	}
	return 0, false
}

func (c *Climate) CurrentTemperature() (float64, bool) {
	if c.dev.IsValid() {
		return c.dev.CurrentTemperature()
	}
	if c.restored.known() && c.restored.CurrentTemperature != nil {
		return *c.restored.CurrentTemperature, true
	}
	return 0, false
}

func (c *Climate) CurrentHumidity() (int, bool) {
	if c.dev.IsValid() {
		return c.dev.CurrentHumidity()
	}
	if c.restored.known() && c.restored.CurrentHumidity != nil {
		return *c.restored.CurrentHumidity, true
	}
	return 0, false
}

// HvacMode returns the requested operating mode. Device modes without a
// mapping read as off; there is no guessing what an unknown mode means.
func (c *Climate) HvacMode() (HvacMode, bool) {
	if c.dev.IsValid() {
		if mode, ok := deviceToHvacMode[c.dev.HvacMode()]; ok {
			return mode, true
		}
		return HvacModeOff, true
	}
	if c.restored.known() {
		return HvacMode(c.restored.State), true
	}
	return "", false
}

// HvacModes returns the modes the device supports, in presentation terms.
func (c *Climate) HvacModes() []HvacMode {
	var modes []HvacMode
	for _, dm := range c.dev.HvacModes() {
		if mode, ok := deviceToHvacMode[dm]; ok {
			modes = append(modes, mode)
		}
	}
	return modes
}

// HvacAction reads live only; there is no snapshot fallback for the
// device's current activity.
func (c *Climate) HvacAction() (HvacAction, bool) {
	if da := c.dev.HvacAction(); da != "" {
		if action, ok := deviceToHvacAction[da]; ok {
			return action, true
		}
	}
	return "", false
}

func (c *Climate) MinTemp() float64               { return c.dev.MinTemp() }
func (c *Climate) MaxTemp() float64               { return c.dev.MaxTemp() }
func (c *Climate) TargetTemperatureStep() float64 { return c.dev.TargetTemperatureStep() }

func presetSurfaced(preset string) bool {
	return slices.Contains(supportedPresetModes, preset) ||
		strings.HasPrefix(preset, WeekProgramPrefix)
}

// PresetMode returns the active preset, hiding device presets that are
// neither standard nor CCU week programs.
func (c *Climate) PresetMode() (string, bool) {
	if c.dev.IsValid() && presetSurfaced(c.dev.PresetMode()) {
		return c.dev.PresetMode(), true
	}
	if c.restored.known() && c.restored.PresetMode != nil {
		return *c.restored.PresetMode, true
	}
	return "", false
}

// PresetModes returns the selectable presets incl. CCU week programs.
func (c *Climate) PresetModes() []string {
	var presets []string
	for _, preset := range c.dev.PresetModes() {
		if presetSurfaced(preset) {
			presets = append(presets, preset)
		}
	}
	return presets
}

func (c *Climate) SupportsPreset() bool { return c.dev.SupportsPreset() }

// SetTemperature forwards a new target temperature. A nil temperature means
// the caller supplied none, which is not an error.
func (c *Climate) SetTemperature(ctx context.Context, temperature *float64) error {
	if temperature == nil {
		return nil
	}
	c.metrics.commandSent("set_temperature")
	return c.dev.SetTemperature(ctx, *temperature)
}

func (c *Climate) SetHvacMode(ctx context.Context, mode HvacMode) error {
	dm, ok := hvacModeToDevice[mode]
	if !ok {
		log.Printf("hvac mode %s is not supported by %s", mode, c.dev.Name())
		c.metrics.commandDeclined("set_hvac_mode")
		return nil
	}
	c.metrics.commandSent("set_hvac_mode")
	return c.dev.SetHvacMode(ctx, dm)
}

func (c *Climate) SetPresetMode(ctx context.Context, preset string) error {
	if !slices.Contains(c.PresetModes(), preset) {
		mode, _ := c.HvacMode()
		log.Printf("preset mode %s is not supported by %s in hvac mode %s", preset, c.dev.Name(), mode)
		c.metrics.commandDeclined("set_preset_mode")
		return nil
	}
	c.metrics.commandSent("set_preset_mode")
	return c.dev.SetPresetMode(ctx, preset)
}

// EnableAwayModeByCalendar schedules an away window. A nil start defaults to
// ten minutes ago so the override takes effect immediately.
func (c *Climate) EnableAwayModeByCalendar(ctx context.Context, start *time.Time, end time.Time, awayTemperature float64) error {
	s := carbon.Now().SubMinutes(10).StdTime()
	if start != nil {
		s = *start
	}
	c.metrics.commandSent("enable_away_mode_by_calendar")
	return c.dev.EnableAwayModeByCalendar(ctx, s, end, awayTemperature)
}

func (c *Climate) EnableAwayModeByDuration(ctx context.Context, hours int, awayTemperature float64) error {
	c.metrics.commandSent("enable_away_mode_by_duration")
	return c.dev.EnableAwayModeByDuration(ctx, hours, awayTemperature)
}

func (c *Climate) DisableAwayMode(ctx context.Context) error {
	c.metrics.commandSent("disable_away_mode")
	return c.dev.DisableAwayMode(ctx)
}

// Snapshot captures the current presentation state for persistence. While
// the device is invalid the previously restored snapshot is carried over
// unchanged so a restart does not erase it.
func (c *Climate) Snapshot() *ClimateSnapshot {
	if !c.dev.IsValid() {
		return c.restored
	}

	snap := &ClimateSnapshot{State: StateUnknown}
	if mode, ok := c.HvacMode(); ok {
		snap.State = string(mode)
	}
	if v, ok := c.TargetTemperature(); ok {
		snap.TargetTemperature = &v
	}
	if v, ok := c.CurrentTemperature(); ok {
		snap.CurrentTemperature = &v
	}
	if v, ok := c.CurrentHumidity(); ok {
		snap.CurrentHumidity = &v
	}
	if p, ok := c.PresetMode(); ok {
		snap.PresetMode = &p
	}
	return snap
}
