package hapmatic

import (
	"testing"
	"time"
)

const WallThermostat = `{
		"address": "VCU0000123",
		"name": "Living Room",
		"type": "climate",
		"interface": "HmIP-RF",
		"model": "HmIP-WTH-2",
		"firmware": "2.0.2",
		"min_temp": 4.5,
		"max_temp": 30.5,
		"target_temperature_step": 0.5,
		"hvac_modes": ["auto", "heat", "off"],
		"preset_modes": ["none", "boost", "week_program_1"],
		"supports_preset": true
	}`

func mustThermostat(t *testing.T, info ThermostatInfo) *Thermostat {
	t.Helper()
	th, err := NewThermostat(info, nil)
	if err != nil {
		t.Fatalf("cannot create thermostat: %v", err)
	}
	return th
}

func climateInfo(address string) ThermostatInfo {
	return ThermostatInfo{
		Address:   address,
		Type:      "climate",
		MinTemp:   4.5,
		MaxTemp:   30.5,
		HvacModes: []string{"auto", "heat", "off"},
	}
}

func TestNewThermostatValidation(t *testing.T) {
	for _, test := range []struct {
		desc string
		info ThermostatInfo
		want error
	}{
		{"disabled", ThermostatInfo{Address: "X", Type: "climate", MinTemp: 5, MaxTemp: 30, Disabled: true}, ErrDeviceSkipped},
		{"not climate", ThermostatInfo{Address: "X", Type: "switch", MinTemp: 5, MaxTemp: 30}, ErrDeviceNotClimate},
		{"no address", ThermostatInfo{Type: "climate", MinTemp: 5, MaxTemp: 30}, ErrMalformedDevice},
		{"bad range", ThermostatInfo{Address: "X", Type: "climate", MinTemp: 30, MaxTemp: 5}, ErrMalformedDevice},
	} {
		if _, err := NewThermostat(test.info, nil); err != test.want {
			t.Errorf("%s: want %v, got %v", test.desc, test.want, err)
		}
	}

	if _, err := NewThermostat(climateInfo("VCU1"), nil); err != nil {
		t.Errorf("valid descriptor rejected: %v", err)
	}
}

func TestThermostatIsInvalidWithoutState(t *testing.T) {
	th := mustThermostat(t, climateInfo("VCU1"))

	if th.IsValid() {
		t.Fatal("thermostat valid before any state was received")
	}
	if _, ok := th.TargetTemperature(); ok {
		t.Fatal("target temperature present before any state")
	}
}

func TestThermostatApplyState(t *testing.T) {
	th := mustThermostat(t, climateInfo("VCU1"))

	_, err := th.applyState([]byte(`{
		"target_temperature": 21.5,
		"current_temperature": 19.8,
		"current_humidity": 52,
		"hvac_mode": "auto",
		"hvac_action": "heat",
		"preset_mode": "none"
	}`))
	if err != nil {
		t.Fatal(err)
	}

	if !th.IsValid() {
		t.Fatal("thermostat should be valid after a state report")
	}

	if v, ok := th.TargetTemperature(); !ok || v != 21.5 {
		t.Errorf("target temperature: got %v %v", v, ok)
	}
	if v, ok := th.CurrentTemperature(); !ok || v != 19.8 {
		t.Errorf("current temperature: got %v %v", v, ok)
	}
	if v, ok := th.CurrentHumidity(); !ok || v != 52 {
		t.Errorf("current humidity: got %v %v", v, ok)
	}
	if th.HvacMode() != "auto" || th.HvacAction() != "heat" || th.PresetMode() != "none" {
		t.Errorf("mode/action/preset: %s/%s/%s", th.HvacMode(), th.HvacAction(), th.PresetMode())
	}

	// partial update keeps earlier values
	if _, err := th.applyState([]byte(`{"hvac_mode": "heat"}`)); err != nil {
		t.Fatal(err)
	}
	if v, ok := th.TargetTemperature(); !ok || v != 21.5 {
		t.Errorf("target temperature lost after partial update: %v %v", v, ok)
	}
	if th.HvacMode() != "heat" {
		t.Errorf("hvac mode not updated: %s", th.HvacMode())
	}
}

func TestThermostatValidFlag(t *testing.T) {
	th := mustThermostat(t, climateInfo("VCU1"))

	th.applyState([]byte(`{"target_temperature": 21.0, "valid": false}`))
	if th.IsValid() {
		t.Fatal("CCU flagged values invalid, IsValid must be false")
	}

	th.applyState([]byte(`{"valid": true}`))
	if !th.IsValid() {
		t.Fatal("CCU flagged values valid again")
	}
}

func TestThermostatStaleState(t *testing.T) {
	th := mustThermostat(t, climateInfo("VCU1"))

	old := time.Now().Add(-2 * HM_LAST_SEEN_TIMEOUT).Format(time.RFC3339)
	th.applyState([]byte(`{"target_temperature": 21.0, "last_updated": "` + old + `"}`))

	if th.IsValid() {
		t.Fatal("stale state must not count as valid")
	}
}

func TestThermostatLastUpdatedMillis(t *testing.T) {
	th := mustThermostat(t, climateInfo("VCU1"))

	if _, err := th.applyState([]byte(`{"hvac_mode": "auto", "last_updated": 1756200000000}`)); err != nil {
		t.Fatal(err)
	}
	want := time.Unix(1756200000, 0)
	if !th.LastSeen().Equal(want) {
		t.Errorf("last seen: want %v, got %v", want, th.LastSeen())
	}
}

func TestEchoValue(t *testing.T) {
	update := thermostatState{}
	if _, ok := update.echoValue(PropTargetTemperature); ok {
		t.Fatal("echo present on empty update")
	}

	temp := 21.5
	update = thermostatState{TargetTemperature: &temp, HvacMode: "heat"}

	if v, ok := update.echoValue(PropTargetTemperature); !ok || v != 21.5 {
		t.Errorf("target temperature echo: %v %v", v, ok)
	}
	if v, ok := update.echoValue(PropHvacMode); !ok || v != "heat" {
		t.Errorf("hvac mode echo: %v %v", v, ok)
	}
	if _, ok := update.echoValue(PropPresetMode); ok {
		t.Error("preset echo present but not in update")
	}
}
