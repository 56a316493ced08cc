package hapmatic

import (
	"hash/fnv"

	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"
)

// HomeKit models the requested mode and the current activity as small ints;
// these tables translate from the bridge's presentation model.
var hvacModeToTargetState = map[HvacMode]int{
	HvacModeOff:  characteristic.TargetHeatingCoolingStateOff,
	HvacModeHeat: characteristic.TargetHeatingCoolingStateHeat,
	HvacModeCool: characteristic.TargetHeatingCoolingStateCool,
	HvacModeAuto: characteristic.TargetHeatingCoolingStateAuto,
}

var targetStateToHvacMode = make(map[int]HvacMode, len(hvacModeToTargetState))

func init() {
	for mode, state := range hvacModeToTargetState {
		targetStateToHvacMode[state] = mode
	}
}

// HomeKit has no idle state; an idle thermostat reads as off.
var hvacActionToCurrentState = map[HvacAction]int{
	HvacActionOff:     characteristic.CurrentHeatingCoolingStateOff,
	HvacActionIdle:    characteristic.CurrentHeatingCoolingStateOff,
	HvacActionHeating: characteristic.CurrentHeatingCoolingStateHeat,
	HvacActionCooling: characteristic.CurrentHeatingCoolingStateCool,
}

// thermostatAccessory is the HomeKit face of one Climate adapter.
type thermostatAccessory struct {
	*accessory.A

	Thermostat *service.Thermostat

	// nil when the device reports no humidity
	Humidity *characteristic.CurrentRelativeHumidity
}

func newThermostatAccessory(info ThermostatInfo) *thermostatAccessory {
	acc := accessory.New(accessory.Info{
		Name:         info.Name,
		SerialNumber: info.Address,
		Manufacturer: "eQ-3",
		Model:        info.Model,
		Firmware:     info.Firmware,
	}, accessory.TypeThermostat)

	// the CCU address is the stable identity of the device
	acc.Id = accessoryID(info.Address)

	svc := service.NewThermostat()
	svc.TemperatureDisplayUnits.SetValue(characteristic.TemperatureDisplayUnitsCelsius)

	svc.TargetTemperature.SetMinValue(info.MinTemp)
	svc.TargetTemperature.SetMaxValue(info.MaxTemp)
	if info.TempStep > 0 {
		svc.TargetTemperature.SetStepValue(info.TempStep)
	}

	// the Home app rounds displayed values anyway, but report fine-grained
	// readings like the CCU does
	svc.CurrentTemperature.SetStepValue(0.1)

	ta := &thermostatAccessory{A: acc, Thermostat: svc}
	acc.AddS(svc.S)

	return ta
}

// addHumidity lazily attaches the humidity characteristic the first time the
// device reports one.
func (ta *thermostatAccessory) addHumidity() {
	if ta.Humidity != nil {
		return
	}
	ta.Humidity = characteristic.NewCurrentRelativeHumidity()
	ta.Thermostat.AddC(ta.Humidity.C)
}

// refresh pushes the adapter's read side into the HomeKit characteristics.
// Absent values leave the previous characteristic value in place; the
// per-characteristic read handlers report the communication failure.
func (ta *thermostatAccessory) refresh(c *Climate) {
	if mode, ok := c.HvacMode(); ok {
		if state, ok := hvacModeToTargetState[mode]; ok {
			ta.Thermostat.TargetHeatingCoolingState.SetValue(state)
		}
	}

	if action, ok := c.HvacAction(); ok {
		ta.Thermostat.CurrentHeatingCoolingState.SetValue(hvacActionToCurrentState[action])
	}

	if temp, ok := c.TargetTemperature(); ok {
		ta.Thermostat.TargetTemperature.SetValue(temp)
	}
	if temp, ok := c.CurrentTemperature(); ok {
		ta.Thermostat.CurrentTemperature.SetValue(temp)
	}

	if humidity, ok := c.CurrentHumidity(); ok {
		ta.addHumidity()
		ta.Humidity.SetValue(float64(humidity))
	}
}

func accessoryID(address string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(address))
	return h.Sum64()
}
