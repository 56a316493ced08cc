package hapmatic

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	carbon "github.com/dromara/carbon/v2"
)

// away-mode schema bounds, matching what the CCU accepts
const (
	AwayTemperatureMin     = 5.0
	AwayTemperatureMax     = 30.5
	AwayTemperatureDefault = 18.0
)

// climateDirectory is the slice of the Bridge the command API needs.
type climateDirectory interface {
	Climate(address string) (*Climate, bool)
	Addresses() []string
}

// CommandServer exposes the operations the HomeKit model cannot express:
// preset selection and the away-mode schedule commands. It also serves the
// adapter read side for inspection, plus health and metrics.
type CommandServer struct {
	dir     climateDirectory
	metrics *Metrics
}

func NewCommandServer(dir climateDirectory, metrics *Metrics) *CommandServer {
	return &CommandServer{dir: dir, metrics: metrics}
}

// Handler builds the API mux.
func (s *CommandServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	mux.HandleFunc("GET /api/climate", s.listClimates)
	mux.HandleFunc("GET /api/climate/{address}", s.getClimate)

	mux.HandleFunc("POST /api/climate/{address}/temperature", s.setTemperature)
	mux.HandleFunc("POST /api/climate/{address}/mode", s.setHvacMode)
	mux.HandleFunc("POST /api/climate/{address}/preset", s.setPresetMode)
	mux.HandleFunc("POST /api/climate/{address}/away/calendar", s.enableAwayByCalendar)
	mux.HandleFunc("POST /api/climate/{address}/away/duration", s.enableAwayByDuration)
	mux.HandleFunc("POST /api/climate/{address}/away/off", s.disableAway)

	return mux
}

type climateState struct {
	Address            string      `json:"address"`
	Name               string      `json:"name"`
	Valid              bool        `json:"valid"`
	HvacMode           *HvacMode   `json:"hvac_mode,omitempty"`
	HvacModes          []HvacMode  `json:"hvac_modes"`
	HvacAction         *HvacAction `json:"hvac_action,omitempty"`
	TargetTemperature  *float64    `json:"target_temperature,omitempty"`
	CurrentTemperature *float64    `json:"current_temperature,omitempty"`
	CurrentHumidity    *int        `json:"current_humidity,omitempty"`
	PresetMode         *string     `json:"preset_mode,omitempty"`
	PresetModes        []string    `json:"preset_modes"`
	MinTemp            float64     `json:"min_temp"`
	MaxTemp            float64     `json:"max_temp"`
	TemperatureStep    float64     `json:"target_temperature_step"`
	SupportsPreset     bool        `json:"supports_preset"`
}

func newClimateState(c *Climate) climateState {
	dev := c.Device()
	st := climateState{
		Address:         dev.Address(),
		Name:            dev.Name(),
		Valid:           dev.IsValid(),
		HvacModes:       c.HvacModes(),
		PresetModes:     c.PresetModes(),
		MinTemp:         c.MinTemp(),
		MaxTemp:         c.MaxTemp(),
		TemperatureStep: c.TargetTemperatureStep(),
		SupportsPreset:  c.SupportsPreset(),
	}

	if mode, ok := c.HvacMode(); ok {
		st.HvacMode = &mode
	}
	if action, ok := c.HvacAction(); ok {
		st.HvacAction = &action
	}
	if v, ok := c.TargetTemperature(); ok {
		st.TargetTemperature = &v
	}
	if v, ok := c.CurrentTemperature(); ok {
		st.CurrentTemperature = &v
	}
	if v, ok := c.CurrentHumidity(); ok {
		st.CurrentHumidity = &v
	}
	if p, ok := c.PresetMode(); ok {
		st.PresetMode = &p
	}

	return st
}

func (s *CommandServer) listClimates(w http.ResponseWriter, _ *http.Request) {
	states := []climateState{}
	for _, address := range s.dir.Addresses() {
		if c, ok := s.dir.Climate(address); ok {
			states = append(states, newClimateState(c))
		}
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *CommandServer) getClimate(w http.ResponseWriter, r *http.Request) {
	c, ok := s.climateFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newClimateState(c))
}

func (s *CommandServer) setTemperature(w http.ResponseWriter, r *http.Request) {
	c, ok := s.climateFor(w, r)
	if !ok {
		return
	}

	var req struct {
		Temperature *float64 `json:"temperature"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	// a request without a temperature is not an error, just nothing to do
	s.forward(w, "set_temperature", c.SetTemperature(r.Context(), req.Temperature))
}

func (s *CommandServer) setHvacMode(w http.ResponseWriter, r *http.Request) {
	c, ok := s.climateFor(w, r)
	if !ok {
		return
	}

	var req struct {
		HvacMode string `json:"hvac_mode"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.HvacMode == "" {
		writeError(w, http.StatusBadRequest, "hvac_mode is required")
		return
	}

	s.forward(w, "set_hvac_mode", c.SetHvacMode(r.Context(), HvacMode(req.HvacMode)))
}

func (s *CommandServer) setPresetMode(w http.ResponseWriter, r *http.Request) {
	c, ok := s.climateFor(w, r)
	if !ok {
		return
	}

	var req struct {
		PresetMode string `json:"preset_mode"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.PresetMode == "" {
		writeError(w, http.StatusBadRequest, "preset_mode is required")
		return
	}

	s.forward(w, "set_preset_mode", c.SetPresetMode(r.Context(), req.PresetMode))
}

func (s *CommandServer) enableAwayByCalendar(w http.ResponseWriter, r *http.Request) {
	c, ok := s.climateFor(w, r)
	if !ok {
		return
	}

	var req struct {
		Start           string   `json:"start"`
		End             string   `json:"end"`
		AwayTemperature *float64 `json:"away_temperature"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	if req.End == "" {
		writeError(w, http.StatusBadRequest, "end is required")
		return
	}
	end, err := parseDatetime(req.End)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid end: %v", err))
		return
	}

	var start *time.Time
	if req.Start != "" {
		st, err := parseDatetime(req.Start)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid start: %v", err))
			return
		}
		start = &st
	}

	temp, err := awayTemperature(req.AwayTemperature)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.forward(w, "enable_away_mode_by_calendar",
		c.EnableAwayModeByCalendar(r.Context(), start, end, temp))
}

func (s *CommandServer) enableAwayByDuration(w http.ResponseWriter, r *http.Request) {
	c, ok := s.climateFor(w, r)
	if !ok {
		return
	}

	var req struct {
		Hours           *int     `json:"hours"`
		AwayTemperature *float64 `json:"away_temperature"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	if req.Hours == nil {
		writeError(w, http.StatusBadRequest, "hours is required")
		return
	}
	if *req.Hours <= 0 {
		writeError(w, http.StatusBadRequest, "hours must be a positive integer")
		return
	}

	temp, err := awayTemperature(req.AwayTemperature)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.forward(w, "enable_away_mode_by_duration",
		c.EnableAwayModeByDuration(r.Context(), *req.Hours, temp))
}

func (s *CommandServer) disableAway(w http.ResponseWriter, r *http.Request) {
	c, ok := s.climateFor(w, r)
	if !ok {
		return
	}
	s.forward(w, "disable_away_mode", c.DisableAwayMode(r.Context()))
}

func (s *CommandServer) climateFor(w http.ResponseWriter, r *http.Request) (*Climate, bool) {
	address := r.PathValue("address")
	c, ok := s.dir.Climate(address)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown device %q", address))
		return nil, false
	}
	return c, true
}

// forward reports the outcome of a command delegated to the device.
// Declined commands (unsupported mode/preset) were already logged by the
// adapter and return success, matching the adapter's no-op semantics.
func (s *CommandServer) forward(w http.ResponseWriter, command string, err error) {
	if err != nil {
		log.Printf("command %s failed: %v", command, err)
		s.metrics.commandFailed(command)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func awayTemperature(v *float64) (float64, error) {
	if v == nil {
		return AwayTemperatureDefault, nil
	}
	if *v < AwayTemperatureMin || *v > AwayTemperatureMax {
		return 0, fmt.Errorf("away_temperature must be between %.1f and %.1f",
			AwayTemperatureMin, AwayTemperatureMax)
	}
	return *v, nil
}

func parseDatetime(s string) (time.Time, error) {
	c := carbon.Parse(s)
	if c.Error != nil {
		return time.Time{}, c.Error
	}
	return c.StdTime(), nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("cannot encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
