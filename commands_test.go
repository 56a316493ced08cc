package hapmatic

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory map[string]*Climate

func (d fakeDirectory) Climate(address string) (*Climate, bool) {
	c, ok := d[address]
	return c, ok
}

func (d fakeDirectory) Addresses() []string {
	addrs := make([]string, 0, len(d))
	for a := range d {
		addrs = append(addrs, a)
	}
	return addrs
}

func newTestAPI() (http.Handler, *fakeDevice) {
	dev := newFakeDevice()
	dev.hvacMode = "auto"
	dev.targetTemp = ptr(21.5)
	dev.currentTemp = ptr(19.8)

	c := NewClimate(dev, nil, nil)
	srv := NewCommandServer(fakeDirectory{dev.Address(): c}, nil)
	return srv.Handler(), dev
}

func doRequest(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("{}")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAPIHealthz(t *testing.T) {
	h, _ := newTestAPI()
	w := doRequest(h, "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIUnknownDevice(t *testing.T) {
	h, _ := newTestAPI()
	w := doRequest(h, "POST", "/api/climate/VCU9999999/temperature", `{"temperature": 20}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPIGetClimate(t *testing.T) {
	h, dev := newTestAPI()

	w := doRequest(h, "GET", "/api/climate/"+dev.Address(), "")
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, `"address":"VCU0000001"`)
	assert.Contains(t, body, `"hvac_mode":"auto"`)
	assert.Contains(t, body, `"target_temperature":21.5`)
}

func TestAPIListClimates(t *testing.T) {
	h, _ := newTestAPI()

	w := doRequest(h, "GET", "/api/climate", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"address":"VCU0000001"`)
}

func TestAPISetTemperature(t *testing.T) {
	h, dev := newTestAPI()

	w := doRequest(h, "POST", "/api/climate/"+dev.Address()+"/temperature", `{"temperature": 22.5}`)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"set_temperature"}, dev.calls)
	assert.Equal(t, 22.5, dev.sentTemp)
}

func TestAPISetTemperatureWithoutValue(t *testing.T) {
	h, dev := newTestAPI()

	// no temperature in the body means there is nothing to forward
	w := doRequest(h, "POST", "/api/climate/"+dev.Address()+"/temperature", `{}`)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, dev.calls)
}

func TestAPISetHvacMode(t *testing.T) {
	h, dev := newTestAPI()

	w := doRequest(h, "POST", "/api/climate/"+dev.Address()+"/mode", `{"hvac_mode": "heat"}`)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "heat", dev.sentMode)

	w = doRequest(h, "POST", "/api/climate/"+dev.Address()+"/mode", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPISetHvacModeUnmapped(t *testing.T) {
	h, dev := newTestAPI()

	// an unmapped mode is declined by the adapter, not an API error
	w := doRequest(h, "POST", "/api/climate/"+dev.Address()+"/mode", `{"hvac_mode": "dry"}`)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, dev.calls)
}

func TestAPISetPresetMode(t *testing.T) {
	h, dev := newTestAPI()

	w := doRequest(h, "POST", "/api/climate/"+dev.Address()+"/preset", `{"preset_mode": "boost"}`)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "boost", dev.sentPreset)

	w = doRequest(h, "POST", "/api/climate/"+dev.Address()+"/preset", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPISetPresetModeUnlisted(t *testing.T) {
	h, dev := newTestAPI()

	// "eco" is a recognized preset but this device does not offer it
	w := doRequest(h, "POST", "/api/climate/"+dev.Address()+"/preset", `{"preset_mode": "eco"}`)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, dev.calls)
}

func TestAPIAwayCalendar(t *testing.T) {
	h, dev := newTestAPI()
	path := "/api/climate/" + dev.Address() + "/away/calendar"

	w := doRequest(h, "POST", path, `{
		"start": "2026-12-20 08:00:00",
		"end": "2026-12-24 18:00:00",
		"away_temperature": 16.0
	}`)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"enable_away_mode_by_calendar"}, dev.calls)
	assert.Equal(t, "2026-12-20 08:00:00", dev.awayStart.Format("2006-01-02 15:04:05"))
	assert.Equal(t, "2026-12-24 18:00:00", dev.awayEnd.Format("2006-01-02 15:04:05"))
	assert.Equal(t, 16.0, dev.awayTemp)
}

func TestAPIAwayCalendarDefaults(t *testing.T) {
	h, dev := newTestAPI()
	path := "/api/climate/" + dev.Address() + "/away/calendar"

	w := doRequest(h, "POST", path, `{"end": "2026-12-24 18:00:00"}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	// start defaults to a little while ago so the schedule is already active
	assert.WithinDuration(t, time.Now().Add(-10*time.Minute), dev.awayStart, 5*time.Second)
	assert.Equal(t, AwayTemperatureDefault, dev.awayTemp)
}

func TestAPIAwayCalendarValidation(t *testing.T) {
	h, dev := newTestAPI()
	path := "/api/climate/" + dev.Address() + "/away/calendar"

	// end is required
	w := doRequest(h, "POST", path, `{"away_temperature": 16.0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// temperature out of range
	w = doRequest(h, "POST", path, `{"end": "2026-12-24 18:00:00", "away_temperature": 40.0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(h, "POST", path, `{"end": "2026-12-24 18:00:00", "away_temperature": 4.0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Empty(t, dev.calls)
}

func TestAPIAwayDuration(t *testing.T) {
	h, dev := newTestAPI()
	path := "/api/climate/" + dev.Address() + "/away/duration"

	w := doRequest(h, "POST", path, `{"hours": 48, "away_temperature": 12.0}`)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"enable_away_mode_by_duration"}, dev.calls)
	assert.Equal(t, 48, dev.awayHours)
	assert.Equal(t, 12.0, dev.awayTemp)
}

func TestAPIAwayDurationValidation(t *testing.T) {
	h, dev := newTestAPI()
	path := "/api/climate/" + dev.Address() + "/away/duration"

	w := doRequest(h, "POST", path, `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(h, "POST", path, `{"hours": 0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(h, "POST", path, `{"hours": -3}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Empty(t, dev.calls)
}

func TestAPIAwayOff(t *testing.T) {
	h, dev := newTestAPI()

	w := doRequest(h, "POST", "/api/climate/"+dev.Address()+"/away/off", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"disable_away_mode"}, dev.calls)
}
