package hapmatic

import (
	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"

	haplog "github.com/brutella/hap/log"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"crypto/tls"
	"net/url"

	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"
)

var (
	ErrDeviceExists     = fmt.Errorf("device already exists")
	ErrUpdateTimeout    = fmt.Errorf("update timeout")
	ErrAlreadyConnected = fmt.Errorf("already connected")
)

const (
	// topic prefix of the CCU MQTT integration, unless overridden
	DefaultTopicPrefix = "homematic/"

	// store name for persisting last known climate state
	CLIMATE_STATE_STORE = "climate_state"

	// store name for persisting discovered device descriptors
	KNOWN_DEVICES_STORE = "known_devices"

	// store name for server PIN code
	PIN_STORE = "server_pin"

	// timeout for SetDeviceValue echo acknowledgement
	HM_UPDATE_TIMEOUT = 3 * time.Second
)

// show more messages for developers
const BRIDGE_DEVMODE = false

type Bridge struct {
	// MQTT broker and credentials
	Server   string
	Username string
	Password string

	// MQTT topic prefix, must end with a slash
	TopicPrefix string

	// address and interfaces to bind the HAP server to
	ListenAddr string
	Interfaces []string

	DebugMode bool
	QuietMode bool

	ctx       context.Context
	bridgeAcc *accessory.Bridge
	metrics   *Metrics

	devices map[string]*BridgeDevice
	server  *hap.Server
	store   hap.Store
	pin     string

	// snapshots restored from the previous run, keyed by device address
	snapshots map[string]*ClimateSnapshot

	// hapInitMutex guards the hap init variables below and the devices map
	hapInitMutex   sync.RWMutex
	hapInitDone    bool
	hapStarted     bool
	hapInitCh      chan struct{}
	initOnce       sync.Once
	pendingUpdates sync.Map // queued state updates before HAP init

	mqttClient mqtt.Client

	updateListeners sync.Map
}

// BridgeDevice ties a device handle to its adapter and HomeKit accessory.
type BridgeDevice struct {
	Thermostat *Thermostat
	Climate    *Climate
	Accessory  *thermostatAccessory
}

// Creates and initializes a Bridge.
func NewBridge(ctx context.Context, storeDir string, metrics *Metrics) *Bridge {
	br := &Bridge{
		ctx:         ctx,
		store:       hap.NewFsStore(storeDir),
		metrics:     metrics,
		TopicPrefix: DefaultTopicPrefix,

		hapInitCh: make(chan struct{}),
		devices:   make(map[string]*BridgeDevice),
	}

	br.bridgeAcc = accessory.NewBridge(accessory.Info{
		Name:         "hapmatic Bridge",
		Manufacturer: "hapmatic",
	})

	br.snapshots = br.loadClimateState()

	return br
}

// Sets the PIN code for the HAP server.
// If the given pin is empty, it will be read from the store, or failing that,
// one will be generated
func (br *Bridge) SetPin(pin string) (string, error) {
	// if PIN was not explicitly specified, we re-use the existing one from store
	if pin == "" {
		if storePin, err := br.store.Get(PIN_STORE); err == nil {
			pin = string(storePin)
		}
	}

	savePin := pin == ""

	if pin == "" {
		for {
			rnd, err := rand.Int(rand.Reader, big.NewInt(99999999+1))
			if err != nil {
				return "", fmt.Errorf("can't generate PIN: %v", err)
			}

			// pad if necessary
			pin = rnd.Text(10) + "00000000"
			pin = pin[:8]

			// ensure it's not an insecure PIN
			if !hap.InvalidPins[pin] {
				break
			}
		}
	} else if hap.InvalidPins[pin] {
		return "", fmt.Errorf("insecure pin %s", pin)
	}

	// persist the PIN
	if savePin {
		br.store.Set(PIN_STORE, []byte(pin))
	}

	br.pin = pin
	return pin, nil
}

// Returns the PIN
func (br *Bridge) GetPin() string { return br.pin }

// Initializes the hap.Server and calls ListenAndServe().
// ListenAndServe() will block until the context is cancelled
func (br *Bridge) StartHAP() error {
	if br.bridgeAcc == nil {
		return fmt.Errorf("bridge accessory not created yet")
	}

	// initialize PIN, either from store or dynamically generated
	if br.pin == "" {
		if _, err := br.SetPin(""); err != nil {
			return err
		}
	}

	br.hapInitMutex.Lock()
	if !br.hapInitDone {
		br.hapInitMutex.Unlock()
		return fmt.Errorf("accessories not yet initialized")
	}

	acc := br.accessories()
	br.hapStarted = true
	br.hapInitMutex.Unlock()

	var err error
	br.server, err = hap.NewServer(br.store, br.bridgeAcc.A, acc...)
	if err != nil {
		return err
	}

	br.server.Pin = br.pin

	br.server.Addr = br.ListenAddr
	br.server.Ifaces = br.Interfaces

	if br.DebugMode {
		haplog.Debug.Enable()
	}

	err = br.server.ListenAndServe(br.ctx)

	// disconnect from MQTT
	if br.mqttClient != nil {
		br.mqttClient.Disconnect(1000)
	}

	// flush last known climate state to disk
	if err := br.saveClimateState(); err != nil {
		log.Printf("cannot persist climate state: %s", err)
	}

	return err
}

// Waits until the Bridge has configured itself from the device feed.
// Once that happens, subsequent calls return immediately.
func (br *Bridge) WaitConfigured() {
	br.hapInitMutex.RLock()
	done := br.hapInitDone
	br.hapInitMutex.RUnlock()

	if !done {
		<-br.hapInitCh
	}
}

// Return number of devices added to the bridge.
func (br *Bridge) NumDevices() int {
	br.hapInitMutex.RLock()
	defer br.hapInitMutex.RUnlock()
	return len(br.devices)
}

// Device returns the bridged device for a CCU address.
func (br *Bridge) Device(address string) (*BridgeDevice, bool) {
	br.hapInitMutex.RLock()
	defer br.hapInitMutex.RUnlock()
	d, ok := br.devices[address]
	return d, ok
}

// Climate returns the adapter for a CCU address.
func (br *Bridge) Climate(address string) (*Climate, bool) {
	br.hapInitMutex.RLock()
	defer br.hapInitMutex.RUnlock()
	d, ok := br.devices[address]
	if !ok {
		return nil, false
	}
	return d.Climate, true
}

// Addresses returns the addresses of all bridged devices.
func (br *Bridge) Addresses() []string {
	br.hapInitMutex.RLock()
	defer br.hapInitMutex.RUnlock()
	addrs := make([]string, 0, len(br.devices))
	for a := range br.devices {
		addrs = append(addrs, a)
	}
	return addrs
}

// Connects to the MQTT server.
// Blocks until the connection is established, then auto-reconnect logic takes over
func (br *Bridge) ConnectMQTT() error {
	if br.mqttClient != nil && br.mqttClient.IsConnected() {
		return ErrAlreadyConnected
	}

	opts := mqtt.NewClientOptions().
		AddBroker(br.Server).
		SetUsername(br.Username).
		SetPassword(br.Password).
		SetClientID("hapmatic").
		SetDialer(&net.Dialer{KeepAlive: -1}).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(2 * time.Second).
		SetConnectRetry(true)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Printf("connected to MQTT broker")

		tok := c.Subscribe(br.TopicPrefix+"#", 0, br.handleMqttMessage)
		if tok.Wait() && tok.Error() != nil {
			log.Fatal(tok.Error())
		}

		log.Printf("subscribed to MQTT topic")
	})

	opts.SetConnectionAttemptHandler(func(broker *url.URL, cfg *tls.Config) *tls.Config {
		log.Printf("connecting to MQTT %s...", broker)
		return cfg
	})

	br.mqttClient = mqtt.NewClient(opts)

	if tok := br.mqttClient.Connect(); tok.Wait() && tok.Error() != nil {
		return tok.Error()
	}

	return nil
}

// Loads the persisted climate snapshots from hap.Store.
// A blank or missing state yields an empty map.
func (br *Bridge) loadClimateState() map[string]*ClimateSnapshot {
	snapshots := make(map[string]*ClimateSnapshot)

	state, err := br.store.Get(CLIMATE_STATE_STORE)
	if err != nil || len(state) == 0 {
		return snapshots
	}

	if err := json.Unmarshal(state, &snapshots); err != nil {
		log.Printf("cannot unmarshal climate state: %v", err)
	}

	return snapshots
}

// Persists the last known climate state of every bridged device into
// hap.Store. Devices without usable data carry their previously restored
// snapshot forward.
func (br *Bridge) saveClimateState() error {
	snapshots := make(map[string]*ClimateSnapshot)

	br.hapInitMutex.RLock()
	for address, dev := range br.devices {
		if snap := dev.Climate.Snapshot(); snap != nil {
			snapshots[address] = snap
		}
	}
	br.hapInitMutex.RUnlock()

	// return early if there was nothing to persist
	if len(snapshots) == 0 {
		return nil
	}

	allJson, err := json.Marshal(snapshots)
	if err != nil {
		return err
	}

	return br.store.Set(CLIMATE_STATE_STORE, allJson)
}

// LoadKnownDevices eagerly constructs adapters for devices discovered on a
// previous run, so the bridge can start before the CCU re-announces them.
func (br *Bridge) LoadKnownDevices() error {
	data, err := br.store.Get(KNOWN_DEVICES_STORE)
	if err != nil || len(data) == 0 {
		return nil
	}

	br.hapInitMutex.Lock()
	defer br.hapInitMutex.Unlock()

	if err := br.addThermostatsFromJSON(data); err != nil {
		return err
	}

	if len(br.devices) > 0 {
		br.finishInitLocked()
	}

	return nil
}

func (br *Bridge) saveKnownDevices(devJson []byte) {
	if err := br.store.Set(KNOWN_DEVICES_STORE, devJson); err != nil {
		log.Printf("cannot persist device descriptors: %v", err)
	}
}

// finishInitLocked marks initialization done. Callers hold the write lock.
func (br *Bridge) finishInitLocked() {
	br.hapInitDone = true
	br.initOnce.Do(func() { close(br.hapInitCh) }) // signal to waiting threads
}

func (br *Bridge) handleMqttMessage(_ mqtt.Client, msg mqtt.Message) {
	topic, payload := msg.Topic(), msg.Payload()

	// check for topic prefix and remove it
	l := len(br.TopicPrefix)
	if len(topic) <= l || topic[:l] != br.TopicPrefix {
		return
	}
	topic = topic[l:]

	// strip leading slashes if we have to
	if topic[0] == '/' {
		topic = topic[1:]
	}

	// ignore /set and /get requests, not sent by the CCU
	l = len(topic)
	if l > len("/get") {
		topicSuffix := topic[l-4:]
		if topicSuffix == "/get" || topicSuffix == "/set" {
			return
		}
	}

	// spawn a goroutine to handle message, since mutex might block
	go func() {
		if br.DebugMode {
			log.Printf("received %s: %s", topic, payload)
		}

		if strings.HasPrefix(topic, "bridge/") {
			if topic == "bridge/devices" {
				br.handleDiscovery(payload)
			}
			return
		}

		br.hapInitMutex.RLock()
		inited := br.hapInitDone
		br.hapInitMutex.RUnlock()

		if !inited {
			// queue state messages until the device feed arrives;
			// only the latest message per device is kept
			log.Printf("queueing updates for %s", topic)
			br.pendingUpdates.Store(topic, payload)
			return
		}

		br.updateThermostatState(topic, payload)
	}()
}

// handleDiscovery processes a device announcement. The first announcement
// (or the descriptors restored at startup) defines the accessory set; once
// the HAP server runs, new addresses are only recorded for the next start.
func (br *Bridge) handleDiscovery(payload []byte) {
	br.hapInitMutex.Lock()

	if br.hapStarted {
		br.hapInitMutex.Unlock()
		br.logLateDiscovery(payload)
		br.saveKnownDevices(payload)
		return
	}

	if err := br.addThermostatsFromJSON(payload); err != nil {
		br.hapInitMutex.Unlock()
		log.Printf("unable to add devices from JSON: %v", err)
		return
	}

	br.saveKnownDevices(payload)

	// dequeue and apply state updates received before the device feed
	log.Print("applying deferred updates...")
	br.pendingUpdates.Range(func(k, v any) bool {
		br.updateThermostatStateLocked(k.(string), v.([]byte))
		br.pendingUpdates.Delete(k)
		return true // continue
	})

	br.finishInitLocked()
	br.hapInitMutex.Unlock()
}

func (br *Bridge) logLateDiscovery(payload []byte) {
	var infos []ThermostatInfo
	if err := json.Unmarshal(payload, &infos); err != nil {
		log.Printf("unable to parse device announcement: %v", err)
		return
	}

	br.hapInitMutex.RLock()
	defer br.hapInitMutex.RUnlock()

	for _, info := range infos {
		if _, exists := br.devices[info.Address]; !exists && info.Type == "climate" && !info.Disabled {
			log.Printf("new device %q announced after startup; restart to bridge it", info.Address)
		}
	}
}

// Gets a list of all added accessories. Callers hold hapInitMutex.
func (br *Bridge) accessories() []*accessory.A {
	var acc []*accessory.A
	for _, d := range br.devices {
		acc = append(acc, d.Accessory.A)
	}
	return acc
}

// AddThermostatsFromJSON parses a device announcement payload and adds one
// adapter per climate-capable descriptor. Known addresses and non-climate
// devices are skipped.
func (br *Bridge) AddThermostatsFromJSON(devJson []byte) error {
	br.hapInitMutex.Lock()
	defer br.hapInitMutex.Unlock()
	return br.addThermostatsFromJSON(devJson)
}

func (br *Bridge) addThermostatsFromJSON(devJson []byte) error {
	var infos []ThermostatInfo
	if err := json.Unmarshal(devJson, &infos); err != nil {
		return err
	}

	for _, info := range infos {
		t, err := NewThermostat(info, br)
		if err != nil {
			if err == ErrDeviceSkipped || err == ErrDeviceNotClimate {
				continue
			}
			return fmt.Errorf("cannot create thermostat %q: %w", info.Address, err)
		}

		if err := br.addThermostat(t); err != nil {
			if err == ErrDeviceExists {
				continue
			}
			return fmt.Errorf("cannot add thermostat %q: %w", info.Address, err)
		}
	}

	return nil
}

// AddThermostat constructs the adapter and HomeKit accessory for a device
// handle and registers them. At most one adapter exists per address.
func (br *Bridge) AddThermostat(t *Thermostat) error {
	br.hapInitMutex.Lock()
	defer br.hapInitMutex.Unlock()
	return br.addThermostat(t)
}

func (br *Bridge) addThermostat(t *Thermostat) error {
	address := t.Address()
	if _, exists := br.devices[address]; exists {
		return ErrDeviceExists
	}

	climate := NewClimate(t, br.snapshots[address], br.metrics)
	acc := newThermostatAccessory(t.Info)

	// wire up remote value updates from HomeKit controllers
	acc.Thermostat.TargetTemperature.C.SetValueRequestFunc = func(newVal any, req *http.Request) (any, int) {
		// handle remote value updates only
		if req == nil {
			return nil, 0
		}
		temp, ok := valToFloat64(newVal)
		if !ok {
			return nil, hap.JsonStatusInvalidValueInRequest
		}
		if err := climate.SetTemperature(br.ctx, &temp); err != nil {
			log.Printf("error setting temperature for %s: %s", t.Name(), err)
			br.metrics.commandFailed("set_temperature")
			return nil, hap.JsonStatusServiceCommunicationFailure
		}
		return nil, 0
	}

	acc.Thermostat.TargetHeatingCoolingState.C.SetValueRequestFunc = func(newVal any, req *http.Request) (any, int) {
		if req == nil {
			return nil, 0
		}
		state, ok := valToInt(newVal)
		if !ok {
			return nil, hap.JsonStatusInvalidValueInRequest
		}
		mode, ok := targetStateToHvacMode[state]
		if !ok {
			return nil, hap.JsonStatusInvalidValueInRequest
		}
		if err := climate.SetHvacMode(br.ctx, mode); err != nil {
			log.Printf("error setting hvac mode for %s: %s", t.Name(), err)
			br.metrics.commandFailed("set_hvac_mode")
			return nil, hap.JsonStatusServiceCommunicationFailure
		}
		return nil, 0
	}

	// reads report a communication failure while neither live nor
	// restored data exists
	wireRead := func(c *characteristic.C, available func() bool) {
		c.ValueRequestFunc = func(req *http.Request) (any, int) {
			if !available() {
				return c.Val, hap.JsonStatusServiceCommunicationFailure
			}
			return c.Val, 0
		}
	}
	wireRead(acc.Thermostat.CurrentTemperature.C, func() bool {
		_, ok := climate.CurrentTemperature()
		return ok
	})
	wireRead(acc.Thermostat.TargetTemperature.C, func() bool {
		_, ok := climate.TargetTemperature()
		return ok
	})
	wireRead(acc.Thermostat.TargetHeatingCoolingState.C, func() bool {
		_, ok := climate.HvacMode()
		return ok
	})

	// seed characteristics from the restored snapshot, if any
	acc.refresh(climate)

	br.devices[address] = &BridgeDevice{
		Thermostat: t,
		Climate:    climate,
		Accessory:  acc,
	}
	br.metrics.deviceAdded()

	return nil
}

// Handle an MQTT state message for a single device
func (br *Bridge) updateThermostatState(address string, payload []byte) {
	br.hapInitMutex.RLock()
	defer br.hapInitMutex.RUnlock()
	br.updateThermostatStateLocked(address, payload)
}

// updateThermostatStateLocked requires the caller to hold hapInitMutex, so
// device additions never race against the map read here.
func (br *Bridge) updateThermostatStateLocked(address string, payload []byte) {
	dev := br.devices[address]
	if dev == nil {
		if br.DebugMode || BRIDGE_DEVMODE {
			log.Printf("unknown device %q", address)
		}

		// skip unknown device
		return
	}

	if br.DebugMode || (!br.QuietMode && time.Since(dev.Thermostat.LastSeen()) > 30*time.Second) {
		log.Printf("received update for device %q", address)
	}

	update, err := dev.Thermostat.applyState(payload)
	if err != nil {
		log.Printf("unable to parse JSON payload: %v", err)
		return
	}
	br.metrics.stateUpdate()

	// acknowledge in-flight writes waiting for their echo
	for _, prop := range []string{PropTargetTemperature, PropHvacMode, PropPresetMode} {
		val, present := update.echoValue(prop)
		if !present {
			continue
		}

		key := address + "/" + prop
		if ch, waiting := br.updateListeners.Load(key); waiting {
			if BRIDGE_DEVMODE {
				log.Printf("sending new value for %q via chan", key)
			}
			select {
			case ch.(chan any) <- val:
			default:
				// couldn't send message
				log.Printf("cannot deliver updated value via channel")
			}
		}
	}

	dev.Accessory.refresh(dev.Climate)
}

// SetDeviceValue writes a single device property over MQTT.
// It then waits (with timeout) for the CCU to report the updated state, as
// acknowledgement of receipt, before returning.
// If the CCU doesn't respond in time, ErrUpdateTimeout is returned.
func (br *Bridge) SetDeviceValue(ctx context.Context, t *Thermostat, property string, value any) error {
	// never closed: a state echo may load the channel right before it is
	// removed from the listener map and deliver after this returns
	ch := make(chan any, 2)

	// only one update should occur at a time per property
	key := t.Address() + "/" + property
	if _, exists := br.updateListeners.LoadOrStore(key, ch); exists {
		return fmt.Errorf("already a pending update on property %s", key)
	}
	defer br.updateListeners.Delete(key)

	ctx, cancel := context.WithTimeout(ctx, HM_UPDATE_TIMEOUT)
	defer cancel()

	if br.DebugMode {
		log.Printf("updating device state %q -> %+v", key, value)
	}
	if err := br.publishCommand(t, map[string]any{property: value}); err != nil {
		return err
	}

	for {
		select {
		case updatedVal := <-ch:
			if BRIDGE_DEVMODE {
				log.Printf("received value %v (expected %v) for %s", updatedVal, value, key)
			}
			// echoed temperatures arrive as float64 regardless of
			// what was sent
			if updatedVal == value || cmpFloat64(updatedVal, value) {
				return nil
			}

		case <-ctx.Done():
			return ErrUpdateTimeout
		}
	}
}

// SendDeviceCommand publishes a command payload without waiting for an
// acknowledgement; away-mode scheduling has no state echo.
func (br *Bridge) SendDeviceCommand(_ context.Context, t *Thermostat, payload map[string]any) error {
	return br.publishCommand(t, payload)
}

// Publish to the MQTT broker for the specific device
func (br *Bridge) publishCommand(t *Thermostat, payload map[string]any) error {
	topic := br.TopicPrefix + t.Address() + "/set"
	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if br.DebugMode {
		log.Printf("publishing %s: %s", topic, jsonPayload)
	}

	br.mqttClient.Publish(topic, 0, false, jsonPayload)
	return nil
}

// Compare two values as float64, since JSON numbers may arrive with a
// different concrete type than the one sent.
func cmpFloat64(a, b any) bool {
	af, aok := valToFloat64(a)
	bf, bok := valToFloat64(b)
	return aok && bok && af == bf
}

// Converts numeric values to float64, if possible
// Returns the converted float64 value and a bool indicating if it was successful.
func valToFloat64(v any) (float64, bool) {
	val := reflect.ValueOf(v)
	switch {
	case val.CanInt():
		return float64(val.Int()), true
	case val.CanUint():
		return float64(val.Uint()), true
	case val.CanFloat():
		return val.Float(), true
	}
	return 0, false
}

// Converts numeric values to int, for characteristics with integer formats.
func valToInt(v any) (int, bool) {
	f, ok := valToFloat64(v)
	return int(f), ok
}
