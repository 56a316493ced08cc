package main

import (
	"hapmatic"

	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"runtime/debug"
	"strings"
	"syscall"
)

var (
	// matches whole line comments in config file
	CONFIG_COMMENTS_RE = regexp.MustCompile(`(?m)^\s*//.*$`)

	// for MQTT server URI validation
	SERVER_URL_RE = regexp.MustCompile(`^[a-z]+://.*:[0-9]{1,5}$`)
)

var (
	configFile = flag.String("config", "/etc/hapmatic.conf", "config file")
	dbPath     = flag.String("db", "/var/lib/hapmatic/db", "db path")
	debugMode  = flag.Bool("debug", false, "enable debug messages")
	quietMode  = flag.Bool("quiet", false, "reduce verbosity by not showing received updates")
)

// config struct
type config struct {
	ListenAddr string
	Interfaces []string

	// address of the away-mode command and metrics API
	ApiListenAddr string

	Pin string

	Server, Username, Password, TopicPrefix string
}

func parseConfig(fname string) (cfg *config, err error) {
	cfgStr, err := os.ReadFile(fname)
	if err != nil {
		return
	}

	// remove line comments, json.Unmarshal can't parse them
	cfgStr = CONFIG_COMMENTS_RE.ReplaceAllLiteral(cfgStr, []byte{})

	cfg = &config{
		TopicPrefix:   hapmatic.DefaultTopicPrefix,
		ApiListenAddr: ":8095",
	}
	if err = json.Unmarshal(cfgStr, cfg); err != nil {
		return
	}

	// sanity check
	if cfg.Server == "" {
		err = fmt.Errorf("MQTT server not specified")
	} else if !SERVER_URL_RE.MatchString(cfg.Server) {
		err = fmt.Errorf("invalid MQTT server: needs to be in URL format with port")
	}

	return
}

func readVcsRevision() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		return info.Main.Version
	}
	return "?"
}

func main() {
	versionStr := fmt.Sprintf("hapmatic version %s", readVcsRevision())

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), versionStr+"\n"+
			"HomeKit <-> Homematic(IP) thermostat bridge\n"+
			"\nUsage: %s [options...]\n",
			filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}

	flag.Parse()

	// check if we are running under systemd, and if so, dont output timestamps
	if a, b := os.Getenv("INVOCATION_ID"), os.Getenv("JOURNAL_STREAM"); a != "" && b != "" {
		log.SetFlags(0)
	}

	cfg, err := parseConfig(*configFile)
	if err != nil {
		log.Fatalf("config file error: %v", err)
	}

	if *debugMode && *quietMode {
		log.Fatalf("-quiet and -debug options are mutually-exclusive")
	}

	ctx, shutdown := context.WithCancel(context.Background())

	metrics := hapmatic.NewMetrics()

	br := hapmatic.NewBridge(ctx, *dbPath, metrics)
	br.Server = cfg.Server
	br.Username = cfg.Username
	br.Password = cfg.Password
	br.DebugMode = *debugMode
	br.QuietMode = *quietMode

	if _, err := br.SetPin(cfg.Pin); err != nil {
		log.Fatalf("cannot set PIN code: %v", err)
	}

	// validate ListenAddr if specified
	if cfg.ListenAddr != "" {
		_, _, err := net.SplitHostPort(cfg.ListenAddr)
		if err != nil {
			log.Fatalf("invalid ListenAddr: %v", err)
		}
		br.ListenAddr = cfg.ListenAddr
	}

	// validate that TopicPrefix is valid (must end in a /)
	if cfg.TopicPrefix != "" {
		if !strings.HasSuffix(cfg.TopicPrefix, "/") {
			log.Fatalf("invalid TopicPrefix: must end with a /")
		}
		br.TopicPrefix = cfg.TopicPrefix
	}

	br.Interfaces = cfg.Interfaces

	log.Println(versionStr)

	// pick up thermostats announced on previous runs, so the bridge can
	// serve them before the CCU re-announces
	if err := br.LoadKnownDevices(); err != nil {
		log.Printf("cannot restore known devices: %v", err)
	}

	err = br.ConnectMQTT()
	if err != nil {
		log.Printf("cannot connect to MQTT: %s", err)
		return
	}

	// listen for termination signals
	c := make(chan os.Signal, 1) // use `1` here to appease go vet: https://github.com/golang/go/issues/45604
	signal.Notify(c, os.Interrupt)
	signal.Notify(c, syscall.SIGTERM)
	go func() {
		<-c
		signal.Stop(c)
		shutdown()
	}()

	br.WaitConfigured()
	if br.NumDevices() == 0 {
		log.Println("No devices added to bridge. Refusing to start.")
		return
	}

	log.Printf("hapmatic configured with %d thermostats", br.NumDevices())

	// away-mode commands and metrics
	if cfg.ApiListenAddr != "" {
		api := &http.Server{
			Addr:    cfg.ApiListenAddr,
			Handler: hapmatic.NewCommandServer(br, metrics).Handler(),
		}
		go func() {
			if err := api.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("command API error: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			api.Close()
		}()
	}

	pin := br.GetPin()
	log.Printf("server PIN is %s-%s", pin[:4], pin[4:])

	err = br.StartHAP()
	if err != nil {
		if err == http.ErrServerClosed {
			log.Printf("HAP server was shutdown")
		} else {
			log.Printf("error starting server: %v", err)
		}
	}
}
