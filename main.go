package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/RoanBrand/ChargerCaseCommsProtocol/bus"
	"github.com/RoanBrand/ChargerCaseCommsProtocol/casechannel"
	"github.com/RoanBrand/ChargerCaseCommsProtocol/comwrapper"
	"github.com/RoanBrand/ChargerCaseCommsProtocol/config"
	"github.com/RoanBrand/ChargerCaseCommsProtocol/journal"
	"github.com/RoanBrand/ChargerCaseCommsProtocol/logging"
	"github.com/RoanBrand/ChargerCaseCommsProtocol/wire"
)

const retryDelay = 5 * time.Second

type options struct {
	configPath string
	role       string
	port       string
	driver     string
	logLevel   string

	at       string
	atDest   string
	poll     string
	pollN    int
	pollEach time.Duration

	// Case-info commands, case role only.
	reset        string
	reboot       bool
	loopback     string
	loopbackData string
	shipping     string
	pair         string
	xstatus      string
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "config file (default config.json in the working directory or next to the executable)")
	flag.StringVar(&o.role, "role", "", "device to act as: case, left or right")
	flag.StringVar(&o.port, "port", "", "serial port name")
	flag.StringVar(&o.driver, "driver", "", "serial driver: tarm or bugst")
	flag.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error")
	flag.StringVar(&o.at, "at", "", "AT command to send once the port is open")
	flag.StringVar(&o.atDest, "at-dest", "left", "destination of -at")
	flag.StringVar(&o.poll, "poll", "", "device to poll once the port is open")
	flag.IntVar(&o.pollN, "poll-count", 5, "polls in a -poll burst")
	flag.DurationVar(&o.pollEach, "poll-period", 20*time.Millisecond, "time between polls")
	flag.StringVar(&o.reset, "reset", "", "earbud to reset once the port is open (case role)")
	flag.BoolVar(&o.reboot, "reboot", false, "make -reset a reboot")
	flag.StringVar(&o.loopback, "loopback", "", "earbud to send a loopback test to (case role)")
	flag.StringVar(&o.loopbackData, "loopback-data", "LOOPBACK", "payload of -loopback")
	flag.StringVar(&o.shipping, "shipping", "", "earbud to put in shipping mode (case role)")
	flag.StringVar(&o.pair, "pair", "", "earbud to ask for handset pairing (case role)")
	flag.StringVar(&o.xstatus, "xstatus", "", "earbud to ask for its Bluetooth address (case role)")
	flag.Parse()

	logs := logging.NewManager()
	defer func() { _ = logs.Close() }()

	cfg, err := loadConfig(o)
	if err != nil {
		logs.Logger("main").Error("load config", "error", err)
		os.Exit(1)
	}
	if err := logs.Configure(cfg.Logging); err != nil {
		logs.Logger("main").Error("configure logging", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, o, logs); err != nil {
		logs.Logger("main").Error("exit", "error", err)
		os.Exit(1)
	}
}

func loadConfig(o options) (config.AppConfig, error) {
	path := o.configPath
	if path == "" {
		var err error
		if path, err = config.Locate(config.DefaultFileName); err != nil {
			return config.AppConfig{}, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.AppConfig{}, err
	}

	if o.role != "" {
		cfg.Role = config.Role(o.role)
	}
	if o.port != "" {
		cfg.Serial.Port = o.port
	}
	if o.driver != "" {
		cfg.Serial.Driver = o.driver
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	return cfg, cfg.Validate()
}

func parseDevice(name string) (wire.Device, error) {
	dev, err := config.Role(name).Device()
	if err != nil {
		return 0, fmt.Errorf("unknown device %q", name)
	}
	return dev, nil
}

func run(ctx context.Context, cfg config.AppConfig, o options, logs *logging.Manager) error {
	log := logs.Logger("main")

	msgBus := bus.New(logs.Logger("bus"))
	defer msgBus.Close()

	if cfg.Journal.Path != "" {
		store, err := journal.Open(ctx, cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		sub := msgBus.Subscribe(bus.TopicLinkEvent, bus.TopicStats)
		go journal.Sync(ctx, store, sub, logs.Logger("journal"))
	}

	n, err := newNode(cfg, msgBus, logs.Base())
	if err != nil {
		return err
	}
	if err := addStartup(n, o); err != nil {
		return err
	}

	settings := comwrapper.SettingsFor(cfg.Serial.Port, n.tr.Settings(), cfg.Serial.ReadTimeout())
	open := func(s comwrapper.Settings) (comwrapper.Port, error) {
		return comwrapper.Open(cfg.Serial.Driver, s)
	}
	for {
		port, err := comwrapper.OpenWithRetry(ctx, open, settings, retryDelay, log)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		err = n.serve(ctx, port)
		if ctx.Err() != nil {
			return nil
		}
		log.Error("link failed, retrying", "port", cfg.Serial.Port, "error", err, "in", retryDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retryDelay):
		}
	}
}

func addStartup(n *node, o options) error {
	if o.at != "" {
		dest, err := parseDevice(o.atDest)
		if err != nil {
			return err
		}
		n.startup = append(n.startup, func() error { return n.ccp.ATCommand(dest, o.at) })
	}
	if o.poll != "" {
		dev, err := parseDevice(o.poll)
		if err != nil {
			return err
		}
		n.startup = append(n.startup, func() error { return n.ccp.Poll(dev, o.pollN, o.pollEach) })
	}

	commands := []struct {
		flag, dev string
		fn        func(h *casechannel.CaseHandler, dev wire.Device) error
	}{
		{"reset", o.reset, func(h *casechannel.CaseHandler, dev wire.Device) error { return h.Reset(dev, o.reboot) }},
		{"loopback", o.loopback, func(h *casechannel.CaseHandler, dev wire.Device) error {
			return h.Loopback(dev, []byte(o.loopbackData))
		}},
		{"shipping", o.shipping, (*casechannel.CaseHandler).ShippingMode},
		{"pair", o.pair, (*casechannel.CaseHandler).HandsetPairing},
		{"xstatus", o.xstatus, func(h *casechannel.CaseHandler, dev wire.Device) error {
			return h.RequestXStatus(dev, casechannel.InfoBTAddress)
		}},
	}
	for _, c := range commands {
		if c.dev == "" {
			continue
		}
		if n.caseInfo == nil {
			return fmt.Errorf("-%s needs the case role", c.flag)
		}
		dev, err := parseDevice(c.dev)
		if err != nil {
			return err
		}
		if dev != wire.Left && dev != wire.Right {
			return fmt.Errorf("-%s: %s is not an earbud", c.flag, dev)
		}
		fn, h := c.fn, n.caseInfo
		n.startup = append(n.startup, func() error { return fn(h, dev) })
	}
	return nil
}

