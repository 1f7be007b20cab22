package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/RoanBrand/ChargerCaseCommsProtocol/bus"
	"github.com/RoanBrand/ChargerCaseCommsProtocol/casechannel"
	"github.com/RoanBrand/ChargerCaseCommsProtocol/ccp"
	"github.com/RoanBrand/ChargerCaseCommsProtocol/chargercomms"
	"github.com/RoanBrand/ChargerCaseCommsProtocol/comwrapper"
	"github.com/RoanBrand/ChargerCaseCommsProtocol/config"
	"github.com/RoanBrand/ChargerCaseCommsProtocol/dfu"
	"github.com/RoanBrand/ChargerCaseCommsProtocol/journal"
	"github.com/RoanBrand/ChargerCaseCommsProtocol/wire"
)

const (
	statsInterval = time.Second

	// Where the in-memory firmware slot starts.
	dfuSlotBase = 0x08020000
)

// node is this host's device on the wire and the channels it serves.
type node struct {
	cfg  config.AppConfig
	self wire.Device
	tr   *chargercomms.Transport
	ccp  *ccp.CCP
	pub  journal.Publisher
	log  *slog.Logger

	caseInfo *casechannel.CaseHandler
	earbud   *casechannel.EarbudHandler
	dts      *dtsConsole
	dfu      *dfu.Handler

	// Run once each time the port comes up.
	startup []func() error
}

func newNode(cfg config.AppConfig, pub journal.Publisher, log *slog.Logger) (*node, error) {
	self, err := cfg.Role.Device()
	if err != nil {
		return nil, err
	}
	n := &node{cfg: cfg, self: self, pub: pub, log: log.With("component", "node")}

	n.tr = chargercomms.New(chargercomms.Config{Self: self, Logger: log})
	if err := configureUart(n.tr, cfg.Serial); err != nil {
		return nil, err
	}
	n.ccp = ccp.New(n.tr, ccp.Config{
		Self:         self,
		MaxRetries:   cfg.CCP.MaxRetries,
		RetryTimeout: cfg.CCP.RetryTimeout(),
		Logger:       log,
	})

	var caseInfo ccp.Observer
	if self == wire.Case {
		n.dfu = dfu.NewHandler(n.ccp, dfu.Config{
			Target:  dfu.NewMemTarget(dfuSlotBase, uint32(cfg.Case.SlotSize)),
			Variant: cfg.Case.Variant,
			Allow:   n.caseIdle,
			Done:    n.dfuDone,
			Logger:  log,
		})
		report := caseReport{log: log.With("component", "report"), dfu: n.dfu}
		n.caseInfo = casechannel.NewCaseHandler(n.ccp, report, log)
		n.caseInfo.SetSerial(cfg.Case.SerialNumber)
		caseInfo = n.caseInfo
		if err := n.ccp.RegisterChannel(journal.NewTap(n.dfu, wire.ChannelDFU, pub, nil), wire.ChannelDFU); err != nil {
			return nil, err
		}
	} else {
		n.earbud = casechannel.NewEarbudHandler(n.ccp, log)
		caseInfo = n.earbud
	}
	n.dts = newDTSConsole(n.ccp, self, log)

	if err := n.ccp.RegisterChannel(journal.NewTap(caseInfo, wire.ChannelCaseInfo, pub, nil), wire.ChannelCaseInfo); err != nil {
		return nil, err
	}
	if err := n.ccp.RegisterChannel(journal.NewTap(n.dts, wire.ChannelDTS, pub, nil), wire.ChannelDTS); err != nil {
		return nil, err
	}
	return n, nil
}

func configureUart(tr *chargercomms.Transport, s config.SerialConfig) error {
	parity := map[string]chargercomms.Parity{
		"none": chargercomms.ParityNone,
		"odd":  chargercomms.ParityOdd,
		"even": chargercomms.ParityEven,
	}[strings.ToLower(s.Parity)]

	settings := []struct {
		key   chargercomms.UartKey
		value uint32
	}{
		{chargercomms.UartBaudRate, uint32(s.Baud)},
		{chargercomms.UartParity, uint32(parity)},
		{chargercomms.UartStopBits, uint32(s.StopBits)},
		{chargercomms.UartTxTimeout, uint32(s.TxTimeoutMs)},
		{chargercomms.UartRxIdleTimeout, uint32(s.RxIdleTimeoutMs)},
		{chargercomms.UartReplyDelay, uint32(s.ReplyDelayUs)},
		{chargercomms.UartDebuggerEnable, boolToUint(s.Debugger)},
		{chargercomms.UartCompatMode, boolToUint(s.CompatMode)},
	}
	for _, kv := range settings {
		if err := tr.Configure(kv.key, kv.value); err != nil {
			return fmt.Errorf("configure uart: %w", err)
		}
	}
	return nil
}

func boolToUint(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// up enables the transport and restarts the sequence numbers of this
// device's links, so peers accept its numbering after a restart.
func (n *node) up(port io.Writer) error {
	if err := n.tr.Enable(port); err != nil {
		return err
	}
	if !n.ccp.ResetLink() {
		n.log.Warn("sequence reset not sent")
	}
	return nil
}

// serve runs the link on port until ctx is done or the port fails.
// It owns the transport and CCP for its whole run.
func (n *node) serve(ctx context.Context, port io.ReadWriter) error {
	if err := n.up(port); err != nil {
		return err
	}
	defer func() {
		if err := n.tr.Disable(); err != nil {
			n.log.Warn("disable transport", "error", err)
		}
	}()

	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	rx := make(chan []byte, 64)
	pumpErr := make(chan error, 1)
	go func() { pumpErr <- comwrapper.Pump(pumpCtx, port, rx) }()

	for _, fn := range n.startup {
		if err := fn(); err != nil {
			n.log.Warn("startup action", "error", err)
		}
	}

	tick := time.NewTicker(n.cfg.CCP.Tick())
	defer tick.Stop()
	status := time.NewTicker(n.cfg.CCP.StatusInterval())
	defer status.Stop()
	stats := time.NewTicker(statsInterval)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-pumpErr:
			return fmt.Errorf("serial read: %w", err)
		case b := <-rx:
			n.tr.Feed(b)
		case <-tick.C:
			n.step()
		case <-status.C:
			n.statusRound()
		case <-stats.C:
			n.pub.TryPublish(bus.TopicStats, journal.StatsSample{At: time.Now(), Stats: n.tr.Stats()})
		}
	}
}

func (n *node) step() {
	n.ccp.Periodic()
	if n.caseInfo != nil {
		if err := n.caseInfo.Service(); err != nil {
			n.log.Warn("case command", "error", err)
		}
		n.dfu.Periodic()
	}
	if n.earbud != nil {
		if err := n.earbud.Service(); err != nil {
			n.log.Warn("case-info response", "error", err)
		}
		if requested, reboot := n.earbud.ResetRequested(); requested {
			n.log.Info("case requested reset", "reboot", reboot)
		}
	}
	if err := n.dts.Service(); err != nil {
		n.log.Warn("at reply", "error", err)
	}
}

// statusRound asks both earbuds for their status and broadcasts what the
// case knows of them.
func (n *node) statusRound() {
	if n.caseInfo == nil || n.dfu.Running() {
		return
	}
	for _, dev := range wire.Earbuds {
		err := n.caseInfo.RequestStatus(dev)
		if err != nil && !retryLater(err) {
			n.log.Warn("status request", "dev", dev, "error", err)
		}
	}

	left, right := n.caseInfo.State(wire.Left), n.caseInfo.State(wire.Right)
	st := casechannel.Status{
		Full:          true,
		LeftBattery:   left.Status.Battery,
		RightBattery:  right.Status.Battery,
		LeftCharging:  left.Status.Charging,
		RightCharging: right.Status.Charging,
	}
	err := n.caseInfo.BroadcastStatus(st)
	if err != nil && !retryLater(err) {
		n.log.Warn("status broadcast", "error", err)
	}
}

// caseIdle reports no case-info exchange is waiting on an earbud, so a
// firmware update may start.
func (n *node) caseIdle() bool {
	for _, dev := range wire.Earbuds {
		if n.ccp.Pending(wire.ChannelCaseInfo, dev) {
			return false
		}
	}
	return true
}

func (n *node) dfuDone(dev wire.Device, err error) {
	if err != nil {
		n.log.Warn("firmware update failed", "dev", dev, "error", err)
		return
	}
	n.log.Info("firmware updated", "dev", dev)
}

// The next status round tries again.
func retryLater(err error) bool {
	return errors.Is(err, ccp.ErrBusy) || errors.Is(err, ccp.ErrNotAdmitted)
}

// caseReport logs what the earbuds tell the case and passes firmware
// update offers on.
type caseReport struct {
	log *slog.Logger
	dfu *dfu.Handler
}

func (r caseReport) EarbudStatus(dev wire.Device, st casechannel.EarbudStatus) {
	r.log.Info("earbud status", "dev", dev, "battery", st.Battery, "charging", st.Charging, "rate", st.ChargeRate)
	r.dfu.EarbudStatus(dev, st.DFUAvailable)
}

func (r caseReport) Loopback(dev wire.Device, ok bool) {
	r.log.Info("loopback", "dev", dev, "match", ok)
}

func (r caseReport) ShippingMode(dev wire.Device, accepted bool) {
	r.log.Info("shipping mode", "dev", dev, "accepted", accepted)
}

func (r caseReport) HandsetPairing(dev wire.Device, accepted bool) {
	r.log.Info("handset pairing", "dev", dev, "accepted", accepted)
}

func (r caseReport) BTAddress(dev wire.Device, addr casechannel.BTAddress) {
	r.log.Info("bt address", "dev", dev, "addr", addr.String())
}

func (r caseReport) Unreachable(dev wire.Device) {
	r.log.Warn("earbud unreachable", "dev", dev)
}
