// Serial port drivers carrying the charger comms wire to the host tool.

package comwrapper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/RoanBrand/ChargerCaseCommsProtocol/chargercomms"
	tarm "github.com/tarm/serial"
	bugst "go.bug.st/serial"
)

const (
	DriverTarm  = "tarm"
	DriverBugst = "bugst"

	DefaultRetryInterval = 5 * time.Second
)

var ErrUnknownDriver = errors.New("comwrapper: unknown serial driver")

// Port is an open serial port.
type Port interface {
	io.ReadWriteCloser
	Flush() error
}

// Settings is what a driver needs to open the port.
type Settings struct {
	Name        string
	Baud        int
	Parity      chargercomms.Parity
	StopBits    uint8
	ReadTimeout time.Duration
}

// SettingsFor takes the line settings from the transport's UART state.
func SettingsFor(name string, u chargercomms.UartSettings, readTimeout time.Duration) Settings {
	return Settings{
		Name:        name,
		Baud:        int(u.BaudRate),
		Parity:      u.Parity,
		StopBits:    u.StopBits,
		ReadTimeout: readTimeout,
	}
}

func tarmConfig(s Settings) *tarm.Config {
	c := &tarm.Config{Name: s.Name, Baud: s.Baud, ReadTimeout: s.ReadTimeout, Size: 8}
	switch s.Parity {
	case chargercomms.ParityOdd:
		c.Parity = tarm.ParityOdd
	case chargercomms.ParityEven:
		c.Parity = tarm.ParityEven
	default:
		c.Parity = tarm.ParityNone
	}
	if s.StopBits == 2 {
		c.StopBits = tarm.Stop2
	} else {
		c.StopBits = tarm.Stop1
	}
	return c
}

func bugstMode(s Settings) *bugst.Mode {
	m := &bugst.Mode{BaudRate: s.Baud, DataBits: 8}
	switch s.Parity {
	case chargercomms.ParityOdd:
		m.Parity = bugst.OddParity
	case chargercomms.ParityEven:
		m.Parity = bugst.EvenParity
	default:
		m.Parity = bugst.NoParity
	}
	if s.StopBits == 2 {
		m.StopBits = bugst.TwoStopBits
	} else {
		m.StopBits = bugst.OneStopBit
	}
	return m
}

type tarmPort struct {
	*tarm.Port
}

// A read that timed out comes back from tarm as io.EOF with nothing read.
func (p tarmPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if n == 0 && errors.Is(err, io.EOF) {
		return 0, nil
	}
	return n, err
}

func OpenTarm(s Settings) (Port, error) {
	p, err := tarm.OpenPort(tarmConfig(s))
	if err != nil {
		return nil, fmt.Errorf("open serial port %q: %w", s.Name, err)
	}
	return tarmPort{p}, nil
}

type bugstPort struct {
	bugst.Port
}

func (p bugstPort) Flush() error {
	if err := p.ResetInputBuffer(); err != nil {
		return err
	}
	return p.ResetOutputBuffer()
}

func OpenBugst(s Settings) (Port, error) {
	p, err := bugst.Open(s.Name, bugstMode(s))
	if err != nil {
		return nil, fmt.Errorf("open serial port %q: %w", s.Name, err)
	}
	if s.ReadTimeout > 0 {
		if err := p.SetReadTimeout(s.ReadTimeout); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("set read timeout: %w", err)
		}
	}
	return bugstPort{p}, nil
}

// Open opens the port with the named driver.
func Open(driver string, s Settings) (Port, error) {
	switch driver {
	case DriverTarm, "":
		return OpenTarm(s)
	case DriverBugst:
		return OpenBugst(s)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
}

// Opener opens a port. Open with a bound driver satisfies it.
type Opener func(Settings) (Port, error)

// OpenWithRetry keeps trying to open the port every interval until it
// succeeds or ctx is done. Only the first failure is logged.
func OpenWithRetry(ctx context.Context, open Opener, s Settings, interval time.Duration, log *slog.Logger) (Port, error) {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	if log == nil {
		log = slog.Default()
	}
	firstTryDone := false
	for {
		p, err := open(s)
		if err == nil {
			log.Info("serial port open", "port", s.Name, "baud", s.Baud)
			return p, nil
		}
		if errors.Is(err, ErrUnknownDriver) {
			return nil, err
		}
		if !firstTryDone {
			log.Warn("error opening serial port, retrying", "port", s.Name, "every", interval, "error", err)
			firstTryDone = true
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Pump reads r until it fails or ctx is done, sending each chunk read to out.
// Empty reads from a port read timeout are skipped.
func Pump(ctx context.Context, r io.Reader, out chan<- []byte) error {
	buf := make([]byte, 256)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case out <- append([]byte(nil), buf[:n]...):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil {
			return err
		}
	}
}
