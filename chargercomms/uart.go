package chargercomms

import (
	"fmt"
	"strconv"
	"time"

	"github.com/RoanBrand/ChargerCaseCommsProtocol/wire"
)

// UartKey selects the charger comms UART setting changed by Configure.
type UartKey uint8

const (
	UartRxEnable UartKey = iota
	UartDeviceID
	UartBaudRate
	UartParity
	UartStopBits
	UartTxTimeout
	UartRxIdleTimeout
	UartSuppressChargerDetect
	UartReplyDelay
	UartDebuggerEnable
	UartCompatMode
)

func (k UartKey) String() string {
	switch k {
	case UartRxEnable:
		return "rx_enable"
	case UartDeviceID:
		return "device_id"
	case UartBaudRate:
		return "baud_rate"
	case UartParity:
		return "parity"
	case UartStopBits:
		return "stop_bits"
	case UartTxTimeout:
		return "tx_timeout"
	case UartRxIdleTimeout:
		return "rx_idle_timeout"
	case UartSuppressChargerDetect:
		return "suppress_charger_detect"
	case UartReplyDelay:
		return "reply_delay"
	case UartDebuggerEnable:
		return "debugger_enable"
	case UartCompatMode:
		return "compat_mode"
	}
	return "key(" + strconv.Itoa(int(k)) + ")"
}

// Parity of the charger comms UART.
type Parity uint8

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
)

const (
	DefaultBaudRate      = 115200
	DefaultTxTimeout     = 100 * time.Millisecond
	DefaultRxIdleTimeout = 20 * time.Millisecond
)

// UartSettings is the state behind the Configure keys.
// Baud rate, parity and stop bits take effect when the port is next opened.
type UartSettings struct {
	RxEnable              bool
	Device                wire.Device
	BaudRate              uint32
	Parity                Parity
	StopBits              uint8
	TxTimeout             time.Duration
	RxIdleTimeout         time.Duration
	SuppressChargerDetect bool
	ReplyDelay            time.Duration
	Debugger              bool
	CompatMode            bool
}

func DefaultUartSettings(self wire.Device) UartSettings {
	return UartSettings{
		RxEnable:      true,
		Device:        self,
		BaudRate:      DefaultBaudRate,
		Parity:        ParityNone,
		StopBits:      1,
		TxTimeout:     DefaultTxTimeout,
		RxIdleTimeout: DefaultRxIdleTimeout,
	}
}

// MaxPayload is the payload cap currently enforced by Transmit.
func (s UartSettings) MaxPayload() int {
	if s.CompatMode {
		return wire.CompatMaxPayload
	}
	return wire.MaxPayload
}

// Configure changes one UART setting. Timeouts are in milliseconds and the
// reply delay in microseconds.
func (t *Transport) Configure(key UartKey, value uint32) error {
	s := t.settings

	switch key {
	case UartRxEnable:
		b, err := boolValue(key, value)
		if err != nil {
			return err
		}
		s.RxEnable = b
	case UartDeviceID:
		dev := wire.Device(value)
		if value > uint32(wire.Left) {
			return fmt.Errorf("%w: %s=%d", ErrInvalidValue, key, value)
		}
		if dev != s.Device {
			t.resetSequenceState(dev)
		}
		s.Device = dev
	case UartBaudRate:
		if value == 0 {
			return fmt.Errorf("%w: %s=%d", ErrInvalidValue, key, value)
		}
		s.BaudRate = value
	case UartParity:
		if value > uint32(ParityEven) {
			return fmt.Errorf("%w: %s=%d", ErrInvalidValue, key, value)
		}
		s.Parity = Parity(value)
	case UartStopBits:
		if value != 1 && value != 2 {
			return fmt.Errorf("%w: %s=%d", ErrInvalidValue, key, value)
		}
		s.StopBits = uint8(value)
	case UartTxTimeout:
		s.TxTimeout = time.Duration(value) * time.Millisecond
	case UartRxIdleTimeout:
		s.RxIdleTimeout = time.Duration(value) * time.Millisecond
	case UartSuppressChargerDetect:
		b, err := boolValue(key, value)
		if err != nil {
			return err
		}
		s.SuppressChargerDetect = b
	case UartReplyDelay:
		s.ReplyDelay = time.Duration(value) * time.Microsecond
	case UartDebuggerEnable:
		b, err := boolValue(key, value)
		if err != nil {
			return err
		}
		s.Debugger = b
	case UartCompatMode:
		b, err := boolValue(key, value)
		if err != nil {
			return err
		}
		s.CompatMode = b
	default:
		return fmt.Errorf("%w: %d", ErrUnknownKey, key)
	}

	t.settings = s
	t.log.Debug("uart configured", "key", key.String(), "value", value)
	return nil
}

// Settings returns a copy of the current UART settings.
func (t *Transport) Settings() UartSettings {
	return t.settings
}

func boolValue(key UartKey, value uint32) (bool, error) {
	switch value {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("%w: %s=%d", ErrInvalidValue, key, value)
}
