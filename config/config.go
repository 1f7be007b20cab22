package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RoanBrand/ChargerCaseCommsProtocol/wire"
)

// Role is the device this host plays on the charger comms wire.
type Role string

const (
	RoleCase  Role = "case"
	RoleLeft  Role = "left"
	RoleRight Role = "right"

	DriverTarm  = "tarm"
	DriverBugst = "bugst"

	DefaultFileName = "config.json"
)

// Device maps the role to its wire address.
func (r Role) Device() (wire.Device, error) {
	switch r {
	case RoleCase:
		return wire.Case, nil
	case RoleLeft:
		return wire.Left, nil
	case RoleRight:
		return wire.Right, nil
	}
	return 0, fmt.Errorf("unknown role: %q", r)
}

// SerialConfig describes the port and the charger comms UART settings.
type SerialConfig struct {
	Driver          string `json:"driver"`
	Port            string `json:"port"`
	Baud            int    `json:"baud_rate"`
	Parity          string `json:"parity"`
	StopBits        int    `json:"stop_bits"`
	ReadTimeoutMs   int    `json:"read_timeout_ms"`
	TxTimeoutMs     int    `json:"tx_timeout_ms"`
	RxIdleTimeoutMs int    `json:"rx_idle_timeout_ms"`
	ReplyDelayUs    int    `json:"reply_delay_us"`
	Debugger        bool   `json:"debugger"`
	CompatMode      bool   `json:"compat_mode"`
}

func (s SerialConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMs) * time.Millisecond
}

// CCPConfig tunes the retry layer and the host loop.
type CCPConfig struct {
	MaxRetries       int `json:"max_retries"`
	RetryTimeoutMs   int `json:"retry_timeout_ms"`
	TickMs           int `json:"tick_ms"`
	StatusIntervalMs int `json:"status_interval_ms"`
}

func (c CCPConfig) RetryTimeout() time.Duration {
	return time.Duration(c.RetryTimeoutMs) * time.Millisecond
}

func (c CCPConfig) Tick() time.Duration {
	return time.Duration(c.TickMs) * time.Millisecond
}

func (c CCPConfig) StatusInterval() time.Duration {
	return time.Duration(c.StatusIntervalMs) * time.Millisecond
}

// LoggingConfig defines runtime logging behavior. An empty File logs to
// stderr only.
type LoggingConfig struct {
	Level string `json:"level"`
	File  string `json:"file"`
}

// JournalConfig points at the sqlite event journal. Empty Path disables it.
type JournalConfig struct {
	Path string `json:"path"`
}

// CaseConfig is what the case role hands out to its earbuds. Firmware
// updates offered by an earbud land in an in-memory slot of SlotSize bytes.
type CaseConfig struct {
	SerialNumber uint64 `json:"serial_number"`
	Variant      string `json:"variant"`
	SlotSize     int    `json:"dfu_slot_size"`
}

// AppConfig is the root configuration of the host tool.
type AppConfig struct {
	Role    Role          `json:"role"`
	Serial  SerialConfig  `json:"serial"`
	CCP     CCPConfig     `json:"ccp"`
	Case    CaseConfig    `json:"case"`
	Logging LoggingConfig `json:"logging"`
	Journal JournalConfig `json:"journal"`
}

func Default() AppConfig {
	return AppConfig{
		Role: RoleCase,
		Serial: SerialConfig{
			Driver:          DriverTarm,
			Port:            "",
			Baud:            115200,
			Parity:          "none",
			StopBits:        1,
			ReadTimeoutMs:   10,
			TxTimeoutMs:     100,
			RxIdleTimeoutMs: 20,
		},
		CCP: CCPConfig{
			MaxRetries:       3,
			RetryTimeoutMs:   100,
			TickMs:           10,
			StatusIntervalMs: 5000,
		},
		Case: CaseConfig{
			SlotSize: 64 * 1024,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Locate finds name in the working directory, falling back to the
// executable's folder.
func Locate(name string) (string, error) {
	if fileExists(name) {
		return name, nil
	}
	exePath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate executable: %w", err)
	}
	return filepath.Join(filepath.Dir(exePath), name), nil
}

// Load reads the config at path. A missing file yields the defaults.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path is chosen by the operator.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config json: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

func (c *AppConfig) FillMissingDefaults() {
	d := Default()
	if c.Role == "" {
		c.Role = d.Role
	}
	if c.Serial.Driver == "" {
		c.Serial.Driver = d.Serial.Driver
	}
	if c.Serial.Baud <= 0 {
		c.Serial.Baud = d.Serial.Baud
	}
	if c.Serial.Parity == "" {
		c.Serial.Parity = d.Serial.Parity
	}
	if c.Serial.StopBits == 0 {
		c.Serial.StopBits = d.Serial.StopBits
	}
	if c.Serial.ReadTimeoutMs <= 0 {
		c.Serial.ReadTimeoutMs = d.Serial.ReadTimeoutMs
	}
	if c.CCP.MaxRetries <= 0 {
		c.CCP.MaxRetries = d.CCP.MaxRetries
	}
	if c.CCP.RetryTimeoutMs <= 0 {
		c.CCP.RetryTimeoutMs = d.CCP.RetryTimeoutMs
	}
	if c.CCP.TickMs <= 0 {
		c.CCP.TickMs = d.CCP.TickMs
	}
	if c.CCP.StatusIntervalMs <= 0 {
		c.CCP.StatusIntervalMs = d.CCP.StatusIntervalMs
	}
	if c.Case.SlotSize <= 0 {
		c.Case.SlotSize = d.Case.SlotSize
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
}

func (c AppConfig) Validate() error {
	if _, err := c.Role.Device(); err != nil {
		return err
	}
	switch c.Serial.Driver {
	case DriverTarm, DriverBugst:
	default:
		return fmt.Errorf("unknown serial driver: %q", c.Serial.Driver)
	}
	if strings.TrimSpace(c.Serial.Port) == "" {
		return errors.New("serial port is required")
	}
	if c.Serial.Baud <= 0 {
		return errors.New("serial baud must be positive")
	}
	switch strings.ToLower(c.Serial.Parity) {
	case "none", "odd", "even":
	default:
		return fmt.Errorf("unknown parity: %q", c.Serial.Parity)
	}
	if c.Serial.StopBits != 1 && c.Serial.StopBits != 2 {
		return fmt.Errorf("stop bits must be 1 or 2, got %d", c.Serial.StopBits)
	}
	if c.Serial.TxTimeoutMs < 0 || c.Serial.RxIdleTimeoutMs < 0 || c.Serial.ReplyDelayUs < 0 {
		return errors.New("serial timeouts must not be negative")
	}
	if len(c.Case.Variant) > 3 {
		return fmt.Errorf("variant %q longer than 3 characters", c.Case.Variant)
	}
	if c.CCP.TickMs > c.CCP.RetryTimeoutMs {
		return fmt.Errorf("tick (%dms) must not exceed the retry timeout (%dms)", c.CCP.TickMs, c.CCP.RetryTimeoutMs)
	}

	return nil
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}

// fileExists checks if a file exists and is not a directory.
func fileExists(filePath string) bool {
	info, err := os.Stat(filePath)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
