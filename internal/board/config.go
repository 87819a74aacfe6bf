// Package board holds the host-side board description: image
// locations, device geometries, arbiter wiring and the self-update
// flash window. The config file is HuJSON (JSON with comments and
// trailing commas), like the rest of the tooling's dotfiles.
package board

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/boardcore/internal/hw"
)

// ConfigFileName is the default config file name, looked up in the
// working directory.
const ConfigFileName = "boardcore.json"

var (
	errConfigRead    = errors.New("board: cannot read config file")
	errConfigInvalid = errors.New("board: invalid config file")
)

// Config holds all configuration options.
type Config struct {
	// ImageDir is where backend image files live.
	ImageDir string `json:"image_dir"`

	// Backend image sizes in bytes. Must be erase-align multiples.
	FlashSize uint32 `json:"flash_size"`
	NandSize  uint32 `json:"nand_size"`
	PsramSize uint32 `json:"psram_size"`

	// Bus arbiter wiring.
	ReqPin           uint8  `json:"req_pin"`
	GrantPin         uint8  `json:"grant_pin"`
	ReqActiveLow     bool   `json:"req_active_low"`
	GrantActiveHigh  bool   `json:"grant_active_high"`
	ArbiterTimeoutMs uint32 `json:"arbiter_timeout_ms"`

	// Self-update flash window.
	InternalFlashSize uint32 `json:"internal_flash_size"`
	FlashTargetOffset uint32 `json:"flash_target_offset"`

	// MaxFrame bounds one receiver frame's payload.
	MaxFrame uint32 `json:"max_frame"`

	// TermWidth is the console width used for listings.
	TermWidth int `json:"term_width"`

	// CoprocSocket is the line-transport endpoint of the co-processor
	// loop, a unix socket path.
	CoprocSocket string `json:"coproc_socket"`
}

// DefaultConfig returns the stock board description.
func DefaultConfig() Config {
	return Config{
		ImageDir:          ".boardcore",
		FlashSize:         2 * 1024 * 1024,
		NandSize:          1024 * 1024,
		PsramSize:         512 * 1024,
		ReqPin:            2,
		GrantPin:          3,
		ReqActiveLow:      true,
		GrantActiveHigh:   true,
		ArbiterTimeoutMs:  1000,
		InternalFlashSize: 2 * 1024 * 1024,
		FlashTargetOffset: 0,
		MaxFrame:          32 * 1024,
		TermWidth:         80,
		CoprocSocket:      filepath.Join(".boardcore", "coproc.sock"),
	}
}

// LoadConfig loads configuration with the following precedence
// (highest wins): defaults, then the config file. path selects an
// explicit file; when empty, ConfigFileName is used if present and
// pure defaults otherwise. A missing explicit path is an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = ConfigFileName
	}

	raw, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}

		return Config{}, fmt.Errorf("%w: %s: %v", errConfigRead, path, err)
	}

	std, err := hujson.Standardize(raw)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", errConfigInvalid, path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(std))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", errConfigInvalid, path, err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", errConfigInvalid, path, err)
	}

	return cfg, nil
}

func (c Config) validate() error {
	if c.ImageDir == "" {
		return errors.New("image_dir cannot be empty")
	}

	if c.FlashSize%4096 != 0 || c.FlashSize == 0 {
		return fmt.Errorf("flash_size %d is not a 4 KiB multiple", c.FlashSize)
	}

	if c.NandSize%2048 != 0 || c.NandSize == 0 {
		return fmt.Errorf("nand_size %d is not a 2 KiB multiple", c.NandSize)
	}

	if c.PsramSize == 0 {
		return errors.New("psram_size cannot be zero")
	}

	if c.InternalFlashSize%hw.FlashSectorSize != 0 || c.InternalFlashSize == 0 {
		return fmt.Errorf("internal_flash_size %d is not a sector multiple", c.InternalFlashSize)
	}

	if c.FlashTargetOffset%hw.FlashSectorSize != 0 {
		return fmt.Errorf("flash_target_offset %#x is not sector aligned", c.FlashTargetOffset)
	}

	if c.MaxFrame == 0 {
		return errors.New("max_frame cannot be zero")
	}

	if c.TermWidth < 20 {
		return fmt.Errorf("term_width %d is too narrow", c.TermWidth)
	}

	return nil
}

// Save writes the config to path atomically.
func (c Config) Save(path string) error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %v", errConfigInvalid, err)
	}

	out, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("board: marshal config: %w", err)
	}

	out = append(out, '\n')

	if err := atomic.WriteFile(path, bytes.NewReader(out)); err != nil {
		return fmt.Errorf("board: write config: %w", err)
	}

	return nil
}
