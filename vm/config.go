package vm

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config tunes the runtime. It is normally loaded from a rook.toml file
// next to the embedding project, with zero fields filled from the defaults.
type Config struct {
	Heap        HeapConfig        `toml:"heap"`
	Interpreter InterpreterConfig `toml:"interpreter"`
}

// HeapConfig sizes the cell arenas and the collection trigger.
type HeapConfig struct {
	ArenaCellCount    int     `toml:"arena-cell-count"`
	InitialArenaCount int     `toml:"initial-arena-count"`
	LowWaterCells     int     `toml:"low-water-cells"`
	GrowthFactor      float64 `toml:"growth-factor"`
}

// InterpreterConfig bounds the interpreter and selects its trace channels.
type InterpreterConfig struct {
	StackLimit             int  `toml:"stack-limit"`
	FrameLimit             int  `toml:"frame-limit"`
	TimeSliceInstructions  int  `toml:"time-slice-instructions"`
	TraceOpcodes           bool `toml:"trace-opcodes"`
	InstructionProfile     bool `toml:"instruction-profile"`
}

// DefaultConfig returns the default tuning.
func DefaultConfig() *Config {
	return &Config{
		Heap: HeapConfig{
			ArenaCellCount:    1024,
			InitialArenaCount: 4,
			LowWaterCells:     128,
			GrowthFactor:      1.5,
		},
		Interpreter: InterpreterConfig{
			StackLimit: 1 << 16,
			FrameLimit: 1024,
		},
	}
}

// applyDefaults fills unset fields from the defaults.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Heap.ArenaCellCount <= 0 {
		c.Heap.ArenaCellCount = d.Heap.ArenaCellCount
	}
	if c.Heap.InitialArenaCount <= 0 {
		c.Heap.InitialArenaCount = d.Heap.InitialArenaCount
	}
	if c.Heap.LowWaterCells <= 0 {
		c.Heap.LowWaterCells = d.Heap.LowWaterCells
	}
	if c.Heap.GrowthFactor <= 1 {
		c.Heap.GrowthFactor = d.Heap.GrowthFactor
	}
	if c.Interpreter.StackLimit <= 0 {
		c.Interpreter.StackLimit = d.Interpreter.StackLimit
	}
	if c.Interpreter.FrameLimit <= 0 {
		c.Interpreter.FrameLimit = d.Interpreter.FrameLimit
	}
}

// LoadConfig parses a rook.toml file from the given directory.
func LoadConfig(dir string) (*Config, error) {
	path := filepath.Join(dir, "rook.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	c.applyDefaults()
	return &c, nil
}

// FindAndLoadConfig walks up from startDir to find a rook.toml file.
// Returns the defaults if no file is found.
func FindAndLoadConfig(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", startDir, err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "rook.toml")); err == nil {
			return LoadConfig(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return DefaultConfig(), nil
		}
		dir = parent
	}
}
