// Package bootcfg parses the boot-provided inputs the bootloader collaborator
// hands the kernel once at startup: the physical memory map, the kernel's
// own load range, an optional framebuffer descriptor, an optional root
// capability seed, and the operational tunables. After Load returns, the
// kernel owns physical memory policy entirely — nothing here is consulted
// again until the next boot.
package bootcfg

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/splax-s/splax/internal/constants"
)

// RegionTag classifies one entry of the boot memory map.
type RegionTag string

const (
	RegionUsable   RegionTag = "usable"
	RegionReserved RegionTag = "reserved"
	RegionACPI     RegionTag = "acpi"
	RegionMMIO     RegionTag = "mmio"
)

// MemoryRegion is one contiguous range of the boot memory map.
type MemoryRegion struct {
	Tag    RegionTag `toml:"tag"`
	Base   uint64    `toml:"base"`
	Length uint64    `toml:"length"`
}

// Framebuffer describes the optional boot framebuffer. A zero-value pointer
// (absent in the TOML) means no framebuffer was provided.
type Framebuffer struct {
	Address uint64 `toml:"address"`
	Width   uint32 `toml:"width"`
	Height  uint32 `toml:"height"`
	Stride  uint32 `toml:"stride"`
	BPP     uint8  `toml:"bpp"`
}

// Tunables collects the operational knobs a boot descriptor may override;
// zero values fall back to the matching internal/constants default.
type Tunables struct {
	NumCPUs                int `toml:"num_cpus"`
	InteractiveTimeSliceMS int `toml:"interactive_time_slice_ms"`
	BackgroundTimeSliceMS  int `toml:"background_time_slice_ms"`
	ChannelBufferCapacity  int `toml:"channel_buffer_capacity"`
	MaxMessageSize         int `toml:"max_message_size"`
	// PhysBackingBytes sizes the byte-addressable backing the kernel zeroes
	// freshly allocated frames in. It covers the low end of the physical
	// address space; frames beyond it exist in the bitmap only.
	PhysBackingBytes int64 `toml:"phys_backing_bytes"`
}

// Config is the fully resolved boot descriptor.
type Config struct {
	MemoryMap          []MemoryRegion `toml:"memory_map"`
	KernelLoadBase     uint64         `toml:"kernel_load_base"`
	KernelLoadLength   uint64         `toml:"kernel_load_length"`
	Framebuffer        *Framebuffer   `toml:"framebuffer"`
	RootCapabilitySeed string         `toml:"root_capability_seed"` // hex-encoded, optional
	Tunables           Tunables       `toml:"tunables"`
}

// Default returns a Config usable without a boot descriptor file: a single
// usable region covering 16 GiB, no framebuffer, no seed, and every tunable
// at its internal/constants default. Tests and standalone demos that never
// see a real bootloader construct a Kernel from this.
func Default() Config {
	return Config{
		MemoryMap: []MemoryRegion{
			{Tag: RegionUsable, Base: 0, Length: uint64(constants.MaxFrames) * constants.FrameSize},
		},
		Tunables: Tunables{
			NumCPUs:                4,
			InteractiveTimeSliceMS: int(constants.InteractiveTimeSlice / time.Millisecond),
			BackgroundTimeSliceMS:  int(constants.BackgroundTimeSlice / time.Millisecond),
			ChannelBufferCapacity:  constants.DefaultChannelCapacity,
			MaxMessageSize:         constants.MaxInlineMessageSize,
			PhysBackingBytes:       constants.DefaultPhysBackingBytes,
		},
	}
}

// Load decodes a TOML boot descriptor from path and fills any zero-valued
// tunable from Default(). A missing memory_map is an error: every real boot
// path has at least the bootloader's own usable-memory view.
func Load(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("bootcfg: decode %s: %w", path, err)
	}
	if len(cfg.MemoryMap) == 0 {
		return Config{}, fmt.Errorf("bootcfg: %s declares no memory_map regions", path)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Tunables.NumCPUs == 0 {
		cfg.Tunables.NumCPUs = def.Tunables.NumCPUs
	}
	if cfg.Tunables.InteractiveTimeSliceMS == 0 {
		cfg.Tunables.InteractiveTimeSliceMS = def.Tunables.InteractiveTimeSliceMS
	}
	if cfg.Tunables.BackgroundTimeSliceMS == 0 {
		cfg.Tunables.BackgroundTimeSliceMS = def.Tunables.BackgroundTimeSliceMS
	}
	if cfg.Tunables.ChannelBufferCapacity == 0 {
		cfg.Tunables.ChannelBufferCapacity = def.Tunables.ChannelBufferCapacity
	}
	if cfg.Tunables.MaxMessageSize == 0 {
		cfg.Tunables.MaxMessageSize = def.Tunables.MaxMessageSize
	}
	if cfg.Tunables.PhysBackingBytes == 0 {
		cfg.Tunables.PhysBackingBytes = def.Tunables.PhysBackingBytes
	}
}

// InteractiveTimeSlice returns the configured Interactive quantum as a
// time.Duration.
func (c Config) InteractiveTimeSlice() time.Duration {
	return time.Duration(c.Tunables.InteractiveTimeSliceMS) * time.Millisecond
}

// BackgroundTimeSlice returns the configured Background quantum as a
// time.Duration.
func (c Config) BackgroundTimeSlice() time.Duration {
	return time.Duration(c.Tunables.BackgroundTimeSliceMS) * time.Millisecond
}

// UsableBytes sums the length of every RegionUsable entry in the memory
// map, in bytes.
func (c Config) UsableBytes() uint64 {
	var total uint64
	for _, r := range c.MemoryMap {
		if r.Tag == RegionUsable {
			total += r.Length
		}
	}
	return total
}
