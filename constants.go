package splax

import "github.com/splax-s/splax/internal/constants"

// Re-export the kernel-wide tunables for public API consumers that don't
// want to import internal/constants directly.
const (
	FrameSize               = constants.FrameSize
	MaxFrames               = constants.MaxFrames
	KernelHeapSize          = constants.KernelHeapSize
	MaxDelegationDepth      = constants.MaxDelegationDepth
	AuditLogCapacity        = constants.AuditLogCapacity
	DefaultChannelCapacity  = constants.DefaultChannelCapacity
	MaxInlineMessageSize    = constants.MaxInlineMessageSize
	MaxCPUs                 = constants.MaxCPUs
	MaxProcesses            = constants.MaxProcesses
	InteractiveTimeSlice    = constants.InteractiveTimeSlice
	BackgroundTimeSlice     = constants.BackgroundTimeSlice
	LoadBalanceTickInterval = constants.LoadBalanceTickInterval
	DefaultVFSTimeout       = constants.DefaultVFSTimeout
	DefaultSocketTimeout    = constants.DefaultSocketTimeout
	FastPathMaxPayload      = constants.FastPathMaxPayload
	FastPathRingEntries     = constants.FastPathRingEntries
)
