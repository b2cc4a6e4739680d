package host

// Byte offsets into the hypervisor's domain/vcpu structures. These
// are invented, stable offsets for this analyser's synthetic domain
// model, since the Domain/VCPU records have no single canonical wire
// layout the way an ELF header does; real deployments would source
// them from the hypervisor's own debug-info the same way vcpu frame
// offsets are parameterised by hvVersion.
const (
	domainNextInListOffset    = 0x00
	domainIDOffset            = 0x08
	domainHandleOffset        = 0x10
	domainPageTableBaseOffset = 0x20
	domainVCPUCountOffset     = 0x28
	domainStateOffset         = 0x2c
	domainVCPUArrayOffset     = 0x30

	vcpuIDOffset          = 0x00
	vcpuRunstateOffset    = 0x04
	vcpuPauseFlagsOffset  = 0x08
	domainHandleSize      = 16
	pointerSize           = 8
)
