package hv

// Interrupt controller layout installed by arm64 backends. Boot code
// describes the same addresses to the guest.
const (
	ARM64GICDistributorBase     = 0x08000000
	ARM64GICDistributorSize     = 0x10000
	ARM64GICRedistributorBase   = 0x080a0000
	ARM64GICRedistributorStride = 0x20000

	// ARM64SPIBase is the GIC interrupt ID of shared peripheral interrupt 0.
	// InjectInterrupt vectors on arm64 are SPI numbers.
	ARM64SPIBase = 32
)

// ARM64 PSTATE for entering a kernel at EL1h with DAIF masked.
const ARM64PstateEL1hMasked = 0x3c5
