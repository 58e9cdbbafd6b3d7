package hv

// Interrupt controller addresses of the x86 platform. Backends that model
// the IO-APIC in user space decode this window; boot code publishes it in
// the MADT.
const (
	AMD64IOAPICBase = 0xfec00000
	AMD64IOAPICSize = 0x20
	AMD64LAPICBase  = 0xfee00000
)
