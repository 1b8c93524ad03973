// Package cpu exposes the processor queries and control-register operations
// needed by the boot core.
package cpu

import (
	"os"
	"sync/atomic"
)

const (
	leafMaxBasic     = 0x0
	leafExtendedFeat = 0x7
	leafMaxExtended  = 0x80000000
	leafExtendedInfo = 0x80000001
	la57Bit          = 1 << 16    // leaf 7, ECX
	noExecuteBit     = 1 << 20    // leaf 0x80000001, EDX
	vendorIntelEBX   = 0x756e6547 // "Genu"
	vendorIntelEDX   = 0x49656e69 // "ineI"
	vendorIntelECX   = 0x6c65746e // "ntel"
)

var (
	cpuidFn = ID

	// exitFn is used by the hosted Halt implementation and is mocked by
	// tests.
	exitFn = os.Exit
)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(leafMaxBasic, 0)
	return ebx == vendorIntelEBX && edx == vendorIntelEDX && ecx == vendorIntelECX
}

// FiveLevelPagingSupported returns true if the processor supports 57-bit
// linear addresses (LA57) and therefore a fifth page table level.
func FiveLevelPagingSupported() bool {
	maxLeaf, _, _, _ := cpuidFn(leafMaxBasic, 0)
	if maxLeaf < leafExtendedFeat {
		return false
	}

	_, _, ecx, _ := cpuidFn(leafExtendedFeat, 0)
	return ecx&la57Bit != 0
}

// NoExecuteSupported returns true if the processor supports the no-execute
// page table entry bit.
func NoExecuteSupported() bool {
	maxLeaf, _, _, _ := cpuidFn(leafMaxExtended, 0)
	if maxLeaf < leafExtendedInfo {
		return false
	}

	_, _, _, edx := cpuidFn(leafExtendedInfo, 0)
	return edx&noExecuteBit != 0
}

// Halt stops instruction execution. When running as a hosted process it
// terminates the process with a non-zero exit code.
func Halt() {
	exitFn(1)
}

// ControlRegisters abstracts the control-register operations the boot core
// performs.
type ControlRegisters interface {
	// ActivePDT returns the physical address of the active root page table.
	ActivePDT() uintptr

	// SwitchPDT loads the physical address of a root page table and
	// flushes the TLB.
	SwitchPDT(pdtPhysAddr uintptr)

	// EnableNoExecute sets EFER.NXE so page table entries may use the
	// no-execute bit.
	EnableNoExecute()

	// NoExecuteEnabled reports whether EFER.NXE is set.
	NoExecuteEnabled() bool
}

// SoftRegisters is a ControlRegisters implementation that keeps register
// state in memory. It is used when the core runs as a hosted process.
type SoftRegisters struct {
	pdt      uintptr
	nx       uint32
	switches uint32
}

// ActivePDT implements ControlRegisters.
func (r *SoftRegisters) ActivePDT() uintptr {
	return atomic.LoadUintptr(&r.pdt)
}

// SwitchPDT implements ControlRegisters.
func (r *SoftRegisters) SwitchPDT(pdtPhysAddr uintptr) {
	atomic.StoreUintptr(&r.pdt, pdtPhysAddr)
	atomic.AddUint32(&r.switches, 1)
}

// EnableNoExecute implements ControlRegisters.
func (r *SoftRegisters) EnableNoExecute() {
	atomic.StoreUint32(&r.nx, 1)
}

// NoExecuteEnabled implements ControlRegisters.
func (r *SoftRegisters) NoExecuteEnabled() bool {
	return atomic.LoadUint32(&r.nx) == 1
}

// Switches returns the number of SwitchPDT calls.
func (r *SoftRegisters) Switches() int {
	return int(atomic.LoadUint32(&r.switches))
}
