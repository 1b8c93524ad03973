//go:build !amd64

package cpu

// ID reports no processor features on non-x86 hosts.
func ID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	return 0, 0, 0, 0
}
