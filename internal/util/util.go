// Package util holds the small integer helpers the lowering pipeline
// shares: loop-extent and storage-size rounding.
package util

// CeilDiv divides a by b rounding up. b must be positive.
func CeilDiv(a, b int) int {
	return (a + b - 1) / b
}

// Align rounds n up to the next multiple of alignment. The alignment need
// not be a power of two; storage alignment factors rarely are.
func Align(n, alignment int) int {
	return CeilDiv(n, alignment) * alignment
}
