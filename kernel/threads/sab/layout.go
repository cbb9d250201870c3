package sab

// Arena layout: both buffers are flat float64 slices, three components per
// particle. Particle i occupies [3i, 3i+3) in each.
const (
	Stride = 3

	AxisX = 0
	AxisY = 1
	AxisZ = 2

	// Bytes per particle across both buffers
	ParticleBytes = 2 * Stride * 8
)

// OffsetOf returns the first buffer index of particle i
func OffsetOf(i int) int {
	return i * Stride
}

// BufferLen is the required length of each buffer for n particles
func BufferLen(n int) int {
	return n * Stride
}

// ByteSize is the memory footprint of an arena holding n particles
func ByteSize(n int) int {
	return n * ParticleBytes
}
