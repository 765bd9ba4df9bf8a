// Package analysis traces functions of an ELF image through a decode
// session, annotating the listing with call targets and string literals.
package analysis

const (
	// MaxStringLength is the maximum length for string extraction
	MaxStringLength = 256

	// MinStringLength is the shortest run of printable bytes reported as a literal
	MinStringLength = 4

	// MaxTraceInstructions is the maximum number of instructions to trace
	MaxTraceInstructions = 1000
)
