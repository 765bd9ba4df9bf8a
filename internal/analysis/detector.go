package analysis

import (
	"fmt"

	"hutch/internal/pcode"
)

// Detector interface for pattern detection on call findings
type Detector interface {
	// Detect analyzes call findings and enriches them with pattern-specific information
	Detect(findings []CallFinding) []CallFinding
}

// DetectorChain runs multiple detectors in sequence
type DetectorChain struct {
	detectors []Detector
}

// NewDetectorChain creates a new detector chain
func NewDetectorChain(detectors ...Detector) *DetectorChain {
	return &DetectorChain{
		detectors: detectors,
	}
}

// Detect runs all detectors in sequence
func (dc *DetectorChain) Detect(findings []CallFinding) []CallFinding {
	result := findings
	for _, detector := range dc.detectors {
		result = detector.Detect(result)
	}
	return result
}

// TailCalls marks unconditional branches that leave the traced function
// for the start of another known function.
type TailCalls struct {
	Start, End uint64 // extent of the traced function
}

func (d TailCalls) Detect(findings []CallFinding) []CallFinding {
	for i := range findings {
		f := &findings[i]
		if f.Flow != pcode.FlowBranch || f.Symbol == "" {
			continue
		}
		if f.TargetVA >= d.Start && f.TargetVA < d.End {
			continue
		}
		f.Comment = fmt.Sprintf("tail call to %s", f.Target)
	}
	return findings
}

// SelfCalls marks calls back into the traced function.
type SelfCalls struct {
	Start uint64
}

func (d SelfCalls) Detect(findings []CallFinding) []CallFinding {
	for i := range findings {
		if f := &findings[i]; f.Flow == pcode.FlowCall && f.TargetVA == d.Start {
			f.Comment = "recursive call"
		}
	}
	return findings
}
