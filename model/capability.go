// Package model provides capability-based model selection for pipeline
// stages. Instead of hardcoding model names, each tier asks for a capability
// (classification, analysis, validation) and the registry resolves it to an
// available endpoint with a fallback chain.
package model

// Capability represents a semantic capability for model selection.
// Tiers specify "classification" or "validation" rather than a model name.
type Capability string

const (
	// CapabilityClassification is for fast query triage in the dispatcher.
	CapabilityClassification Capability = "classification"

	// CapabilityAnalysis is for standard-complexity insight drafting.
	CapabilityAnalysis Capability = "analysis"

	// CapabilityAdvancedAnalysis is for complex and critical analyses that
	// need forecasting, anomaly detection, or strategic reasoning.
	CapabilityAdvancedAnalysis Capability = "advanced-analysis"

	// CapabilityValidation is for quality review of specialist drafts.
	CapabilityValidation Capability = "validation"

	// CapabilityFormatting is for lightweight response shaping.
	CapabilityFormatting Capability = "formatting"
)

// TierCapabilities maps pipeline tiers to their default capability.
// Used when no explicit capability is specified.
var TierCapabilities = map[string]Capability{
	"dispatcher":       CapabilityClassification,
	"standard-analyst": CapabilityAnalysis,
	"senior-analyst":   CapabilityAdvancedAnalysis,
	"validator":        CapabilityValidation,
	"formatter":        CapabilityFormatting,
}

// CapabilityForTier returns the default capability for a pipeline tier.
// Returns CapabilityAnalysis as fallback for unknown tiers.
func CapabilityForTier(tier string) Capability {
	if cap, ok := TierCapabilities[tier]; ok {
		return cap
	}
	return CapabilityAnalysis
}

// IsValid checks if a capability string is a known capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityClassification, CapabilityAnalysis, CapabilityAdvancedAnalysis, CapabilityValidation, CapabilityFormatting:
		return true
	}
	return false
}

// String returns the string representation of the capability.
func (c Capability) String() string {
	return string(c)
}

// ParseCapability converts a string to a Capability, returning empty for
// invalid values.
func ParseCapability(s string) Capability {
	cap := Capability(s)
	if cap.IsValid() {
		return cap
	}
	return ""
}
