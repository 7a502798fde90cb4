package license

import "time"

// TrialPeriod is the default lifetime of a trial license.
const TrialPeriod = 14 * 24 * time.Hour

// DefaultMaxActivations bounds how many machines a license may be active on
// unless the creator overrides it.
const DefaultMaxActivations = 3

var tierFeatures = map[Type]FeatureList{
	TypeTrial: {
		FeatureBasicCalls,
		FeatureBasicAnalytics,
	},
	TypeStandard: {
		FeatureBasicCalls,
		FeatureBasicAnalytics,
		FeatureCallRecording,
		FeatureBasicPipelines,
	},
	TypeEnterprise: {
		FeatureBasicCalls,
		FeatureAdvancedAnalytics,
		FeatureCallRecording,
		FeatureAdvancedPipelines,
		FeatureIntegrations,
		FeatureCustomBranding,
		FeaturePrioritySupport,
	},
}

var tierMaxAgents = map[Type]int{
	TypeTrial:      2,
	TypeStandard:   10,
	TypeEnterprise: 100,
}

var tierMaxCalls = map[Type]int{
	TypeTrial:      100,
	TypeStandard:   5000,
	TypeEnterprise: 50000,
}

// DefaultFeatures returns the feature set granted by a tier. Unknown tiers
// get the trial set.
func DefaultFeatures(t Type) FeatureList {
	src, ok := tierFeatures[t]
	if !ok {
		src = tierFeatures[TypeTrial]
	}
	out := make(FeatureList, len(src))
	copy(out, src)
	return out
}

// DefaultMaxAgents returns the agent seat limit for a tier.
func DefaultMaxAgents(t Type) int {
	if n, ok := tierMaxAgents[t]; ok {
		return n
	}
	return tierMaxAgents[TypeTrial]
}

// DefaultMaxCalls returns the monthly call limit for a tier.
func DefaultMaxCalls(t Type) int {
	if n, ok := tierMaxCalls[t]; ok {
		return n
	}
	return tierMaxCalls[TypeTrial]
}

// DefaultExpiry returns the default expiry for a tier created at now.
// Paid tiers do not expire.
func DefaultExpiry(t Type, now time.Time) *time.Time {
	if t == TypeTrial {
		exp := now.Add(TrialPeriod)
		return &exp
	}
	return nil
}
