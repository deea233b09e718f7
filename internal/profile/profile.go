// Package profile loads an agent's role document: its system prompt, focus
// area for the Initiative Engine, tool allow-list, and bootstrap initiative
// candidates (§4.1 step 1, §4.7).
package profile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/orrinfleet/agentfleet/internal/initiative"
)

// BootstrapInitiative is one candidate work item a profile ships with,
// scored before any LLM call is made (§4.7).
type BootstrapInitiative struct {
	Title             string   `yaml:"title"`
	Description       string   `yaml:"description"`
	RevenueImpact     int      `yaml:"revenueImpact"`
	Effort            int      `yaml:"effort"`
	Tags              []string `yaml:"tags"`
	SuggestedAssignee string   `yaml:"suggestedAssignee"`
}

func (b BootstrapInitiative) toEngine() initiative.BootstrapInitiative {
	return initiative.BootstrapInitiative{
		Title:             b.Title,
		Description:       b.Description,
		RevenueImpact:     b.RevenueImpact,
		Effort:            b.Effort,
		Tags:              b.Tags,
		SuggestedAssignee: b.SuggestedAssignee,
	}
}

// Focus weights the Initiative Engine's scoring formula (§4.7).
type Focus struct {
	RevenueFocus    float64 `yaml:"revenueFocus"`
	MarketingVsDev  float64 `yaml:"marketingVsDev"`
	CommunityGrowth float64 `yaml:"communityGrowth"`
	RiskTolerance   float64 `yaml:"riskTolerance"`
	TimeHorizon     float64 `yaml:"timeHorizon"`
}

func (f Focus) toEngine() initiative.FocusProfile {
	return initiative.FocusProfile{
		RevenueFocus:    f.RevenueFocus,
		MarketingVsDev:  f.MarketingVsDev,
		CommunityGrowth: f.CommunityGrowth,
		RiskTolerance:   f.RiskTolerance,
		TimeHorizon:     f.TimeHorizon,
	}
}

// Profile is the role document for one agent type.
type Profile struct {
	AgentType     string `yaml:"agentType"`
	Tier          string `yaml:"tier"` // head|clevel
	SystemPrompt  string `yaml:"systemPrompt"`
	StartupPrompt string `yaml:"startupPrompt,omitempty"`

	// KeyQuestions, RevenueAngles and ScanTopics are folded into the loop
	// prompt's context section verbatim; Focus is the numeric weighting
	// consumed by the Initiative Engine's scoring formula.
	KeyQuestions  []string `yaml:"keyQuestions"`
	RevenueAngles []string `yaml:"revenueAngles"`
	ScanTopics    []string `yaml:"scanTopics"`
	Focus         Focus    `yaml:"focus"`

	Capabilities         []string             `yaml:"capabilities"`
	BootstrapInitiatives []BootstrapInitiative `yaml:"bootstrapInitiatives"`
}

// Load parses a Profile document from path. A missing path is not an
// error: the daemon falls back to a minimal profile named after agentType
// so it can still start (a loop with an empty system prompt is better than
// a daemon that refuses to boot over a missing optional file).
func Load(path, agentType string) (Profile, error) {
	if path == "" {
		return Profile{AgentType: agentType, Tier: "clevel"}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Profile{AgentType: agentType, Tier: "clevel"}, nil
		}
		return Profile{}, fmt.Errorf("read profile %s: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if p.AgentType == "" {
		p.AgentType = agentType
	}
	if p.Tier == "" {
		p.Tier = "clevel"
	}
	return p, nil
}

// FocusProfile converts the profile's Focus block into the Initiative
// Engine's scoring input type.
func (p Profile) FocusProfile() initiative.FocusProfile { return p.Focus.toEngine() }

// EngineBootstraps converts the profile's bootstrap list into the
// Initiative Engine's candidate type.
func (p Profile) EngineBootstraps() []initiative.BootstrapInitiative {
	out := make([]initiative.BootstrapInitiative, 0, len(p.BootstrapInitiatives))
	for _, b := range p.BootstrapInitiatives {
		out = append(out, b.toEngine())
	}
	return out
}

// IsHeadTier reports whether this profile participates in head-tier voting
// (§3, §4.4 step 3).
func (p Profile) IsHeadTier() bool { return p.Tier == "head" }
