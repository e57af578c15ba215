package audit

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Criterion is one item of the quality checklist a call is scored against.
type Criterion struct {
	Code        string `yaml:"code" json:"code"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Category    string `yaml:"category" json:"category"`
}

// DefaultCriteria returns the built-in checklist in evaluation order.
func DefaultCriteria() []Criterion {
	return []Criterion{
		{Code: "greeting", Name: "Greeting", Category: "opening",
			Description: "Agent greets the customer, states their name and the company."},
		{Code: "identity_verification", Name: "Identity verification", Category: "compliance",
			Description: "Agent verifies the customer's identity before discussing account details."},
		{Code: "regulatory_disclosure", Name: "Regulatory disclosure", Category: "compliance",
			Description: "Agent reads the required disclosures (call recording, terms) accurately."},
		{Code: "tone", Name: "Professional tone", Category: "soft_skills",
			Description: "Agent stays courteous, calm and professional throughout the call."},
		{Code: "empathy", Name: "Empathy", Category: "soft_skills",
			Description: "Agent acknowledges the customer's situation and responds with empathy."},
		{Code: "resolution", Name: "Resolution", Category: "resolution",
			Description: "Agent resolves the customer's issue or sets clear next steps."},
		{Code: "closing", Name: "Closing", Category: "closing",
			Description: "Agent summarizes the outcome, offers further help and closes politely."},
	}
}

type criteriaFile struct {
	Criteria []Criterion `yaml:"criteria"`
}

// LoadCriteria reads a YAML checklist. An empty path yields DefaultCriteria.
func LoadCriteria(path string) ([]Criterion, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCriteria(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read criteria %s: %w", path, err)
	}
	var f criteriaFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse criteria %s: %w", path, err)
	}
	if len(f.Criteria) == 0 {
		return nil, fmt.Errorf("criteria %s: no criteria defined", path)
	}
	seen := map[string]bool{}
	for i, c := range f.Criteria {
		c.Code = strings.TrimSpace(c.Code)
		if c.Code == "" {
			return nil, fmt.Errorf("criteria %s: entry %d has no code", path, i+1)
		}
		if seen[c.Code] {
			return nil, fmt.Errorf("criteria %s: duplicate code %q", path, c.Code)
		}
		seen[c.Code] = true
		if c.Name == "" {
			c.Name = c.Code
		}
		if c.Category == "" {
			c.Category = "general"
		}
		f.Criteria[i] = c
	}
	return f.Criteria, nil
}
