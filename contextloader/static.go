package contextloader

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StaticSource serves facts from a YAML document, for local runs and demos:
//
//	companies:
//	  acme:
//	    name: Acme Corp
//	reps:
//	  rep-1:
//	    name: Alex Rivera
//	accounts:
//	  acct-9:
//	    name: Globex
//	prior_calls:
//	  call-0:
//	    summary: Discovery call, budget confirmed
type StaticSource struct {
	Companies  map[string]Company   `yaml:"companies"`
	Reps       map[string]Rep       `yaml:"reps"`
	Accounts   map[string]Account   `yaml:"accounts"`
	PriorCalls map[string]PriorCall `yaml:"prior_calls"`
}

// LoadStaticSource reads a StaticSource from a YAML file.
func LoadStaticSource(path string) (*StaticSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read context facts: %w", err)
	}

	var s StaticSource
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse context facts: %w", err)
	}
	return &s, nil
}

// LoadFacts implements FactsSource.
func (s *StaticSource) LoadFacts(_ context.Context, refs Refs) (*Facts, error) {
	company, ok := s.Companies[refs.CompanyID]
	if !ok {
		return nil, fmt.Errorf("unknown company %q", refs.CompanyID)
	}
	rep, ok := s.Reps[refs.RepID]
	if !ok {
		return nil, fmt.Errorf("unknown rep %q", refs.RepID)
	}
	company.ID = refs.CompanyID
	rep.ID = refs.RepID

	facts := &Facts{Company: company, Rep: rep}
	if acct, ok := s.Accounts[refs.AccountID]; ok {
		acct.ID = refs.AccountID
		facts.Account = &acct
	}
	for _, id := range refs.PriorCallIDs {
		if pc, ok := s.PriorCalls[id]; ok {
			pc.CallID = id
			facts.PriorCalls = append(facts.PriorCalls, pc)
		}
	}
	return facts, nil
}
