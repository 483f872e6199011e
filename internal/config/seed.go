package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedDomain is one entry of the domains seed file.
type SeedDomain struct {
	Name     string `yaml:"name"`
	Static   bool   `yaml:"static"`
	AddedBy  string `yaml:"added_by"`
	Disabled bool   `yaml:"disabled"`
}

type seedFile struct {
	Domains []SeedDomain `yaml:"domains"`
}

// LoadSeedDomains reads the YAML file listing domains that must be monitored
// from the first start on, e.g.
//
//	domains:
//	  - name: example.com
//	    static: true
func LoadSeedDomains(path string) ([]SeedDomain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read seed file: %w", err)
	}

	var parsed seedFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("config: parse seed file: %w", err)
	}

	out := make([]SeedDomain, 0, len(parsed.Domains))
	for idx, entry := range parsed.Domains {
		if entry.Name == "" {
			return nil, fmt.Errorf("config: seed entry %d has no name", idx)
		}
		if entry.Disabled {
			continue
		}
		if entry.AddedBy == "" {
			entry.AddedBy = "seed"
		}
		out = append(out, entry)
	}

	return out, nil
}
