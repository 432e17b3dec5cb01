package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// CredentialSeed is one provider credential declared in the pool seed file.
//
//	credentials:
//	  - id: vapi-primary
//	    provider: vapi
//	    api_key_env: VAPI_PRIMARY_KEY
//	    max_concurrency: 10
//	    tier: standard
type CredentialSeed struct {
	ID             string `yaml:"id"`
	Provider       string `yaml:"provider"`
	APIKey         string `yaml:"api_key"`
	APIKeyEnv      string `yaml:"api_key_env"`
	MaxConcurrency int    `yaml:"max_concurrency"`
	Tier           string `yaml:"tier"`
	Active         *bool  `yaml:"active"`
}

type seedFile struct {
	Credentials []CredentialSeed `yaml:"credentials"`
}

// LoadCredentialSeeds reads and validates a pool seed file. Keys referenced
// through api_key_env are resolved from the environment.
func LoadCredentialSeeds(path string) ([]CredentialSeed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return ParseCredentialSeeds(raw)
}

func ParseCredentialSeeds(raw []byte) ([]CredentialSeed, error) {
	var f seedFile
	if err := yaml.UnmarshalStrict(raw, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}

	var errs []error
	seen := make(map[string]struct{}, len(f.Credentials))
	for i := range f.Credentials {
		s := &f.Credentials[i]
		s.ID = strings.TrimSpace(s.ID)
		s.Provider = strings.TrimSpace(s.Provider)
		if s.APIKey == "" && s.APIKeyEnv != "" {
			s.APIKey = os.Getenv(s.APIKeyEnv)
		}
		if s.Tier == "" {
			s.Tier = "standard"
		}

		if s.ID == "" {
			errs = append(errs, fmt.Errorf("credentials[%d]: id is required", i))
			continue
		}
		if _, dup := seen[s.ID]; dup {
			errs = append(errs, fmt.Errorf("credentials[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = struct{}{}
		if s.Provider == "" {
			errs = append(errs, fmt.Errorf("credential %s: provider is required", s.ID))
		}
		if s.APIKey == "" {
			errs = append(errs, fmt.Errorf("credential %s: api key is empty", s.ID))
		}
		if s.MaxConcurrency <= 0 {
			errs = append(errs, fmt.Errorf("credential %s: max_concurrency must be > 0", s.ID))
		}
	}
	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return f.Credentials, nil
}

// IsActive defaults to true when the seed omits the flag.
func (s CredentialSeed) IsActive() bool {
	return s.Active == nil || *s.Active
}
