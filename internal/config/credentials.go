package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Credential is an HTTP basic auth login for one provider.
type Credential struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Credentials maps provider base URLs to logins.
//
//	providers:
//	  https://app.geosamples.org/oai:
//	    username: harvester
//	    password: secret
type Credentials struct {
	Providers map[string]Credential `yaml:"providers"`
}

// LoadCredentials reads a credentials file. An empty path yields no
// credentials.
func LoadCredentials(path string) (*Credentials, error) {
	creds := &Credentials{Providers: map[string]Credential{}}
	if path == "" {
		return creds, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, creds); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	if creds.Providers == nil {
		creds.Providers = map[string]Credential{}
	}
	return creds, nil
}

// Lookup returns the login for baseURL, ignoring a trailing slash.
func (c *Credentials) Lookup(baseURL string) (Credential, bool) {
	if c == nil {
		return Credential{}, false
	}
	if cred, ok := c.Providers[baseURL]; ok {
		return cred, true
	}
	trimmed := strings.TrimSuffix(baseURL, "/")
	for url, cred := range c.Providers {
		if strings.TrimSuffix(url, "/") == trimmed {
			return cred, true
		}
	}
	return Credential{}, false
}
