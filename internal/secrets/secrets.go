package secrets

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// GeminiAPIKeyName is the credential looked up across all providers.
const GeminiAPIKeyName = "GEMINI_API_KEY" // #nosec G101 - name of the credential, not its value

// GeneralGroup is the secrets-file group checked after the top level.
const GeneralGroup = "general"

// Provider yields a secret value when one is available from its source.
type Provider func() (string, bool)

// Resolve tries each provider in order and returns the first value present.
func Resolve(providers ...Provider) (string, bool) {
	for _, p := range providers {
		if p == nil {
			continue
		}
		if v, ok := p(); ok {
			return v, true
		}
	}
	return "", false
}

// FromEnv reads a process environment variable.
func FromEnv(name string) Provider {
	return func() (string, bool) {
		v := strings.TrimSpace(os.Getenv(name))
		return v, v != ""
	}
}

// FromFileKey reads a top-level scalar key from a YAML secrets file.
// A missing or unreadable file is treated as "no value", not an error.
func FromFileKey(path, key string) Provider {
	return func() (string, bool) {
		doc, err := loadFile(path)
		if err != nil {
			return "", false
		}
		return scalar(doc[key])
	}
}

// FromFileGroup reads a key nested under a group mapping in a YAML secrets file.
func FromFileGroup(path, group, key string) Provider {
	return func() (string, bool) {
		doc, err := loadFile(path)
		if err != nil {
			return "", false
		}
		g, ok := doc[group].(map[string]any)
		if !ok {
			return "", false
		}
		return scalar(g[key])
	}
}

// APIKeyChain is the resolution order for the extraction service credential:
// process environment first, then the secrets file top level, then the
// secrets file "general" group.
func APIKeyChain(secretsPath string) []Provider {
	return []Provider{
		FromEnv(GeminiAPIKeyName),
		FromFileKey(secretsPath, GeminiAPIKeyName),
		FromFileGroup(secretsPath, GeneralGroup, GeminiAPIKeyName),
	}
}

func loadFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path) // #nosec G304 - operator-configured secrets path
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func scalar(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}
