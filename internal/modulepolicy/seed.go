package modulepolicy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// seedFile is the YAML document LoadSeed reads: a flat list of module
// names an operator pre-approves at deploy time, e.g.
//
//	modules:
//	  - requests
//	  - dateutil
type seedFile struct {
	Modules []string `yaml:"modules"`
}

// LoadSeed reads a YAML seed file of pre-approved third-party modules.
// An empty path means no seed; permanently forbidden names in the file
// are an error rather than silently dropped, since a seed file naming
// one is a misconfiguration worth failing loudly on.
func LoadSeed(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read module seed file: %w", err)
	}
	var doc seedFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse module seed file %s: %w", path, err)
	}
	for _, name := range doc.Modules {
		if permanentlyForbidden[name] {
			return nil, fmt.Errorf("module seed file %s names permanently forbidden module %q", path, name)
		}
	}
	return doc.Modules, nil
}
