package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// railsFile is an optional sidecar YAML document naming the multirail
// backend's data rail devices explicitly, for topologies where the comma
// list in xferctl.yaml's multirail.data_rails is awkward to hand-edit (many
// rails, or rails chosen by a deployment script). Loaded directly with
// yaml.v3, independent of the main config's viper layering, the way the
// pack's object-storage CLI reads its own client config file straight off
// disk instead of through viper.
type railsFile struct {
	DataRails []string `yaml:"data_rails"`
}

func loadRailsFile(path string) (*railsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rails file: %w", err)
	}
	var rf railsFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse rails file %s: %w", path, err)
	}
	if len(rf.DataRails) == 0 {
		return nil, fmt.Errorf("rails file %s: data_rails is empty", path)
	}
	return &rf, nil
}
