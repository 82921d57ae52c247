// Package labels maps model class indices to weed class names.
package labels

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed cottonweed12.yaml
var defaultLabels []byte

type labelFile struct {
	Classes []string `yaml:"classes"`
}

// Load returns the class-name list for the model head. An empty path
// selects the embedded CottonWeedDet12 list; otherwise the YAML file at
// path is used. Order must match the model's class channels.
func Load(path string) ([]string, error) {
	data := defaultLabels
	if path != "" {
		fileData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read labels file: %w", err)
		}
		data = fileData
	}

	var f labelFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse labels: %w", err)
	}
	if len(f.Classes) == 0 {
		return nil, fmt.Errorf("labels file contains no classes")
	}
	return f.Classes, nil
}

// Name resolves a class index to its name. Out-of-range indices map to
// a numeric placeholder.
func Name(classes []string, idx int) string {
	if idx < 0 || idx >= len(classes) {
		return fmt.Sprintf("class_%d", idx)
	}
	return classes[idx]
}
