package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/letter-workflow/types"
)

// definitionsFile is the on-disk layout of a definitions file:
//
//	definitions:
//	  - id: 1
//	    name: letter-approval
//	    entity_type: Letter
//	    ...
type definitionsFile struct {
	Definitions []types.WorkflowDefinition `yaml:"definitions"`
}

// ParseDefinitionsYAML decodes a definitions document. Unknown keys are
// rejected. Definitions are not validated here; RegisterDefinition does that.
func ParseDefinitionsYAML(data []byte) ([]types.WorkflowDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file definitionsFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("definitions document is empty")
		}
		return nil, fmt.Errorf("failed to decode definitions: %w", err)
	}
	if len(file.Definitions) == 0 {
		return nil, errors.New("definitions document has no definitions")
	}
	return file.Definitions, nil
}

// LoadDefinitionsFile reads and decodes the definitions file at path.
func LoadDefinitionsFile(path string) ([]types.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions file: %w", err)
	}
	defs, err := ParseDefinitionsYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}
