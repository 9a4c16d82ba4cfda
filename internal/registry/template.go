package registry

import (
	"bytes"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jcoletaylor/tasker-sub003/internal/domain"
	"github.com/jcoletaylor/tasker-sub003/internal/errors"
)

// ParseTemplate parses a YAML template document into a TemplateDefinition.
// Unknown fields are rejected so typos surface at registration rather than
// as silently dropped configuration. The parsed definition is validated.
func ParseTemplate(data []byte) (*domain.TemplateDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def domain.TemplateDefinition
	if err := dec.Decode(&def); err != nil {
		if err == io.EOF {
			return nil, errors.Wrap(errors.ErrTemplateParseError, "template document is empty")
		}
		return nil, errors.Wrapf(errors.ErrTemplateParseError, "%v", err)
	}

	if err := ValidateDefinition(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadTemplateFile reads and parses a YAML template from path.
func LoadTemplateFile(path string) (*domain.TemplateDefinition, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read template file %s", path)
	}
	return ParseTemplate(data)
}
