package model

import (
	"context"
	"os"

	"github.com/caseworks/docket/expr"

	"gopkg.in/yaml.v2"
)

// ParseYAML parses a case definition from YAML.  The definition is not
// compiled.
//
// The XML dialect of the modeling tools stays out of this package; YAML is
// the operational and fixture format here.
func ParseYAML(bs []byte) (*CaseDef, error) {
	var def CaseDef
	if err := yaml.Unmarshal(bs, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// ReadFile reads, parses, and compiles a case definition from a YAML file.
func ReadFile(ctx context.Context, filename string, evaluators map[string]expr.Evaluator) (*CaseDef, error) {
	bs, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	def, err := ParseYAML(bs)
	if err != nil {
		return nil, err
	}
	if err = def.Compile(ctx, evaluators); err != nil {
		return nil, err
	}
	return def, nil
}
