// Package yamlx decodes loosely typed bus payloads into config structs.
package yamlx

import (
	"gopkg.in/yaml.v3"
)

// Decode fills dst from src. src may be raw YAML/JSON ([]byte or string),
// an already decoded map, or a value of type T itself.
func Decode[T any](src any, dst *T) error {
	switch v := src.(type) {
	case T:
		*dst = v
		return nil
	case *T:
		if v != nil {
			*dst = *v
		}
		return nil
	case []byte:
		return yaml.Unmarshal(v, dst)
	case string:
		return yaml.Unmarshal([]byte(v), dst)
	default:
		b, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		return yaml.Unmarshal(b, dst)
	}
}
