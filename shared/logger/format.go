package logger

import (
	"fmt"

	"gopkg.in/yaml.v2"
)

// Pretty will attempt to convert any Go structure into a string suitable for logging.
func Pretty(input any) string {
	pretty, err := yaml.Marshal(input)
	if err != nil {
		return fmt.Sprintf("%v", input)
	}

	return fmt.Sprintf("\n%s", pretty)
}
