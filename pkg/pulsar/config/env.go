package config

import (
	"os"
	"strings"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

// GetEnvObject returns a cty object containing all environment variables
// as attributes, suitable for providing to an HCL evaluation context.
func GetEnvObject() cty.Value {
	envMap := make(map[string]cty.Value)

	for _, envVar := range os.Environ() {
		key, value, ok := strings.Cut(envVar, "=")
		if !ok {
			continue
		}
		envMap[sanitizeEnvVarName(key)] = cty.StringVal(value)
	}

	return cty.ObjectVal(envMap)
}

// EnvOrFunc returns the named environment variable, or the default when it is unset.
var EnvOrFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "name", Type: cty.String},
		{Name: "default", Type: cty.String},
	},
	Type: function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		if value, ok := os.LookupEnv(args[0].AsString()); ok {
			return cty.StringVal(value), nil
		}
		return args[1], nil
	},
})

// sanitizeEnvVarName converts environment variable names to valid HCL attribute names
// HCL attribute names must start with a letter or underscore and contain only
// letters, digits, underscores, and hyphens
func sanitizeEnvVarName(name string) string {
	if name == "" {
		return "_"
	}

	var result strings.Builder
	for i, char := range name {
		if isValidChar(char) && (i > 0 || isValidFirstChar(char)) {
			result.WriteRune(char)
		} else {
			result.WriteRune('_')
		}
	}
	return result.String()
}

func isValidFirstChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_'
}

func isValidChar(r rune) bool {
	return isValidFirstChar(r) || (r >= '0' && r <= '9') || r == '-'
}
