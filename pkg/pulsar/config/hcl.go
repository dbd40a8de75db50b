package config

import (
	"fmt"
	"path/filepath"

	"github.com/hashicorp/go-cty-funcs/encoding"
	"github.com/hashicorp/go-cty-funcs/filesystem"
	"github.com/hashicorp/go-cty-funcs/uuid"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

func parseHCL(data []byte, filename string) (*fileConfig, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, diags.Error())
	}

	var raw fileConfig
	diags = gohcl.DecodeBody(file.Body, evalContext(filepath.Dir(filename)), &raw)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, diags.Error())
	}
	return &raw, nil
}

// evalContext exposes env, env_or and a small function library to
// expressions. Relative paths given to file() resolve against baseDir.
func evalContext(baseDir string) *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": GetEnvObject(),
		},
		Functions: Functions(baseDir),
	}
}

// Functions returns the functions available in HCL configuration files.
func Functions(baseDir string) map[string]function.Function {
	return map[string]function.Function{
		"env_or": EnvOrFunc,

		"upper":      stdlib.UpperFunc,
		"lower":      stdlib.LowerFunc,
		"trimspace":  stdlib.TrimSpaceFunc,
		"format":     stdlib.FormatFunc,
		"join":       stdlib.JoinFunc,
		"split":      stdlib.SplitFunc,
		"replace":    stdlib.ReplaceFunc,
		"coalesce":   stdlib.CoalesceFunc,
		"jsonencode": stdlib.JSONEncodeFunc,
		"jsondecode": stdlib.JSONDecodeFunc,

		"base64encode": encoding.Base64EncodeFunc,
		"base64decode": encoding.Base64DecodeFunc,
		"urlencode":    encoding.URLEncodeFunc,

		"file":       filesystem.MakeFileFunc(baseDir, false),
		"basename":   filesystem.BasenameFunc,
		"pathexpand": filesystem.PathExpandFunc,

		"uuidv4": uuid.V4Func,

		"diff":  DiffFunc,
		"patch": PatchFunc,
	}
}
