package config

import (
	"fmt"
	"os"
	"strings"
)

// ResolveKeys resolves a credential reference of the form
// "env:VAR1,VAR2,..." to the variables' values, in order. Every referenced
// variable must be set; secrets are never written in config files.
func ResolveKeys(ref string) ([]string, error) {
	if ref == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(ref, "env:")
	if !ok {
		return nil, fmt.Errorf("unsupported key reference %q, want env:VAR[,VAR]", ref)
	}
	names := strings.Split(spec, ",")
	values := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("empty variable name in key reference %q", ref)
		}
		v, set := os.LookupEnv(name)
		if !set || v == "" {
			return nil, fmt.Errorf("credential variable %s is not set", name)
		}
		values = append(values, v)
	}
	return values, nil
}
