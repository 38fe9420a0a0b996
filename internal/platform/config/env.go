// Package config holds the environment-driven configuration helpers shared
// by the gateway and agent runner commands.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv fills target's env-tagged fields from process environment
// variables, falling back to each field's envDefault. Commands call this
// before applying flag overrides.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
