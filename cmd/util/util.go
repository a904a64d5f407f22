// Package util holds the flag plumbing shared by the genpipe commands.
package util

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// MustBindPFlag binds a viper key to a cobra flag, panicking on failure.
// Binding only fails on a nil flag, which is a programming error.
func MustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag for %q: %v", key, err))
	}
}

// MustBindEnv binds a viper key to one or more environment variables,
// panicking on failure.
func MustBindEnv(input ...string) {
	if err := viper.BindEnv(input...); err != nil {
		panic(fmt.Sprintf("bind env for %q: %v", input[0], err))
	}
}
