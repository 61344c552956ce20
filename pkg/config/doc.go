// Package config loads coordinator and executor configuration from a
// YAML file (gopkg.in/yaml.v3), with the fields the Bind*Flags
// functions register overridable by a cobra/pflag command-line flag
// (TickLength and FactorLength, among others, have no flag), following
// the same
// flag-then-file-then-default precedence the cuemby/warren CLI uses
// for its apply command.
package config
