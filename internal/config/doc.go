// Package config loads pybundle settings from a YAML file, PYBUNDLE_*
// environment variables and command-line flags.
//
// Every key is merged on its own: a set flag beats the environment, which
// beats the file, which beats the default. The settings template written by
// "pybundle init" is produced with yaml.v3.
package config
