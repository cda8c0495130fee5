// Package config provides centralized configuration management for the
// AgentPay runtime. Boot configuration is a single JSON file with sane
// defaults applied for any omitted field; relative paths are resolved
// against the config file's directory.
package config
