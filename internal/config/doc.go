// Package config loads relay configuration from environment variables,
// with an optional .env file for local development.
package config
