// Package config holds the server configuration.
//
// Values are resolved once at startup in this order: command-line flags
// that were explicitly set, environment variables, an optional YAML file,
// then built-in defaults. The resulting Config is read-only afterwards.
//
// The FHIR store credentials have no default. Validate fails with
// ErrMissingCredentials when either is missing or blank.
package config
