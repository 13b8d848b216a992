package provider

import "fmt"

// ConfigError reports required credentials or settings missing before any
// external call is attempted.
type ConfigError struct {
	Missing string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("provider: missing configuration: %s", e.Missing)
}

// ServiceError wraps a failed external call: network failure, non-2xx
// response, or a malformed payload. The engine treats it as "no mutation
// occurred" and never retries beyond the provider's own transport retries.
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("provider: %s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}
