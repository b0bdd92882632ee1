package adapter

import "fmt"

// ConfigurationError reports an unknown provider type or invalid adapter
// config. It is always raised before any external resource is allocated.
type ConfigurationError struct {
	Provider string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.Provider == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("provider %s: configuration error: %s", e.Provider, e.Reason)
}
