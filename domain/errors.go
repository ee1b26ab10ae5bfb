package domain

import "fmt"

// ConfigError reports a missing or malformed catalog definition. It is
// fatal at startup.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// StorageError reports a failed persisted-state operation. Callers surface
// it as a failed command; it is never retried.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ConnectionError reports a live client that could not be written to. It is
// handled inside the hub by dropping that client.
type ConnectionError struct {
	Client string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("client %s: %v", e.Client, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
