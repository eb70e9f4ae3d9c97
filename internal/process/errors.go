package process

import "fmt"

// SpawnError reports that an executable could not be launched at all
// (missing file, permission denied, bad interpreter).
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
