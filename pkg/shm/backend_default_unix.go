//go:build unix && !linux

package shm

// DefaultBackend returns the file backend in DefaultDir.
func DefaultBackend() Backend {
	return NewFileBackend("")
}

func platformBackend(name, dir string) (Backend, error) {
	if name == "file" {
		return NewFileBackend(dir), nil
	}
	return nil, nil
}
