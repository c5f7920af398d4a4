//go:build linux

package shm

// DefaultBackend returns the file backend in DefaultDir.
func DefaultBackend() Backend {
	return NewFileBackend("")
}

func platformBackend(name, dir string) (Backend, error) {
	switch name {
	case "file":
		return NewFileBackend(dir), nil
	case "memfd":
		return NewMemfdBackend(), nil
	}
	return nil, nil
}
