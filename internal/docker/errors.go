package docker

import "errors"

// ErrNotFound indicates the requested engine resource does not exist.
var ErrNotFound = errors.New("docker: resource not found")
