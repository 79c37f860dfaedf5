// Package registry checks remote image existence without shelling out,
// using go-containerregistry's crane client directly against the registry
// API.
package registry

import (
	"context"
	"errors"

	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
)

// Exists reports whether spec (a fully qualified "registry/repo:tag"
// reference) already has a manifest in the remote registry. A 404/NAME_UNKNOWN
// response is treated as "does not exist, no error"; any other failure
// (auth, network) is surfaced.
func Exists(ctx context.Context, spec string) (bool, error) {
	_, err := crane.Manifest(spec, crane.WithContext(ctx))
	if err == nil {
		return true, nil
	}

	var terr *transport.Error
	if errors.As(err, &terr) && terr.StatusCode == 404 {
		return false, nil
	}

	return false, err
}
