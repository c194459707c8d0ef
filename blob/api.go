// Package blob stores avatar images and hands out public URLs for them.
package blob

import (
	"context"
	"io"
)

type Store interface {
	// Upload writes content at path, replacing what was there.
	Upload(ctx context.Context, path string, content io.Reader) error

	// PublicURL returns the URL the content at path is served from.
	PublicURL(path string) (string, error)
}

// AvatarPath is the blob path of a principal's avatar.
func AvatarPath(principal string) string {
	return "avatars/" + principal
}
