// Package blob stores snapshot archives by key on the local filesystem or
// in an S3-compatible bucket.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// Driver identifies a storage backend.
type Driver string

const (
	DriverFilesystem Driver = "fs"
	DriverS3         Driver = "s3"
)

// ErrNotFound is returned by Get for a key that holds no blob.
var ErrNotFound = errors.New("blob not found")

// Store is a flat key/value blob store. Put replaces an existing blob.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// List returns the keys under prefix in ascending order.
	List(ctx context.Context, prefix string) ([]string, error)
	Driver() Driver
}

// Options carries backend settings that cannot be expressed in a URI.
type Options struct {
	Region   string
	Endpoint string
}

// Open returns the store addressed by uri: s3://bucket/prefix selects S3,
// anything else (optionally file://) is a local directory.
func Open(ctx context.Context, uri string, opts Options) (Store, error) {
	if strings.HasPrefix(uri, "s3://") {
		u, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", uri, err)
		}
		return NewS3(ctx, S3Config{
			Bucket:    u.Host,
			Prefix:    strings.TrimPrefix(u.Path, "/"),
			Region:    opts.Region,
			Endpoint:  opts.Endpoint,
			PathStyle: opts.Endpoint != "",
		})
	}
	return NewFS(strings.TrimPrefix(uri, "file://"))
}
