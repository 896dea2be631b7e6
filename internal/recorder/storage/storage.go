// storage/store.go
package storage

import (
	"context"
	"errors"
	"io"
)

// ObjectStore defines the object storage operations the clip uploader needs
type ObjectStore interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, opts ...PutOption) error
	PutFile(ctx context.Context, key, filePath string, opts ...PutOption) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error

	// Health check
	HealthCheck(ctx context.Context) error
}

// PutOption configures Put operations
type PutOption interface {
	applyPut(*putOptions)
}

type putOptions struct {
	ContentType  string
	Metadata     map[string]string
	CacheControl string
	ProgressFn   ProgressFunc
}

// ProgressFunc is called to report upload progress
type ProgressFunc func(bytesTransferred int64, totalBytes int64)

type contentTypeOption string

func (o contentTypeOption) applyPut(opts *putOptions) { opts.ContentType = string(o) }

type metadataOption map[string]string

func (o metadataOption) applyPut(opts *putOptions) { opts.Metadata = o }

type cacheControlOption string

func (o cacheControlOption) applyPut(opts *putOptions) { opts.CacheControl = string(o) }

type progressOption struct{ fn ProgressFunc }

func (o progressOption) applyPut(opts *putOptions) { opts.ProgressFn = o.fn }

func WithContentType(contentType string) PutOption {
	return contentTypeOption(contentType)
}

func WithMetadata(metadata map[string]string) PutOption {
	return metadataOption(metadata)
}

func WithCacheControl(cacheControl string) PutOption {
	return cacheControlOption(cacheControl)
}

func WithProgress(fn ProgressFunc) PutOption {
	return progressOption{fn: fn}
}

// StorageError represents a storage operation error
type StorageError struct {
	Op         string
	Key        string
	Err        error
	StatusCode int
	Retryable  bool
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return e.Op + " " + e.Key + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsNotExist returns true if the error indicates the object doesn't exist
func IsNotExist(err error) bool {
	var serr *StorageError
	if errors.As(err, &serr) {
		return serr.StatusCode == 404
	}
	return false
}

// IsAccessDenied returns true if the error indicates access was denied
func IsAccessDenied(err error) bool {
	var serr *StorageError
	if errors.As(err, &serr) {
		return serr.StatusCode == 403
	}
	return false
}
