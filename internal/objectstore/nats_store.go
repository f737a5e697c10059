// Package objectstore archives synthesized audio in a NATS JetStream object
// store bucket so transports can hand out keys instead of bytes.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const headerContentType = "Content-Type"

// ErrEmptyKey is returned for a blank object key.
var ErrEmptyKey = errors.New("object key cannot be empty")

// Object is a downloaded archive entry.
type Object struct {
	Key         string
	Data        []byte
	ContentType string
}

// NatsObjectStore implements core.ObjectStore on a JetStream object bucket.
type NatsObjectStore struct {
	bucket string
	store  nats.ObjectStore
}

// New creates the bucket, or binds to it when it already exists. A positive
// ttl expires archived audio.
func New(jetstreamContext nats.JetStreamContext, bucketName string, ttl time.Duration) (*NatsObjectStore, error) {
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: "Synthesized speech for " + bucketName,
		TTL:         ttl,
		MaxBytes:    0,
		Storage:     nats.FileStorage,
		Replicas:    1,
		Placement:   nil,
		Metadata:    nil,
		Compression: false,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}

		store, err = jetstreamContext.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsObjectStore{bucket: bucketName, store: store}, nil
}

// Download retrieves the bytes stored under key.
func (n *NatsObjectStore) Download(ctx context.Context, key string) ([]byte, error) {
	object, err := n.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}

	return object.Data, nil
}

// Fetch retrieves an object together with its content type.
func (n *NatsObjectStore) Fetch(ctx context.Context, key string) (*Object, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	result, err := n.store.Get(key, nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	data, readErr := io.ReadAll(result)
	closeErr := result.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", key, readErr)
	}

	if closeErr != nil {
		return nil, fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	contentType := ""

	info, infoErr := result.Info()
	if infoErr == nil && info.Headers != nil {
		contentType = info.Headers.Get(headerContentType)
	}

	return &Object{Key: key, Data: data, ContentType: contentType}, nil
}

// Upload stores data under key with its MIME type as a header.
func (n *NatsObjectStore) Upload(ctx context.Context, key string, data []byte, mimeType string) error {
	if key == "" {
		return ErrEmptyKey
	}

	headers := nats.Header{}
	if mimeType != "" {
		headers.Set(headerContentType, mimeType)
	}

	_, err := n.store.Put(&nats.ObjectMeta{
		Name:        key,
		Description: "",
		Headers:     headers,
		Metadata:    nil,
		Opts:        nil,
	}, bytes.NewReader(data), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}
