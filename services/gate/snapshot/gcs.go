// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/AleutianAI/benchgate/services/gate"
)

// GCSConfig configures a GCSStore.
type GCSConfig struct {
	// Bucket is the bucket name. Required.
	Bucket string `yaml:"bucket" validate:"required"`

	// Prefix is prepended to every object name, e.g. "benchgate".
	Prefix string `yaml:"prefix"`

	// CredentialsFile is a service account key. Empty uses application
	// default credentials.
	CredentialsFile string `yaml:"credentials_file"`

	// Endpoint overrides the API endpoint, for emulators.
	Endpoint string `yaml:"endpoint"`
}

// GCSStore keeps each snapshot as one JSON object
// "<prefix>/<scope>/<name>.json". An object only becomes visible when its
// writer is closed, so replacement is atomic.
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

// NewGCSStore connects to the bucket in cfg.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("service account key not found at path: %s: %w", cfg.CredentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSStore{
		client: client,
		bucket: client.Bucket(cfg.Bucket),
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (g *GCSStore) objectName(scope gate.Scope, name string) string {
	return path.Join(g.prefix, string(scope), name+".json")
}

// refFromObject is the inverse of objectName.
func (g *GCSStore) refFromObject(obj string) (Ref, bool) {
	if g.prefix != "" {
		if !strings.HasPrefix(obj, g.prefix+"/") {
			return Ref{}, false
		}
		obj = strings.TrimPrefix(obj, g.prefix+"/")
	}
	if !strings.HasSuffix(obj, ".json") {
		return Ref{}, false
	}
	return splitRef(strings.TrimSuffix(obj, ".json"))
}

// Put implements Store.
func (g *GCSStore) Put(ctx context.Context, s *Snapshot) error {
	if err := s.Validate(); err != nil {
		return err
	}
	obj := g.objectName(s.Scope, s.Name)

	w := g.bucket.Object(obj).NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache, no-store, must-revalidate"
	if err := json.NewEncoder(w).Encode(s); err != nil {
		_ = w.Close()
		return fmt.Errorf("write snapshot object %s: %w", obj, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", obj, err)
	}
	return nil
}

// Get implements Store.
func (g *GCSStore) Get(ctx context.Context, scope gate.Scope, name string) (*Snapshot, error) {
	obj := g.objectName(scope, name)
	r, err := g.bucket.Object(obj).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%s/%s: %w", scope, name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open snapshot object %s: %w", obj, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read snapshot object %s: %w", obj, err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot object %s: %w", obj, err)
	}
	return &s, nil
}

// List implements Store.
func (g *GCSStore) List(ctx context.Context, prefix string) ([]Ref, error) {
	q := &storage.Query{Prefix: path.Join(g.prefix, prefix)}
	if prefix == "" && g.prefix != "" {
		q.Prefix = g.prefix + "/"
	}
	it := g.bucket.Objects(ctx, q)

	var refs []Ref
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list snapshot objects: %w", err)
		}
		if ref, ok := g.refFromObject(attrs.Name); ok {
			refs = append(refs, ref)
		}
	}
	sortRefs(refs)
	return refs, nil
}

// DeleteScope implements Store.
func (g *GCSStore) DeleteScope(ctx context.Context, scope gate.Scope) (int, error) {
	refs, err := g.List(ctx, string(scope)+"/")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ref := range refs {
		if ref.Scope != scope {
			continue
		}
		err := g.bucket.Object(g.objectName(ref.Scope, ref.Name)).Delete(ctx)
		if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return n, fmt.Errorf("delete snapshot %s: %w", ref, err)
		}
		n++
	}
	return n, nil
}

// Close implements Store.
func (g *GCSStore) Close() error {
	return g.client.Close()
}
