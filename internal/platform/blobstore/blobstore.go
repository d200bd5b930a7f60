// Package blobstore stores case attachments (intraoral scans, photos, lab
// reports) under patient-scoped folders. The in-memory store backs development
// and tests; S3 backs production.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrInvalidKey         = errors.New("invalid blob key")
)

// MaxFileSize is the maximum allowed blob size in bytes (100 MB).
const MaxFileSize = 100 * 1024 * 1024

// AllowedContentTypes lists the file types accepted for case attachments.
var AllowedContentTypes = map[string]bool{
	"image/png":                true,
	"image/jpeg":               true,
	"application/pdf":          true,
	"application/dicom":        true,
	"model/stl":                true,
	"model/obj":                true,
	"application/sla":          true,
	"application/octet-stream": true,
	"text/plain":               true,
}

// Object describes a stored blob.
type Object struct {
	Key         string    `json:"key"`
	FileName    string    `json:"fileName"`
	ContentType string    `json:"contentType,omitempty"`
	Size        int64     `json:"size"`
	ETag        string    `json:"etag,omitempty"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

// Store is implemented by every blob backend.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (Object, error)
	Get(ctx context.Context, key string) (Object, io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]Object, error)
	Delete(ctx context.Context, key string) error
}

// CheckPut validates a key and content type before anything is read.
func CheckPut(key, contentType string) error {
	if key == "" || strings.HasSuffix(key, "/") || strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return ErrInvalidKey
	}
	if !AllowedContentTypes[baseContentType(contentType)] {
		return ErrInvalidContentType
	}
	return nil
}

func baseContentType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// readLimited buffers r, failing once MaxFileSize is exceeded.
func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	return data, nil
}

type storedBlob struct {
	object  Object
	content []byte
}

// MemoryStore is a thread-safe, in-memory Store for tests and development.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[string]*storedBlob),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Put stores the content under key, replacing any previous blob.
func (s *MemoryStore) Put(_ context.Context, key string, r io.Reader, contentType string) (Object, error) {
	if err := CheckPut(key, contentType); err != nil {
		return Object{}, err
	}
	data, err := readLimited(r)
	if err != nil {
		return Object{}, err
	}

	h := sha256.Sum256(data)
	obj := Object{
		Key:         key,
		FileName:    path.Base(key),
		ContentType: contentType,
		Size:        int64(len(data)),
		ETag:        fmt.Sprintf("%x", h),
		UploadedAt:  s.now(),
	}

	s.mu.Lock()
	s.blobs[key] = &storedBlob{object: obj, content: data}
	s.mu.Unlock()
	return obj, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (Object, io.ReadCloser, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()

	if !ok {
		return Object{}, nil, ErrBlobNotFound
	}
	return blob.object, io.NopCloser(bytes.NewReader(blob.content)), nil
}

// List returns the objects whose key starts with prefix, ordered by key.
func (s *MemoryStore) List(_ context.Context, prefix string) ([]Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Object{}
	for k, b := range s.blobs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, b.object)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[key]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, key)
	return nil
}
