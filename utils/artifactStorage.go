package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// getGoogleClient initializes a Google Cloud Storage client.
// ADC is preferred; GCS_CREDENTIALS_JSON provides explicit credentials locally.
func getGoogleClient(ctx context.Context) (*storage.Client, error) {
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

// GCSArtifactStore keeps signed authority responses in a bucket.
type GCSArtifactStore struct {
	Bucket string
	// Prefix is prepended to every object name, e.g. "clearance/".
	Prefix string

	mu     sync.Mutex
	client *storage.Client
}

func NewGCSArtifactStore(bucket string) *GCSArtifactStore {
	return &GCSArtifactStore{Bucket: bucket, Prefix: "clearance/"}
}

func (s *GCSArtifactStore) gcsClient(ctx context.Context) (*storage.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	c, err := getGoogleClient(ctx)
	if err != nil {
		return nil, err
	}
	s.client = c
	return c, nil
}

// ArtifactObjectName is the object name for a document's response artifact.
func ArtifactObjectName(prefix, tenantId, documentKey string) string {
	return fmt.Sprintf("%s%s/%s/response.xml", prefix, tenantId, documentKey)
}

// Put uploads the artifact and returns the object name to store on the document.
func (s *GCSArtifactStore) Put(ctx context.Context, tenantId, documentKey string, data []byte) (string, error) {
	if s.Bucket == "" {
		return "", errors.New("GCS_BUCKET is required")
	}
	client, err := s.gcsClient(ctx)
	if err != nil {
		return "", err
	}

	name := ArtifactObjectName(s.Prefix, tenantId, documentKey)
	wc := client.Bucket(s.Bucket).Object(name).NewWriter(ctx)
	wc.ContentType = "application/xml"
	wc.Metadata = map[string]string{
		"tenant_id":    tenantId,
		"document_key": documentKey,
	}
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return "", fmt.Errorf("failed to upload artifact to Google Cloud Storage: %v", err)
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("failed to close writer: %v", err)
	}
	return name, nil
}

func (s *GCSArtifactStore) Get(ctx context.Context, ref string) ([]byte, error) {
	client, err := s.gcsClient(ctx)
	if err != nil {
		return nil, err
	}
	rc, err := client.Bucket(s.Bucket).Object(ref).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (s *GCSArtifactStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}
