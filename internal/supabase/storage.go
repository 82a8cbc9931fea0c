package supabase

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	storage "github.com/supabase-community/storage-go"
)

type StorageClient struct {
	client  *storage.Client
	bucket  string
	baseURL string
}

func NewStorageClient(supabaseURL, serviceRoleKey, bucket string) (*StorageClient, error) {
	baseURL := strings.TrimRight(supabaseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("supabase url is required")
	}
	client := storage.NewClient(baseURL+"/storage/v1", serviceRoleKey, nil)

	return &StorageClient{
		client:  client,
		bucket:  bucket,
		baseURL: baseURL,
	}, nil
}

// UploadPath is where a user's product image is stored.
func UploadPath(userID uuid.UUID, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "upload"
	}
	return fmt.Sprintf("users/%s/uploads/%s-%s", userID.String(), uuid.New().String(), name)
}

// UploadFile stores data for userID and returns the storage path and public URL.
func (s *StorageClient) UploadFile(userID uuid.UUID, filename, contentType string, data []byte) (string, string, error) {
	storagePath := UploadPath(userID, filename)

	upsert := false
	_, err := s.client.UploadFile(s.bucket, storagePath, bytes.NewReader(data), storage.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to upload file: %w", err)
	}

	return storagePath, s.GetPublicURL(storagePath), nil
}

func (s *StorageClient) GetPublicURL(storagePath string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s",
		s.baseURL, s.bucket, storagePath)
}

// StoragePath maps a public URL of this bucket back to its object path.
func (s *StorageClient) StoragePath(publicURL string) (string, bool) {
	prefix := s.GetPublicURL("")
	if !strings.HasPrefix(publicURL, prefix) {
		return "", false
	}
	p := strings.TrimPrefix(publicURL, prefix)
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	return p, p != ""
}

// Remove deletes generated media by public URL. URLs outside the bucket are skipped.
func (s *StorageClient) Remove(ctx context.Context, urls ...string) error {
	var paths []string
	for _, u := range urls {
		if p, ok := s.StoragePath(u); ok {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return nil
	}
	if _, err := s.client.RemoveFile(s.bucket, paths); err != nil {
		return fmt.Errorf("failed to delete files: %w", err)
	}
	return nil
}
