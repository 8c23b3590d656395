// Package storage archives a project's raw uploaded source bytes in MinIO,
// addressable by (project, deployment id) for audit and
// redeploy-from-last-good-archive. Grounded directly on the old build
// artifact store, with "build manifest" replaced by "uploaded source
// archive" and the build-id key replaced by the Deployment Manager's own
// DeploymentId.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArchiveStore persists uploaded source archives in a MinIO bucket.
type ArchiveStore struct {
	client *minio.Client
	bucket string
}

// Archive is one uploaded source archive, addressed by project and the
// deployment id it was uploaded for.
type Archive struct {
	Project      string
	DeploymentID string
	Data         []byte
	CreatedAt    time.Time
}

// NewArchiveStore dials endpoint and ensures bucket exists, creating it if
// this is the first run.
func NewArchiveStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*ArchiveStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		log.Printf("✅ Created bucket: %s", bucket)
	}

	return &ArchiveStore{client: client, bucket: bucket}, nil
}

func objectName(project, deploymentID string) string {
	return fmt.Sprintf("archives/%s/%s/source.tar.gz", project, deploymentID)
}

// Store uploads the raw archive bytes for a (project, deploymentID) pair.
func (s *ArchiveStore) Store(ctx context.Context, project, deploymentID string, data []byte) error {
	name := objectName(project, deploymentID)

	_, err := s.client.PutObject(ctx, s.bucket, name,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType: "application/gzip",
			UserMetadata: map[string]string{
				"project":       project,
				"deployment-id": deploymentID,
				"created-at":    time.Now().Format(time.RFC3339),
			},
		})
	if err != nil {
		return fmt.Errorf("failed to store archive: %w", err)
	}

	log.Printf("✅ Stored archive: %s", name)
	return nil
}

// Fetch downloads a previously stored archive.
func (s *ArchiveStore) Fetch(ctx context.Context, project, deploymentID string) (*Archive, error) {
	name := objectName(project, deploymentID)

	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get archive: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}

	stat, err := obj.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}

	createdAt, _ := time.Parse(time.RFC3339, stat.UserMetadata["created-at"])

	return &Archive{
		Project:      project,
		DeploymentID: deploymentID,
		Data:         data,
		CreatedAt:    createdAt,
	}, nil
}

// Delete removes a project's archive for deploymentID. Idempotent: a
// missing object is not an error.
func (s *ArchiveStore) Delete(ctx context.Context, project, deploymentID string) error {
	name := objectName(project, deploymentID)
	if err := s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete archive: %w", err)
	}
	return nil
}
