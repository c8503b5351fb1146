// Package artifacts publishes finished repository archives.
package artifacts

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

// Publisher stores an artifact and returns where it can be fetched.
type Publisher interface {
	Publish(ctx context.Context, name string, data []byte) (string, error)
}

// Dir publishes into a local directory.
type Dir struct {
	root string
}

// NewDir creates a publisher writing below root.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

// Publish writes data to root/name and returns the absolute path.
func (d *Dir) Publish(_ context.Context, name string, data []byte) (string, error) {
	rel, err := cleanName(name)
	if err != nil {
		return "", err
	}
	path := filepath.Join(d.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating artifact directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing artifact: %w", err)
	}
	return filepath.Abs(path)
}

type blobUploader interface {
	UploadBuffer(ctx context.Context, containerName, blobName string, buffer []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error)
}

// Blob publishes to an Azure Storage container.
type Blob struct {
	accountURL string
	container  string
	client     blobUploader
}

// NewBlob creates a publisher for container in the storage account at
// accountURL. A nil credential uses the default Azure credential chain.
func NewBlob(accountURL, container string, cred azcore.TokenCredential) (*Blob, error) {
	if cred == nil {
		var err error
		cred, err = azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("creating azure credential: %w", err)
		}
	}
	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating blob client: %w", err)
	}
	return &Blob{accountURL: accountURL, container: container, client: client}, nil
}

// Publish uploads data and returns the blob URL.
func (b *Blob) Publish(ctx context.Context, name string, data []byte) (string, error) {
	rel, err := cleanName(name)
	if err != nil {
		return "", err
	}
	_, err = b.client.UploadBuffer(ctx, b.container, rel, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType(rel))},
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", rel, err)
	}
	return url.JoinPath(b.accountURL, b.container, rel)
}

func cleanName(name string) (string, error) {
	clean := filepath.ToSlash(filepath.Clean(filepath.FromSlash(name)))
	if name == "" || clean == "." || strings.HasPrefix(clean, "../") || clean == ".." || strings.HasPrefix(clean, "/") {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	return clean, nil
}

func contentType(name string) string {
	if strings.HasSuffix(name, ".zip") {
		return "application/zip"
	}
	return "application/octet-stream"
}
