package report

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"go.uber.org/zap"
)

// Uploader persists a rendered report somewhere durable and returns where.
type Uploader interface {
	Upload(ctx context.Context, name string, data []byte, metadata map[string]string) (string, error)
}

// BlobUploader stores reports in an Azure Blob Storage container using a
// shared-key connection string. Plain-HTTP endpoints (Azurite) are allowed.
type BlobUploader struct {
	client        *azblob.Client
	containerName string
	prefix        string
	logger        *zap.Logger
	containerInit bool
}

// NewBlobUploader parses connectionString and prepares a client for
// containerName. Blobs are written under prefix, if set.
func NewBlobUploader(connectionString, containerName, prefix string, logger *zap.Logger) (*BlobUploader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if connectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if containerName == "" {
		return nil, fmt.Errorf("container name is required")
	}

	params := parseConnectionString(connectionString)
	accountName := params["AccountName"]
	accountKey := params["AccountKey"]
	serviceURL := params["BlobEndpoint"]
	if accountName == "" || accountKey == "" {
		return nil, fmt.Errorf("account name and key are required in the connection string")
	}
	if serviceURL == "" {
		suffix := params["EndpointSuffix"]
		if suffix == "" {
			suffix = "core.windows.net"
		}
		protocol := params["DefaultEndpointsProtocol"]
		if protocol == "" {
			protocol = "https"
		}
		serviceURL = fmt.Sprintf("%s://%s.blob.%s", protocol, accountName, suffix)
	}

	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared key credential: %w", err)
	}

	var clientOpts *azblob.ClientOptions
	if strings.HasPrefix(strings.ToLower(serviceURL), "http://") {
		clientOpts = &azblob.ClientOptions{
			ClientOptions: azcore.ClientOptions{
				InsecureAllowCredentialWithHTTP: true,
			},
		}
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	return &BlobUploader{
		client:        client,
		containerName: containerName,
		prefix:        strings.Trim(prefix, "/"),
		logger:        logger,
	}, nil
}

// BlobName returns the blob path a report called name is stored under.
func (u *BlobUploader) BlobName(name string) string {
	if u.prefix == "" {
		return name
	}
	return path.Join(u.prefix, name)
}

// Upload writes data as a JSON block blob and returns its URL.
func (u *BlobUploader) Upload(ctx context.Context, name string, data []byte, metadata map[string]string) (string, error) {
	if err := u.ensureContainer(ctx); err != nil {
		return "", err
	}

	metadataPtr := make(map[string]*string, len(metadata))
	for k, v := range metadata {
		metadataPtr[k] = to.Ptr(v)
	}

	blobPath := u.BlobName(name)
	blobClient := u.client.ServiceClient().NewContainerClient(u.containerName).NewBlockBlobClient(blobPath)

	_, err := blobClient.UploadBuffer(ctx, data, &azblob.UploadBufferOptions{
		Metadata: metadataPtr,
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr("application/json"),
		},
	})
	if err != nil {
		u.logger.Error("Failed to upload report",
			zap.String("blob_path", blobPath),
			zap.Int("size", len(data)),
			zap.Error(err))
		return "", fmt.Errorf("blob upload failed: %w", err)
	}

	u.logger.Info("Uploaded report",
		zap.String("blob_path", blobPath),
		zap.Int("size_bytes", len(data)))

	return blobClient.URL(), nil
}

func (u *BlobUploader) ensureContainer(ctx context.Context) error {
	if u.containerInit {
		return nil
	}

	_, err := u.client.CreateContainer(ctx, u.containerName, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == "ContainerAlreadyExists" {
			u.containerInit = true
			return nil
		}
		return fmt.Errorf("failed to ensure container: %w", err)
	}

	u.containerInit = true
	return nil
}

// Publish marshals doc and hands it to up under "<run id>.json".
func Publish(ctx context.Context, up Uploader, doc Document) (string, error) {
	data, err := doc.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}
	return up.Upload(ctx, doc.RunID+".json", data, map[string]string{
		"run_id": doc.RunID,
		"state":  string(doc.State),
	})
}

func parseConnectionString(connectionString string) map[string]string {
	parts := strings.Split(connectionString, ";")
	params := make(map[string]string, len(parts))
	for _, part := range parts {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || key == "" {
			continue
		}
		params[key] = value
	}
	return params
}
