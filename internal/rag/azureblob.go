package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// Authentication methods accepted in the azure_blob config.
const (
	authConnectionString  = "connection_string"
	authServicePrincipal  = "service_principal"
	authManagedIdentity   = "managed_identity"
	authDefaultCredential = "default_credential"
)

type azureServicePrincipal struct {
	TenantID     string `json:"tenant_id"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type azureBlobConfig struct {
	ContainerName      string                `json:"container_name"`
	StorageAccountName string                `json:"storage_account_name"`
	AuthMethod         string                `json:"auth_method"`
	ConnectionString   string                `json:"connection_string"`
	ServicePrincipal   azureServicePrincipal `json:"service_principal"`
}

// applyEnv fills missing service principal fields from the standard
// AZURE_* variables so secrets can stay out of catalog config blobs.
func (c *azureBlobConfig) applyEnv() {
	if c.ServicePrincipal.TenantID == "" {
		c.ServicePrincipal.TenantID = os.Getenv("AZURE_TENANT_ID")
	}
	if c.ServicePrincipal.ClientID == "" {
		c.ServicePrincipal.ClientID = os.Getenv("AZURE_CLIENT_ID")
	}
	if c.ServicePrincipal.ClientSecret == "" {
		c.ServicePrincipal.ClientSecret = os.Getenv("AZURE_CLIENT_SECRET")
	}
}

func (c *azureBlobConfig) accountURL() string {
	return fmt.Sprintf("https://%s.blob.core.windows.net", c.StorageAccountName)
}

// AzureBlob stores documents as block blobs named "<kb>/<filename>"
// inside one container, so rag URIs double as blob names and prefix
// listing per knowledge base falls out of flat enumeration.
type AzureBlob struct {
	client    *azblob.Client
	container string
	kb        string
	logger    *slog.Logger

	mu             sync.Mutex
	containerReady bool
}

var _ Adapter = (*AzureBlob)(nil)

func newAzureBlob(kbName string, raw json.RawMessage, logger *slog.Logger) (*AzureBlob, error) {
	cfg := azureBlobConfig{AuthMethod: authServicePrincipal}
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()

	if cfg.ContainerName == "" {
		return nil, errors.New("rag: azure_blob requires container_name")
	}

	client, err := newAzureServiceClient(cfg)
	if err != nil {
		return nil, err
	}

	if kbName == "" {
		kbName = "default"
	}

	logger.Debug("azure blob store ready",
		slog.String("container", cfg.ContainerName),
		slog.String("auth_method", cfg.AuthMethod))
	return &AzureBlob{
		client:    client,
		container: cfg.ContainerName,
		kb:        kbName,
		logger:    logger,
	}, nil
}

func newAzureServiceClient(cfg azureBlobConfig) (*azblob.Client, error) {
	switch cfg.AuthMethod {
	case authConnectionString:
		if cfg.ConnectionString == "" {
			return nil, errors.New("rag: connection_string auth requires connection_string")
		}
		client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("rag: building blob client: %w", err)
		}
		return client, nil

	case authServicePrincipal:
		sp := cfg.ServicePrincipal
		if sp.TenantID == "" || sp.ClientID == "" || sp.ClientSecret == "" {
			return nil, errors.New("rag: service_principal auth requires tenant_id, client_id and client_secret")
		}
		if cfg.StorageAccountName == "" {
			return nil, errors.New("rag: azure_blob requires storage_account_name")
		}
		cred, err := azidentity.NewClientSecretCredential(sp.TenantID, sp.ClientID, sp.ClientSecret, nil)
		if err != nil {
			return nil, fmt.Errorf("rag: building service principal credential: %w", err)
		}
		client, err := azblob.NewClient(cfg.accountURL(), cred, nil)
		if err != nil {
			return nil, fmt.Errorf("rag: building blob client: %w", err)
		}
		return client, nil

	case authManagedIdentity:
		if cfg.StorageAccountName == "" {
			return nil, errors.New("rag: azure_blob requires storage_account_name")
		}
		cred, err := azidentity.NewManagedIdentityCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("rag: building managed identity credential: %w", err)
		}
		client, err := azblob.NewClient(cfg.accountURL(), cred, nil)
		if err != nil {
			return nil, fmt.Errorf("rag: building blob client: %w", err)
		}
		return client, nil

	case authDefaultCredential:
		if cfg.StorageAccountName == "" {
			return nil, errors.New("rag: azure_blob requires storage_account_name")
		}
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("rag: building default credential: %w", err)
		}
		client, err := azblob.NewClient(cfg.accountURL(), cred, nil)
		if err != nil {
			return nil, fmt.Errorf("rag: building blob client: %w", err)
		}
		return client, nil

	default:
		return nil, fmt.Errorf("rag: unknown auth_method %q", cfg.AuthMethod)
	}
}

// ensureContainer creates the container on first use. Failures are not
// cached so a transient error retries on the next call.
func (a *AzureBlob) ensureContainer(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.containerReady {
		return nil
	}

	_, err := a.client.CreateContainer(ctx, a.container, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("%w: ensuring container %s: %w", ErrUnavailable, a.container, err)
	}

	a.containerReady = true
	return nil
}

func (a *AzureBlob) Upload(ctx context.Context, content []byte, filename string, meta map[string]string) (string, error) {
	if err := a.ensureContainer(ctx); err != nil {
		return "", err
	}

	blobName := a.kb + "/" + filename
	if err := a.put(ctx, blobName, content, meta); err != nil {
		return "", err
	}

	a.logger.Debug("uploaded blob",
		slog.String("blob", blobName),
		slog.Int("bytes", len(content)))
	return blobName, nil
}

func (a *AzureBlob) Update(ctx context.Context, ragURI string, content []byte, meta map[string]string) error {
	_, err := a.blobClient(ragURI).GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return fmt.Errorf("%w: %s", ErrConflict, ragURI)
		}
		return fmt.Errorf("rag: checking blob %s: %w", ragURI, err)
	}

	if err := a.put(ctx, ragURI, content, meta); err != nil {
		return err
	}

	a.logger.Debug("updated blob",
		slog.String("blob", ragURI),
		slog.Int("bytes", len(content)))
	return nil
}

func (a *AzureBlob) Delete(ctx context.Context, ragURI string) error {
	_, err := a.client.DeleteBlob(ctx, a.container, ragURI, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, ragURI)
		}
		return fmt.Errorf("rag: deleting blob %s: %w", ragURI, err)
	}

	a.logger.Debug("deleted blob", slog.String("blob", ragURI))
	return nil
}

func (a *AzureBlob) List(ctx context.Context, prefix string) ([]Document, error) {
	opts := &azblob.ListBlobsFlatOptions{
		Include: azblob.ListBlobsInclude{Metadata: true},
	}
	if prefix != "" {
		opts.Prefix = &prefix
	}

	var docs []Document
	pager := a.client.NewListBlobsFlatPager(a.container, opts)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			// No container yet means nothing has been uploaded.
			if bloberror.HasCode(err, bloberror.ContainerNotFound) {
				return nil, nil
			}
			return nil, fmt.Errorf("rag: listing container %s: %w", a.container, err)
		}

		for _, item := range page.Segment.BlobItems {
			if item == nil || item.Name == nil {
				continue
			}

			doc := Document{
				ID:       *item.Name,
				Name:     path.Base(*item.Name),
				URI:      *item.Name,
				Metadata: fromBlobMetadata(item.Metadata),
			}
			if props := item.Properties; props != nil {
				if props.ContentLength != nil {
					doc.Size = *props.ContentLength
				}
				if props.CreationTime != nil {
					doc.CreatedAt = *props.CreationTime
				}
				if props.LastModified != nil {
					doc.UpdatedAt = *props.LastModified
				}
			}
			doc.Hash = doc.Metadata["file_hash"]
			docs = append(docs, doc)
		}
	}

	a.logger.Debug("listed blobs",
		slog.String("prefix", prefix),
		slog.Int("count", len(docs)))
	return docs, nil
}

func (a *AzureBlob) Get(ctx context.Context, ragURI string) (*Document, error) {
	props, err := a.blobClient(ragURI).GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ragURI)
		}
		return nil, fmt.Errorf("rag: checking blob %s: %w", ragURI, err)
	}

	doc := &Document{
		ID:       ragURI,
		Name:     path.Base(ragURI),
		URI:      ragURI,
		Metadata: fromBlobMetadata(props.Metadata),
	}
	if props.ContentLength != nil {
		doc.Size = *props.ContentLength
	}
	if props.CreationTime != nil {
		doc.CreatedAt = *props.CreationTime
	}
	if props.LastModified != nil {
		doc.UpdatedAt = *props.LastModified
	}
	doc.Hash = doc.Metadata["file_hash"]
	return doc, nil
}

func (a *AzureBlob) put(ctx context.Context, blobName string, content []byte, meta map[string]string) error {
	contentType := meta["content_type"]
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := a.client.UploadBuffer(ctx, a.container, blobName, content, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
		Metadata:    a.blobMetadata(meta),
	})
	if err != nil {
		return fmt.Errorf("rag: uploading blob %s: %w", blobName, err)
	}
	return nil
}

// blobMetadata builds the blob metadata recorded with every upload. The
// key set is fixed so downstream consumers can rely on it.
func (a *AzureBlob) blobMetadata(meta map[string]string) map[string]*string {
	originalURI := meta["original_uri"]
	if originalURI == "" {
		originalURI = meta["original_path"]
	}
	uploadedAt := meta["uploaded_at"]
	if uploadedAt == "" {
		uploadedAt = time.Now().UTC().Format(time.RFC3339)
	}

	return map[string]*string{
		"kb_name":      to.Ptr(a.kb),
		"original_uri": to.Ptr(originalURI),
		"file_hash":    to.Ptr(meta["file_hash"]),
		"uploaded_at":  to.Ptr(uploadedAt),
	}
}

func (a *AzureBlob) blobClient(blobName string) *blob.Client {
	return a.client.ServiceClient().NewContainerClient(a.container).NewBlobClient(blobName)
}

// fromBlobMetadata flattens service metadata into plain strings. The
// service canonicalizes header-derived keys, so lowercase them back.
func fromBlobMetadata(meta map[string]*string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		if v == nil {
			continue
		}
		out[strings.ToLower(k)] = *v
	}
	return out
}
