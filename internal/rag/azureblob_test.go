package rag

import (
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A syntactically valid connection string; the key is base64 of a dummy
// value. No request is ever sent.
const testConnectionString = "DefaultEndpointsProtocol=https;AccountName=devaccount;AccountKey=ZmFrZS1hY2NvdW50LWtleQ==;EndpointSuffix=core.windows.net"

func TestNewAzureBlob_ConnectionString(t *testing.T) {
	cfg := mustJSON(t, map[string]any{
		"auth_method":       "connection_string",
		"connection_string": testConnectionString,
		"container_name":    "docs",
	})

	a, err := newAzureBlob("finance", cfg, testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "docs", a.container)
	assert.Equal(t, "finance", a.kb)
}

func TestNewAzureBlob_ServicePrincipal(t *testing.T) {
	cfg := mustJSON(t, map[string]any{
		"auth_method":          "service_principal",
		"container_name":       "docs",
		"storage_account_name": "devaccount",
		"service_principal": map[string]any{
			"tenant_id":     "11111111-2222-3333-4444-555555555555",
			"client_id":     "client-id",
			"client_secret": "client-secret",
		},
	})

	a, err := newAzureBlob("kb", cfg, testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "docs", a.container)
}

func TestNewAzureBlob_ManagedIdentity(t *testing.T) {
	cfg := mustJSON(t, map[string]any{
		"auth_method":          "managed_identity",
		"container_name":       "docs",
		"storage_account_name": "devaccount",
	})

	_, err := newAzureBlob("kb", cfg, testLogger(t))
	assert.NoError(t, err)
}

func TestNewAzureBlob_ServicePrincipalEnvFallback(t *testing.T) {
	t.Setenv("AZURE_TENANT_ID", "11111111-2222-3333-4444-555555555555")
	t.Setenv("AZURE_CLIENT_ID", "env-client")
	t.Setenv("AZURE_CLIENT_SECRET", "env-secret")

	cfg := mustJSON(t, map[string]any{
		"container_name":       "docs",
		"storage_account_name": "devaccount",
	})

	_, err := newAzureBlob("kb", cfg, testLogger(t))
	assert.NoError(t, err)
}

func TestNewAzureBlob_ConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		cfg     map[string]any
		wantErr string
	}{
		{
			name:    "missing container",
			cfg:     map[string]any{"auth_method": "connection_string", "connection_string": testConnectionString},
			wantErr: "container_name",
		},
		{
			name:    "connection string auth without string",
			cfg:     map[string]any{"auth_method": "connection_string", "container_name": "docs"},
			wantErr: "connection_string",
		},
		{
			name: "service principal incomplete",
			cfg: map[string]any{
				"container_name":       "docs",
				"storage_account_name": "devaccount",
				"service_principal":    map[string]any{"tenant_id": "t"},
			},
			wantErr: "service_principal",
		},
		{
			name: "service principal without account",
			cfg: map[string]any{
				"container_name": "docs",
				"service_principal": map[string]any{
					"tenant_id":     "11111111-2222-3333-4444-555555555555",
					"client_id":     "c",
					"client_secret": "s",
				},
			},
			wantErr: "storage_account_name",
		},
		{
			name:    "managed identity without account",
			cfg:     map[string]any{"auth_method": "managed_identity", "container_name": "docs"},
			wantErr: "storage_account_name",
		},
		{
			name:    "default credential without account",
			cfg:     map[string]any{"auth_method": "default_credential", "container_name": "docs"},
			wantErr: "storage_account_name",
		},
		{
			name:    "unknown auth method",
			cfg:     map[string]any{"auth_method": "magic", "container_name": "docs"},
			wantErr: "unknown auth_method",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Keep ambient AZURE_* variables from completing the config.
			t.Setenv("AZURE_TENANT_ID", "")
			t.Setenv("AZURE_CLIENT_ID", "")
			t.Setenv("AZURE_CLIENT_SECRET", "")

			_, err := newAzureBlob("kb", mustJSON(t, tt.cfg), testLogger(t))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAzureBlobAccountURL(t *testing.T) {
	cfg := azureBlobConfig{StorageAccountName: "devaccount"}
	assert.Equal(t, "https://devaccount.blob.core.windows.net", cfg.accountURL())
}

func TestAzureBlobMetadataKeys(t *testing.T) {
	a := &AzureBlob{kb: "finance"}

	meta := a.blobMetadata(map[string]string{
		"original_uri": "https://contoso.sharepoint.com/doc.pdf",
		"file_hash":    "abc123",
		"uploaded_at":  "2026-08-24T10:00:00Z",
	})

	require.NotNil(t, meta["kb_name"])
	assert.Equal(t, "finance", *meta["kb_name"])
	assert.Equal(t, "https://contoso.sharepoint.com/doc.pdf", *meta["original_uri"])
	assert.Equal(t, "abc123", *meta["file_hash"])
	assert.Equal(t, "2026-08-24T10:00:00Z", *meta["uploaded_at"])
}

func TestAzureBlobMetadataDefaults(t *testing.T) {
	a := &AzureBlob{kb: "kb"}

	meta := a.blobMetadata(map[string]string{"original_path": "/data/doc.pdf"})

	// original_path fills in when no original_uri is present.
	assert.Equal(t, "/data/doc.pdf", *meta["original_uri"])

	require.NotNil(t, meta["uploaded_at"])
	parsed, err := time.Parse(time.RFC3339, *meta["uploaded_at"])
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), parsed, time.Minute)
}

func TestFromBlobMetadata(t *testing.T) {
	out := fromBlobMetadata(map[string]*string{
		"Kb_name":   to.Ptr("finance"),
		"File_hash": to.Ptr("abc"),
		"empty":     nil,
	})

	assert.Equal(t, map[string]string{
		"kb_name":   "finance",
		"file_hash": "abc",
	}, out)
}
