package utils

import (
	"os"
	"strings"
)

const (
	// StorageProviderDB keeps document bytes in the BackUpDocs row.
	StorageProviderDB  = "db"
	StorageProviderGCS = "gcs"
)

func GetStorageProvider() string {
	provider := strings.TrimSpace(strings.ToLower(os.Getenv("STORAGE_PROVIDER")))
	if provider == "" {
		return StorageProviderDB
	}
	return provider
}
