package storage

import "clipforge/internal/ports"

// Provider is the storage contract used by the API and the submitter.
type Provider = ports.StorageProvider
