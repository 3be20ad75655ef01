package storage

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"clipforge/internal/adapters/storage/gdrive"
	"clipforge/internal/adapters/storage/localfs"
	"clipforge/internal/adapters/storage/s3"
	"clipforge/internal/config"
)

// NewProvider builds the provider named by cfg.Storage.Provider.
func NewProvider(ctx context.Context, cfg config.Config) (Provider, error) {
	switch cfg.Storage.Provider {
	case "", "localfs":
		return localfs.New(cfg.Storage.Local.Root, cfg.HTTP.PublicBaseURL, cfg.Storage.Local.SigningKey), nil
	case "gdrive":
		return newGDriveProvider(ctx, cfg.Storage.GDrive)
	case "s3":
		return s3.New(ctx, cfg.Storage.S3)
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Storage.Provider)
	}
}

func newGDriveProvider(ctx context.Context, g config.GDriveConfig) (Provider, error) {
	conf := &oauth2.Config{
		ClientID:     g.ClientID,
		ClientSecret: g.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}

	tok := &oauth2.Token{RefreshToken: g.RefreshToken}
	httpClient := conf.Client(context.Background(), tok)

	srv, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, err
	}
	return gdrive.NewClient(srv, g.FolderID), nil
}
