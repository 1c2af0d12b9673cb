// Package storage builds the configured output storage provider.
package storage

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"upscaler/internal/adapters/storage/gdrive"
	"upscaler/internal/adapters/storage/localfs"
	"upscaler/internal/config"
	"upscaler/internal/ports"
)

// NewProvider returns the provider selected by cfg.Provider.
func NewProvider(ctx context.Context, cfg config.StorageConfig) (ports.StorageProvider, error) {
	switch cfg.Provider {
	case "", "localfs":
		if cfg.LocalRoot == "" {
			return nil, fmt.Errorf("storage.local_root is required for localfs")
		}
		return localfs.New(cfg.LocalRoot), nil
	case "gdrive":
		return newGDriveProvider(ctx, cfg.GDrive)
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Provider)
	}
}

// DriveOAuthConfig is the OAuth client shared by the Drive provider and the
// gdrive-auth helper. Only the drive.file scope is requested.
func DriveOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
		RedirectURL:  redirectURL,
	}
}

func newGDriveProvider(ctx context.Context, cfg config.GDriveConfig) (ports.StorageProvider, error) {
	for name, v := range map[string]string{
		"GDRIVE_CLIENT_ID":     cfg.ClientID,
		"GDRIVE_CLIENT_SECRET": cfg.ClientSecret,
		"GDRIVE_REFRESH_TOKEN": cfg.RefreshToken,
	} {
		if v == "" {
			return nil, fmt.Errorf("gdrive storage requires %s", name)
		}
	}

	conf := DriveOAuthConfig(cfg.ClientID, cfg.ClientSecret, "")
	httpClient := conf.Client(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})

	srv, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	return gdrive.NewClient(srv, cfg.FolderID), nil
}
