package gdrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"

	"clipforge/internal/ports"
)

const ownerProperty = "clipforge_owner_id"

// Client stores source videos in Google Drive. The object key handed back
// by PutObject is the Drive file id; the requested key becomes the file name.
type Client struct {
	srv      *drive.Service
	folderID string
}

func NewClient(srv *drive.Service, folderID string) *Client {
	return &Client{srv: srv, folderID: folderID}
}

func (c *Client) Provider() string { return "gdrive" }

func (c *Client) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	if in.ObjectKey == "" {
		return ports.PutObjectOutput{}, fmt.Errorf("object_key is required")
	}

	file := &drive.File{Name: in.ObjectKey}
	if c.folderID != "" {
		file.Parents = []string{c.folderID}
	}
	if in.OwnerID != "" {
		file.AppProperties = map[string]string{ownerProperty: in.OwnerID}
	}

	call := c.srv.Files.Create(file).SupportsAllDrives(true)
	if in.ContentType != "" {
		call = call.Media(in.Reader, googleapi.ContentType(in.ContentType))
	} else {
		call = call.Media(in.Reader)
	}

	created, err := call.Context(ctx).Do()
	if err != nil {
		return ports.PutObjectOutput{}, fmt.Errorf("gdrive upload failed: %w", err)
	}
	return ports.PutObjectOutput{ObjectKey: created.Id, Size: in.Size}, nil
}

func (c *Client) GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error) {
	resp, err := c.srv.Files.Get(objectKey).
		SupportsAllDrives(true).
		Context(ctx).
		Download()
	if err != nil {
		return nil, "", 0, mapErr(err)
	}
	return resp.Body, resp.Header.Get("Content-Type"), resp.ContentLength, nil
}

func (c *Client) Stat(ctx context.Context, objectKey string) (ports.ObjectInfo, error) {
	f, err := c.srv.Files.Get(objectKey).
		SupportsAllDrives(true).
		Fields("id", "size", "mimeType", "trashed", "appProperties").
		Context(ctx).
		Do()
	if err != nil {
		return ports.ObjectInfo{}, mapErr(err)
	}
	if f.Trashed {
		return ports.ObjectInfo{}, ports.ErrObjectNotFound
	}
	return ports.ObjectInfo{
		ObjectKey:   f.Id,
		Size:        f.Size,
		ContentType: f.MimeType,
		OwnerID:     f.AppProperties[ownerProperty],
	}, nil
}

// GetSignedURL shares the file with "anyone with the link" and returns its
// download link. Drive links do not expire; ExpiresAt is advisory.
func (c *Client) GetSignedURL(ctx context.Context, objectKey string, expiresIn time.Duration) (ports.SignedURLOutput, error) {
	_, err := c.srv.Permissions.Create(objectKey, &drive.Permission{Type: "anyone", Role: "reader"}).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return ports.SignedURLOutput{}, fmt.Errorf("gdrive share: %w", mapErr(err))
	}

	f, err := c.srv.Files.Get(objectKey).
		SupportsAllDrives(true).
		Fields("webContentLink").
		Context(ctx).
		Do()
	if err != nil {
		return ports.SignedURLOutput{}, mapErr(err)
	}
	if f.WebContentLink == "" {
		return ports.SignedURLOutput{}, fmt.Errorf("gdrive: file %s has no download link", objectKey)
	}
	return ports.SignedURLOutput{URL: f.WebContentLink, ExpiresAt: time.Now().UTC().Add(expiresIn)}, nil
}

func mapErr(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
		return ports.ErrObjectNotFound
	}
	return err
}
