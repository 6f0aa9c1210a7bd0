package upload

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"

	"chatty/internal/chatty"
)

// ErrUploadRejected is returned when the provider refuses an asset.
var ErrUploadRejected = errors.New("upload rejected")

// assetUploader is the part of the Cloudinary SDK the adapter uses.
type assetUploader interface {
	Upload(ctx context.Context, file interface{}, params uploader.UploadParams) (*uploader.UploadResult, error)
}

// Cloudinary implements chatty.Uploader.
type Cloudinary struct {
	api assetUploader
}

// NewCloudinary builds an uploader from account credentials.
func NewCloudinary(cloudName, apiKey, apiSecret string) (*Cloudinary, error) {
	cld, err := cloudinary.NewFromParams(cloudName, apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("configuring cloudinary: %w", err)
	}
	return &Cloudinary{api: &cld.Upload}, nil
}

func (c *Cloudinary) Upload(ctx context.Context, file string, opts chatty.UploadOptions) (chatty.UploadMetadata, error) {
	params := uploader.UploadParams{
		PublicID:   opts.PublicID,
		Overwrite:  api.Bool(opts.Overwrite),
		Invalidate: api.Bool(opts.Invalidate),
	}
	res, err := c.api.Upload(ctx, file, params)
	if err != nil {
		return chatty.UploadMetadata{}, fmt.Errorf("uploading asset: %w", err)
	}
	if res.Error.Message != "" {
		return chatty.UploadMetadata{}, fmt.Errorf("%w: %s", ErrUploadRejected, res.Error.Message)
	}
	return chatty.UploadMetadata{
		PublicID:  res.PublicID,
		Version:   res.Version,
		URL:       res.URL,
		SecureURL: res.SecureURL,
		Format:    res.Format,
		Bytes:     res.Bytes,
	}, nil
}
