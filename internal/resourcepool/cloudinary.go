package resourcepool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
)

type cloudinaryProvider struct {
	cld *cloudinary.Cloudinary
}

// NewCloudinary is the ProviderFactory for Cloudinary accounts.
func NewCloudinary(a Account) (Provider, error) {
	cld, err := cloudinary.NewFromParams(a.CloudName, a.APIKey, a.APISecret)
	if err != nil {
		return nil, fmt.Errorf("cloudinary %s: %w", a.label(), err)
	}
	return &cloudinaryProvider{cld: cld}, nil
}

// AmbientCloudinary builds the default provider from CLOUDINARY_URL.
func AmbientCloudinary() (Provider, Account, error) {
	if strings.TrimSpace(os.Getenv("CLOUDINARY_URL")) == "" {
		return nil, Account{}, &ConfigurationError{Reason: "CLOUDINARY_URL is not set"}
	}
	cld, err := cloudinary.New()
	if err != nil {
		return nil, Account{}, &ConfigurationError{Reason: "CLOUDINARY_URL: " + err.Error()}
	}
	acc := Account{
		Name:      "ambient",
		CloudName: cld.Config.Cloud.CloudName,
		APIKey:    cld.Config.Cloud.APIKey,
		APISecret: cld.Config.Cloud.APISecret,
	}
	return &cloudinaryProvider{cld: cld}, acc, nil
}

func (c *cloudinaryProvider) Upload(ctx context.Context, r io.Reader, folder string) (Uploaded, error) {
	res, err := c.cld.Upload.Upload(ctx, r, uploader.UploadParams{Folder: folder})
	if err != nil {
		return Uploaded{}, err
	}
	if res.Error.Message != "" {
		return Uploaded{}, errors.New(res.Error.Message)
	}
	return Uploaded{URL: res.SecureURL, ResourceID: res.PublicID}, nil
}

func (c *cloudinaryProvider) Delete(ctx context.Context, resourceID string, opts DeleteOptions) error {
	res, err := c.cld.Upload.Destroy(ctx, uploader.DestroyParams{PublicID: resourceID, ResourceType: opts.ResourceType})
	if err != nil {
		return err
	}
	if res.Error.Message != "" {
		return errors.New(res.Error.Message)
	}
	switch res.Result {
	case "ok":
		return nil
	case "not found":
		return ErrResourceNotFound
	default:
		return fmt.Errorf("destroy %s: %s", resourceID, res.Result)
	}
}

// UploadSignature lets a browser upload directly to the chosen account.
type UploadSignature struct {
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
	CloudName string `json:"cloud_name"`
	APIKey    string `json:"api_key"`
	Folder    string `json:"folder"`
}

// SignUpload signs {folder, timestamp} with the secret of the next account in rotation.
func (p *Pool) SignUpload(folder string, now time.Time) (UploadSignature, error) {
	sel := p.Next()
	acc := sel.Account
	if sel.Ambient {
		_, amb, err := p.ambientProvider()
		if err != nil {
			return UploadSignature{}, err
		}
		acc = amb
	}
	ts := now.Unix()
	params := url.Values{}
	params.Set("folder", folder)
	params.Set("timestamp", strconv.FormatInt(ts, 10))
	sig, err := api.SignParameters(params, acc.APISecret)
	if err != nil {
		return UploadSignature{}, fmt.Errorf("sign upload: %w", err)
	}
	return UploadSignature{Signature: sig, Timestamp: ts, CloudName: acc.CloudName, APIKey: acc.APIKey, Folder: folder}, nil
}

var versionSegment = regexp.MustCompile(`^v\d+$`)

// ParseDeliveryURL extracts the resource type and public id from a delivery URL
// such as https://res.cloudinary.com/demo/image/upload/v1700000000/notes/a1.jpg.
func ParseDeliveryURL(raw string) (resourceType, publicID string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("parse url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	up := -1
	for i, p := range parts {
		if p == "upload" {
			up = i
			break
		}
	}
	if up < 1 || up == len(parts)-1 {
		return "", "", fmt.Errorf("not a delivery url: %q", raw)
	}
	resourceType = parts[up-1]
	rest := parts[up+1:]
	for i, p := range rest {
		if versionSegment.MatchString(p) {
			rest = rest[i+1:]
			break
		}
	}
	if len(rest) == 0 {
		return "", "", fmt.Errorf("no public id in %q", raw)
	}
	last := rest[len(rest)-1]
	rest[len(rest)-1] = strings.TrimSuffix(last, path.Ext(last))
	return resourceType, strings.Join(rest, "/"), nil
}
