package clients

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/livepeer/go-tools/drivers"
)

func DownloadOSURL(osURL string) (io.ReadCloser, error) {
	storageDriver, err := drivers.ParseOSURL(osURL, true)
	if err != nil {
		return nil, fmt.Errorf("failed to parse OS URL %q: %s", osURL, err)
	}

	fileInfoReader, err := storageDriver.NewSession("").ReadData(context.Background(), "")
	if err != nil {
		return nil, fmt.Errorf("failed to read from OS URL %q: %s", osURL, err)
	}

	return fileInfoReader.Body, nil
}

func UploadToOSURL(osURL, filename string, data io.Reader, timeout time.Duration) error {
	storageDriver, err := drivers.ParseOSURL(osURL, true)
	if err != nil {
		return fmt.Errorf("failed to parse OS URL %q: %s", osURL, err)
	}

	_, err = storageDriver.NewSession("").SaveData(context.Background(), filename, data, nil, timeout)
	if err != nil {
		return fmt.Errorf("failed to write file %q to OS URL %q: %s", filename, osURL, err)
	}

	return nil
}

func DeleteOSURL(ctx context.Context, osURL string) error {
	storageDriver, err := drivers.ParseOSURL(osURL, true)
	if err != nil {
		return fmt.Errorf("failed to parse OS URL %q: %s", osURL, err)
	}

	if err := storageDriver.NewSession("").DeleteFile(ctx, ""); err != nil {
		return fmt.Errorf("failed to delete OS URL %q: %s", osURL, err)
	}

	return nil
}

func ListOSURL(ctx context.Context, osURL string) (drivers.PageInfo, error) {
	storageDriver, err := drivers.ParseOSURL(osURL, true)
	if err != nil {
		return nil, fmt.Errorf("failed to parse OS URL %q: %s", osURL, err)
	}

	page, err := storageDriver.NewSession("").ListFiles(ctx, "", "")
	if err != nil {
		return nil, fmt.Errorf("failed to list OS URL %q: %s", osURL, err)
	}

	return page, nil
}

func UploadRetryBackoff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(30*time.Second), 2)
}
