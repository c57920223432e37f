package clients

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	xerrors "github.com/adforge/adforge-api/errors"
	"github.com/adforge/adforge-api/log"
	"github.com/cenkalti/backoff/v4"
)

const maxUploadTimeout = 5 * time.Minute

// Canonical artifact keys under a job prefix. Same inputs always map to the
// same key, so a resumed or retried step overwrites its own output instead of
// duplicating it.
func JobPrefix(userID, jobID string) string {
	return path.Join(userID, jobID)
}

func CharacterImageKey(userID, jobID string) string {
	return path.Join(JobPrefix(userID, jobID), "character_image.png")
}

func ClipKey(userID, jobID string, index int) string {
	return path.Join(JobPrefix(userID, jobID), "clips", fmt.Sprintf("clip_%d.mp4", index))
}

func PromptKey(userID, jobID string, index int) string {
	return path.Join(JobPrefix(userID, jobID), "prompts", fmt.Sprintf("prompt_%d.txt", index))
}

func FrameKey(userID, jobID string, index int) string {
	return path.Join(JobPrefix(userID, jobID), "frames", fmt.Sprintf("frame_%d.png", index))
}

func VerificationKey(userID, jobID string, index int) string {
	return path.Join(JobPrefix(userID, jobID), "verification", fmt.Sprintf("clip_%d.json", index))
}

func VoiceTrackKey(userID, jobID string) string {
	return path.Join(JobPrefix(userID, jobID), "voice_track.mp3")
}

func MergedVideoKey(userID, jobID string) string {
	return path.Join(JobPrefix(userID, jobID), "merged.mp4")
}

func FinalVideoKey(userID, jobID string) string {
	return path.Join(JobPrefix(userID, jobID), "final.mp4")
}

// ClipKeyIndex extracts the clip index from a clips/clip_N.mp4 key. Returns
// -1 for anything else under the prefix.
func ClipKeyIndex(key string) int {
	base := path.Base(key)
	if !strings.HasPrefix(base, "clip_") || !strings.HasSuffix(base, ".mp4") {
		return -1
	}
	var index int
	if _, err := fmt.Sscanf(base, "clip_%d.mp4", &index); err != nil {
		return -1
	}
	return index
}

// ArtifactStore is the durable home of every pipeline artifact. The job
// document only ever stores keys into it, never content.
type ArtifactStore interface {
	Upload(ctx context.Context, key string, data io.Reader) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	ListPrefix(ctx context.Context, prefix string) ([]string, error)
	// SignURL returns a URL readable without credentials for at least expire.
	SignURL(key string, expire time.Duration) (string, error)
}

type bucketAccess int

const (
	accessUnknown bucketAccess = iota
	accessPublic
	accessPrivate
)

type osArtifactStore struct {
	base *url.URL
	s3   S3Signer

	mu     sync.Mutex
	access bucketAccess
}

func NewArtifactStore(base *url.URL) (ArtifactStore, error) {
	store := &osArtifactStore{base: base}
	if base.Scheme == "s3" || strings.HasPrefix(base.Scheme, "s3+") {
		signer, err := NewS3Signer(base)
		if err != nil {
			return nil, fmt.Errorf("error creating S3 signer for %s: %w", log.RedactURL(base.String()), err)
		}
		store.s3 = signer
	}
	return store, nil
}

func (s *osArtifactStore) Upload(ctx context.Context, key string, data io.Reader) error {
	// Buffer the content so a retried attempt does not see a drained reader.
	content, err := io.ReadAll(data)
	if err != nil {
		return xerrors.NewStorageError("upload", key, err)
	}

	err = backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return UploadToOSURL(s.base.String(), key, bytes.NewReader(content), maxUploadTimeout)
	}, UploadRetryBackoff())
	if err != nil {
		return xerrors.NewStorageError("upload", key, err)
	}
	return nil
}

func (s *osArtifactStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := DownloadOSURL(s.base.JoinPath(key).String())
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "not found") || strings.Contains(err.Error(), "NoSuchKey") {
			return nil, xerrors.NewObjectNotFoundError("object "+key+" not found", err)
		}
		return nil, xerrors.NewStorageError("download", key, err)
	}
	return rc, nil
}

func (s *osArtifactStore) Delete(ctx context.Context, key string) error {
	if err := DeleteOSURL(ctx, s.base.JoinPath(key).String()); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "not found") || strings.Contains(err.Error(), "NoSuchKey") {
			return xerrors.NewObjectNotFoundError("object "+key+" not found", err)
		}
		return xerrors.NewStorageError("delete", key, err)
	}
	return nil
}

func (s *osArtifactStore) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	page, err := ListOSURL(ctx, s.base.JoinPath(prefix).String())
	if err != nil {
		return nil, xerrors.NewStorageError("list", prefix, err)
	}

	var keys []string
	for {
		for _, f := range page.Files() {
			keys = append(keys, path.Join(prefix, path.Base(f.Name)))
		}
		if !page.HasNextPage() {
			break
		}
		page, err = page.NextPage()
		if err != nil {
			return nil, xerrors.NewStorageError("list", prefix, err)
		}
	}
	return keys, nil
}

// Check if plain HTTPS is accessible first. If not then the bucket must be
// private and we need to generate a signed URL.
func (s *osArtifactStore) SignURL(key string, expire time.Duration) (string, error) {
	httpURL := *s.base.JoinPath(key)
	httpURL.User = nil
	if httpURL.Scheme != "http" {
		httpURL.Scheme = "https"
	}
	publicURL := httpURL.String()

	if s.isPubliclyReadable(publicURL) {
		return publicURL, nil
	}

	if s.s3 == nil {
		return "", fmt.Errorf("object %q is not publicly readable and no signer is configured", key)
	}
	return s.s3.Presign(key, expire)
}

// Anonymous readability is a property of the bucket, not the object, so one
// HEAD settles it for the lifetime of the store instead of probing on every
// signing call.
func (s *osArtifactStore) isPubliclyReadable(publicURL string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.access == accessUnknown {
		s.access = accessPrivate
		resp, err := http.Head(publicURL)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusBadRequest {
				s.access = accessPublic
			}
		}
	}
	return s.access == accessPublic
}
