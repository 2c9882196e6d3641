package objectstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"crosspost/domain/apperror"
	"crosspost/domain/model"
	"crosspost/domain/repository"
	"crosspost/infrastructure/logger"

	"github.com/google/uuid"
)

const uploadsDir = ".uploads"

// LocalStore keeps objects on the local filesystem. In-progress sessions live
// under <base>/.uploads/<session>/ so they survive a process restart.
type LocalStore struct {
	basePath string
	baseURL  string
}

type localSessionMeta struct {
	ObjectKey   string `json:"object_key"`
	ContentType string `json:"content_type"`
}

// NewLocalStore creates the base directory if needed.
func NewLocalStore(basePath, baseURL string) (*LocalStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("local store path is empty")
	}
	if err := os.MkdirAll(filepath.Join(basePath, uploadsDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create local storage directory: %w", err)
	}
	logger.GetLogger().WithField("path", basePath).Info("local object store initialized")
	return &LocalStore{basePath: basePath, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

func (l *LocalStore) Name() string { return "local" }

func (l *LocalStore) objectPath(key string) string {
	return filepath.Join(l.basePath, filepath.FromSlash(filepath.Clean("/" + key)))
}

func (l *LocalStore) sessionDir(sessionID string) string {
	return filepath.Join(l.basePath, uploadsDir, filepath.Base(sessionID))
}

func (l *LocalStore) Initiate(_ context.Context, objectKey, contentType string, _ int64) (string, error) {
	sessionID := uuid.NewString()
	dir := l.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	meta, _ := json.Marshal(localSessionMeta{ObjectKey: objectKey, ContentType: contentType})
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), meta, 0o644); err != nil {
		return "", fmt.Errorf("write session meta: %w", err)
	}
	return sessionID, nil
}

func (l *LocalStore) readMeta(sessionID string) (*localSessionMeta, error) {
	raw, err := os.ReadFile(filepath.Join(l.sessionDir(sessionID), "meta.json"))
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindTransferIncomplete, "unknown_session")
	}
	var meta localSessionMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode session meta: %w", err)
	}
	return &meta, nil
}

// UploadPart writes the part and returns its md5 as the tag. Re-uploading a
// part number replaces it.
func (l *LocalStore) UploadPart(_ context.Context, sessionID string, partNumber int, body io.Reader, size int64) (string, error) {
	if partNumber < 1 {
		return "", apperror.New(apperror.KindInternal, "bad_part", "part numbers start at 1")
	}
	if _, err := l.readMeta(sessionID); err != nil {
		return "", err
	}
	partPath := filepath.Join(l.sessionDir(sessionID), strconv.Itoa(partNumber))
	tmp := partPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create part: %w", err)
	}
	h := md5.New()
	written, err := io.Copy(io.MultiWriter(f, h), body)
	closeErr := f.Close()
	if err != nil {
		_ = os.Remove(tmp)
		return "", apperror.Wrap(err, apperror.KindTransientNetwork, "part_write")
	}
	if closeErr != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("close part: %w", closeErr)
	}
	if size >= 0 && written != size {
		_ = os.Remove(tmp)
		return "", apperror.New(apperror.KindTransientNetwork, "short_part",
			fmt.Sprintf("part %d: wrote %d of %d bytes", partNumber, written, size))
	}
	if err := os.Rename(tmp, partPath); err != nil {
		return "", fmt.Errorf("commit part: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *LocalStore) Complete(_ context.Context, sessionID string, parts []model.PartDescriptor) (*model.ObjectRef, error) {
	if err := model.ValidateCompleteParts(parts); err != nil {
		return nil, apperror.Wrap(err, apperror.KindTransferIncomplete, "invalid_parts")
	}
	meta, err := l.readMeta(sessionID)
	if err != nil {
		return nil, err
	}
	dir := l.sessionDir(sessionID)
	for _, p := range parts {
		tag, err := fileMD5(filepath.Join(dir, strconv.Itoa(p.Number)))
		if err != nil {
			return nil, apperror.Wrap(err, apperror.KindTransferIncomplete, "missing_part")
		}
		if tag != p.Tag {
			return nil, apperror.New(apperror.KindTransferIncomplete, "unknown_tag",
				fmt.Sprintf("part %d tag %q does not match stored part", p.Number, p.Tag))
		}
	}

	dst := l.objectPath(meta.ObjectKey)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	tmp := dst + ".assembling"
	out, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	h := md5.New()
	var total int64
	for _, p := range parts {
		n, err := appendFile(io.MultiWriter(out, h), filepath.Join(dir, strconv.Itoa(p.Number)))
		if err != nil {
			_ = out.Close()
			_ = os.Remove(tmp)
			return nil, fmt.Errorf("assemble part %d: %w", p.Number, err)
		}
		total += n
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return nil, fmt.Errorf("commit object: %w", err)
	}
	_ = os.RemoveAll(dir)
	return &model.ObjectRef{
		Key:         meta.ObjectKey,
		Size:        total,
		ETag:        fmt.Sprintf("%s-%d", hex.EncodeToString(h.Sum(nil)), len(parts)),
		ContentType: meta.ContentType,
	}, nil
}

func (l *LocalStore) Abort(_ context.Context, sessionID string) error {
	return os.RemoveAll(l.sessionDir(sessionID))
}

func (l *LocalStore) PutObject(_ context.Context, objectKey, contentType string, body io.Reader, _ int64) (*model.ObjectRef, error) {
	dst := l.objectPath(objectKey)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	tmp := dst + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	h := md5.New()
	written, err := io.Copy(io.MultiWriter(f, h), body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return nil, fmt.Errorf("commit object: %w", err)
	}
	return &model.ObjectRef{Key: objectKey, Size: written, ETag: hex.EncodeToString(h.Sum(nil)), ContentType: contentType}, nil
}

func (l *LocalStore) Open(_ context.Context, objectKey string) (io.ReadCloser, *model.ObjectRef, error) {
	f, err := os.Open(l.objectPath(objectKey))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("open %s: %w", objectKey, repository.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("open %s: %w", objectKey, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return f, &model.ObjectRef{Key: objectKey, Size: info.Size()}, nil
}

// PresignGet returns a URL under the configured base URL, or a file URL.
func (l *LocalStore) PresignGet(_ context.Context, objectKey string, ttl time.Duration) (string, error) {
	if _, err := os.Stat(l.objectPath(objectKey)); err != nil {
		return "", fmt.Errorf("file not found: %s", objectKey)
	}
	if l.baseURL != "" {
		q := url.Values{"expires": {strconv.FormatInt(time.Now().Add(ttl).Unix(), 10)}}
		return fmt.Sprintf("%s/%s?%s", l.baseURL, filepath.ToSlash(objectKey), q.Encode()), nil
	}
	return "file://" + filepath.ToSlash(l.objectPath(objectKey)), nil
}

func fileMD5(path string) (string, error) {
	h := md5.New()
	if _, err := appendFile(h, path); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func appendFile(w io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(w, f)
}
