// Package archive stores terminal execution records together with their
// event stream for audit.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// ErrNotArchived is returned when no archive exists for a run.
var ErrNotArchived = errors.New("run not archived")

// ErrNoDownload is returned when the backend cannot issue download links.
var ErrNoDownload = errors.New("archive backend does not issue download links")

// Document is the archived form of a run.
type Document struct {
	Record     *types.ExecutionRecord `json:"record"`
	Events     []*types.Event         `json:"events"`
	ArchivedAt time.Time              `json:"archived_at"`
}

// Ref points at an archived document.
type Ref struct {
	URI       string    `json:"uri"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
}

// Archiver persists terminal runs.
type Archiver interface {
	Archive(ctx context.Context, rec *types.ExecutionRecord, events []*types.Event) (*Ref, error)
	Get(ctx context.Context, blueprintID, runID string) (*Document, error)
	DownloadURL(ctx context.Context, blueprintID, runID string, expiry time.Duration) (string, error)
}

// Backend is the object storage used by the archive Service.
type Backend interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (*Ref, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]*Ref, error)
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Config holds archive configuration.
type Config struct {
	// Backend type: "memory", "s3", "minio"
	Type string

	// S3/MinIO configuration
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool

	// Path prefix for all archived runs
	PathPrefix string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type:       "memory",
		PathPrefix: "archive",
	}
}

// Service implements Archiver over a Backend.
type Service struct {
	backend Backend
}

// New creates an archive service for the configured backend.
func New(ctx context.Context, cfg *Config) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var backend Backend
	switch cfg.Type {
	case "", "memory":
		backend = NewMemoryBackend()
	case "s3", "minio":
		s3Backend, err := NewS3Backend(ctx, &S3Config{
			Endpoint:        cfg.Endpoint,
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			UseSSL:          cfg.UseSSL,
			PathPrefix:      cfg.PathPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("create s3 backend: %w", err)
		}
		backend = s3Backend
	default:
		return nil, fmt.Errorf("unknown archive backend: %s", cfg.Type)
	}
	return NewService(backend), nil
}

// NewService wraps an existing backend.
func NewService(backend Backend) *Service {
	return &Service{backend: backend}
}

// Key returns the object key of a run archive.
func Key(blueprintID, runID string) string {
	return fmt.Sprintf("runs/%s/%s.json", blueprintID, runID)
}

// Archive writes the record and its events as one JSON document.
func (s *Service) Archive(ctx context.Context, rec *types.ExecutionRecord, events []*types.Event) (*Ref, error) {
	if !rec.Status.IsTerminal() {
		return nil, fmt.Errorf("run %s is not terminal (%s)", rec.RunID, rec.Status)
	}
	doc := &Document{Record: rec, Events: events, ArchivedAt: time.Now().UTC()}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal archive: %w", err)
	}
	return s.backend.Put(ctx, Key(rec.BlueprintID, rec.RunID), data, "application/json")
}

// Get reads an archived run back.
func (s *Service) Get(ctx context.Context, blueprintID, runID string) (*Document, error) {
	body, err := s.backend.Get(ctx, Key(blueprintID, runID))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var doc Document
	if err := json.NewDecoder(body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode archive: %w", err)
	}
	return &doc, nil
}

// List returns the archives of a blueprint.
func (s *Service) List(ctx context.Context, blueprintID string) ([]*Ref, error) {
	return s.backend.List(ctx, fmt.Sprintf("runs/%s/", blueprintID))
}

// DownloadURL returns a presigned link to an archived run.
func (s *Service) DownloadURL(ctx context.Context, blueprintID, runID string, expiry time.Duration) (string, error) {
	key := Key(blueprintID, runID)
	refs, err := s.backend.List(ctx, key)
	if err != nil {
		return "", fmt.Errorf("list archive: %w", err)
	}
	if len(refs) == 0 {
		return "", ErrNotArchived
	}
	return s.backend.PresignGet(ctx, key, expiry)
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func reader(data []byte) io.ReadCloser {
	return io.NopCloser(bytes.NewReader(data))
}

var _ Archiver = (*Service)(nil)
