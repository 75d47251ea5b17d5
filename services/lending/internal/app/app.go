package app

import (
	"context"
	"fmt"
	"time"

	"bookshare/pkg/events"
	"bookshare/pkg/queue"
	"bookshare/pkg/storage"
	"bookshare/pkg/store"
)

// Config holds runtime configuration for the lending core.
type Config struct {
	DatabaseURL string
	Store       store.Store
	// Objects hosts book images; when nil a MinioStore is built from the Minio fields.
	Objects            storage.ObjectStore
	MinioEndpoint      string
	MinioAccessKey     string
	MinioSecretKey     string
	MinioBucket        string
	MinioUseSSL        bool
	PublicImageBaseURL string
	UploadDir          string
	MaxUploadBytes     int64
	// Jobs receives SMS jobs; nil disables SMS relay.
	Jobs   JobQueue
	Events events.Publisher
	Now    func() time.Time
}

// JobQueue is the part of queue.RedisJobQueue the notifier needs.
type JobQueue interface {
	Enqueue(ctx context.Context, kind string, payload any) (queue.Job, error)
}

// App runs the lending workflows on top of the store.
type App struct {
	store          store.Store
	objects        storage.ObjectStore
	files          *storage.FileStore
	jobs           JobQueue
	events         events.Publisher
	now            func() time.Time
	maxUploadBytes int64
}

// New constructs the application with database-backed storage and MinIO image hosting.
func New(cfg Config) (*App, error) {
	var err error
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	objects := cfg.Objects
	if objects == nil {
		objects, err = storage.NewMinioStore(storage.MinioConfig{
			Endpoint:      cfg.MinioEndpoint,
			AccessKey:     cfg.MinioAccessKey,
			SecretKey:     cfg.MinioSecretKey,
			Bucket:        cfg.MinioBucket,
			UseSSL:        cfg.MinioUseSSL,
			PublicBaseURL: cfg.PublicImageBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("init object store: %w", err)
		}
	}
	uploadDir := cfg.UploadDir
	if uploadDir == "" {
		uploadDir = "uploads"
	}
	files, err := storage.NewFileStore(uploadDir)
	if err != nil {
		return nil, err
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 5 * 1024 * 1024
	}
	publisher := cfg.Events
	if publisher == nil {
		publisher = events.Nop{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &App{
		store:          dataStore,
		objects:        objects,
		files:          files,
		jobs:           cfg.Jobs,
		events:         publisher,
		now:            func() time.Time { return now().UTC() },
		maxUploadBytes: maxUpload,
	}, nil
}
