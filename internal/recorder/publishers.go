package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/mikeyg42/motioncam/internal/notification"
	"github.com/mikeyg42/motioncam/internal/recorder/config"
	"github.com/mikeyg42/motioncam/internal/recorder/pipeline"
	"github.com/mikeyg42/motioncam/internal/recorder/recorderlog"
	"github.com/mikeyg42/motioncam/internal/recorder/storage"
)

// CreateStorageConfigs maps the recorder configuration onto the storage
// backends' own configuration types.
func CreateStorageConfigs(cfg *config.Config) (storage.MinIOConfig, storage.PostgresConfig) {
	m := cfg.Storage.MinIO
	minioCfg := storage.MinIOConfig{
		Endpoint:        m.Endpoint,
		AccessKeyID:     m.AccessKeyID,
		SecretAccessKey: m.SecretAccessKey,
		UseSSL:          m.UseSSL,
		Bucket:          m.Bucket,
		Region:          m.Region,
		MaxRetries:      m.UploadRetries,
	}

	p := cfg.Storage.Postgres
	pgCfg := storage.PostgresConfig{
		DSN:             p.DSN(),
		MaxConnections:  p.MaxConnections,
		MaxIdleConns:    p.MaxIdleConns,
		ConnMaxLifetime: p.ConnMaxLifetime,
	}
	return minioCfg, pgCfg
}

// NewPublishers connects the enabled clip publishers in the order clips
// should reach them: catalog, object storage, then notification. On error
// every publisher already opened is closed.
func NewPublishers(ctx context.Context, cfg *config.Config, logger recorderlog.Logger) ([]pipeline.Publisher, error) {
	if logger == nil {
		logger = recorderlog.L()
	}
	var pubs []pipeline.Publisher
	fail := func(err error) ([]pipeline.Publisher, error) {
		return nil, errors.Join(err, ClosePublishers(pubs))
	}

	minioCfg, pgCfg := CreateStorageConfigs(cfg)

	if cfg.Storage.Postgres.Enabled() {
		catalog, err := storage.OpenClipCatalog(ctx, pgCfg, logger)
		if err != nil {
			return fail(fmt.Errorf("failed to open clip catalog: %w", err))
		}
		pubs = append(pubs, catalog)
	}

	if cfg.Storage.MinIO.Enabled() {
		store, err := storage.NewMinIOStore(minioCfg, logger.Zap())
		if err != nil {
			return fail(fmt.Errorf("failed to create object store: %w", err))
		}
		pubs = append(pubs, storage.NewClipUploader(store, cfg.Storage.MinIO.Prefix, cfg.Storage.MinIO.UploadTimeout, logger))
	}

	if cfg.MQTT.Enabled() {
		retry := notification.DefaultRetryConfig()
		if cfg.MQTT.Retries > 0 {
			retry.MaxAttempts = cfg.MQTT.Retries
		}
		notifier := notification.NewMQTTNotifier(notification.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Topic:    cfg.MQTT.Topic,
			QoS:      cfg.MQTT.QoS,
			Retry:    retry,
		}, logger)
		// The client keeps reconnecting in the background, so a broker that
		// is down at startup only delays notifications.
		if err := notifier.Connect(ctx); err != nil {
			logger.Warn("MQTT broker not reachable yet", recorderlog.Error(err))
		}
		pubs = append(pubs, notifier)
	}

	return pubs, nil
}

// ClosePublishers closes every publisher that implements io.Closer and
// returns the joined close errors.
func ClosePublishers(pubs []pipeline.Publisher) error {
	var errs []error
	for _, p := range pubs {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
