package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"widgetchat/api"
	"widgetchat/config"
	"widgetchat/contact"
	"widgetchat/discovery"
	"widgetchat/echoid"
	"widgetchat/logging"
	"widgetchat/messaging"
	"widgetchat/models"
	"widgetchat/storage"
)

// apiOptions is appended to every API client; tests use it to dial an
// in-memory listener.
var apiOptions []api.Option

// runtime holds the collaborators one command invocation needs.
type runtime struct {
	cfg      *config.ClientConfig
	cfgPath  string
	dataDir  string
	dbPath   string
	logger   *zap.Logger
	store    *storage.Store
	registry *prometheus.Registry
	// metricsOut receives the registry in text exposition format on Close.
	metricsOut io.Writer

	client      *api.Client
	coordinator *messaging.Coordinator
}

// openRuntime loads config, logging and the store. When withAPI is set it also
// resolves the API endpoint and builds the coordinator.
func openRuntime(cmd *cobra.Command, withAPI bool) (*runtime, error) {
	ctx := cmd.Context()
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, os.Getenv(logging.SinkEnv))
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:      cfg,
		cfgPath:  cfgPath,
		dataDir:  filepath.Dir(cfgPath),
		logger:   logger.With(zap.String("client_id", cfg.ClientID)),
		registry: prometheus.NewRegistry(),
	}
	if dumpMetrics {
		rt.metricsOut = cmd.ErrOrStderr()
	}

	store, dbPath, err := storage.Open(rt.dataDir)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("open database: %w", err)
	}
	rt.store = store
	rt.dbPath = dbPath

	if err := rt.buildCoordinator(ctx, withAPI); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) buildCoordinator(ctx context.Context, withAPI bool) error {
	metrics, err := messaging.NewMetrics(rt.registry)
	if err != nil {
		return err
	}

	options := messaging.Options{
		Store:   rt.store,
		API:     offlineAPI{},
		Factory: messaging.NewFactory(echoGenerator(echoPrefix)),
		Logger:  rt.logger,
		Metrics: metrics,
	}

	if withAPI {
		baseURL, err := rt.resolveBaseURL(ctx)
		if err != nil {
			return err
		}
		client, err := api.New(api.Config{
			BaseURL:           baseURL,
			WebsiteToken:      rt.cfg.WebsiteToken,
			AuthToken:         rt.cfg.AuthToken,
			Timeout:           rt.cfg.RequestTimeout(),
			RequestsPerSecond: rt.cfg.RequestsPerSecond,
			Burst:             rt.cfg.RequestBurst,
		}, apiOptions...)
		if err != nil {
			return fmt.Errorf("create api client: %w", err)
		}
		refresher, err := contact.NewRefresher(client, rt.store, rt.logger)
		if err != nil {
			return err
		}
		rt.client = client
		options.API = client
		options.Refresher = refresher
	}

	coordinator, err := messaging.New(options)
	if err != nil {
		return err
	}
	rt.coordinator = coordinator
	return nil
}

func (rt *runtime) resolveBaseURL(ctx context.Context) (string, error) {
	if rt.cfg.APIBaseURL != "" {
		return rt.cfg.APIBaseURL, nil
	}
	if !rt.cfg.DiscoveryEnabled {
		return "", errors.New("api_base_url is not configured and discovery is disabled")
	}

	endpoint, err := discovery.ResolveEndpoint(ctx, discovery.Config{Service: rt.cfg.DiscoveryService})
	if err != nil {
		return "", fmt.Errorf("discover widget endpoint: %w", err)
	}
	rt.logger.Info("widget_endpoint_discovered",
		zap.String("instance", endpoint.Instance),
		zap.String("base_url", endpoint.BaseURL()),
	)
	return endpoint.BaseURL(), nil
}

// Close waits for background work, writes metrics when requested and
// releases the store.
func (rt *runtime) Close() {
	if rt.coordinator != nil {
		rt.coordinator.Wait()
	}
	if rt.metricsOut != nil {
		if err := writeMetrics(rt.metricsOut, rt.registry); err != nil {
			rt.logger.Warn("metrics_write_failed", zap.Error(err))
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.Warn("database_close_failed", zap.Error(err))
		}
	}
	_ = rt.logger.Sync()
}

func writeMetrics(w io.Writer, gatherer prometheus.Gatherer) error {
	families, err := gatherer.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	encoder := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, family := range families {
		if err := encoder.Encode(family); err != nil {
			return fmt.Errorf("encode metrics: %w", err)
		}
	}
	return nil
}

func echoGenerator(prefix string) echoid.Generator {
	if prefix == "" {
		return echoid.New()
	}
	return echoid.NewSequence(prefix)
}

// offlineAPI backs coordinators built for store-only commands.
type offlineAPI struct{}

var errOffline = errors.New("command runs without the widget api")

func (offlineAPI) SendMessage(context.Context, string, string) (models.Message, error) {
	return models.Message{}, errOffline
}

func (offlineAPI) SendAttachment(context.Context, api.UploadRequest) (models.Message, error) {
	return models.Message{}, errOffline
}

func (offlineAPI) UpdateMessage(context.Context, api.MessageUpdate) error {
	return errOffline
}
