package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"whatsapp-gateway/internal/audit"
	"whatsapp-gateway/internal/auth"
	"whatsapp-gateway/internal/cache"
	"whatsapp-gateway/internal/client"
	"whatsapp-gateway/internal/config"
	"whatsapp-gateway/internal/handler"
	"whatsapp-gateway/internal/hashing"
	"whatsapp-gateway/internal/ratelimit"
	"whatsapp-gateway/internal/service"
	"whatsapp-gateway/internal/tls"
	"whatsapp-gateway/internal/util"
	"whatsapp-gateway/internal/whatsapp"
)

// Factory wires the application together and owns the lifecycle of every
// long-lived dependency. Redis and Kafka are optional: without them the
// rate limiter and challenge store run in memory and audit events are
// dropped, which is the intended single-node development setup.
type Factory struct {
	config     *config.Config
	tlsManager *tls.Manager

	redisClient   *client.RedisClient
	kafkaProducer *client.KafkaProducer

	transport      whatsapp.Transport
	session        *whatsapp.Session
	messageCache   *cache.MessageCache
	fetcher        *cache.HistoryFetcher
	recorder       audit.Recorder
	limiter        ratelimit.Limiter
	challengeStore auth.ChallengeStore
	otpService     *auth.OTPService
	tokens         *auth.TokenIssuer
	gateway        *service.Gateway
	gatewayHandler *handler.GatewayHandler

	closeOnce sync.Once
}

// NewFactory loads configuration and builds the full dependency graph.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	f := &Factory{config: cfg}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewManager(cfg.Server)
	}

	if err := f.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := f.initializeGateway(); err != nil {
		return nil, fmt.Errorf("failed to initialize gateway: %w", err)
	}

	util.Info("Factory initialized",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("redis_enabled", f.redisClient != nil),
		util.Bool("kafka_enabled", f.kafkaProducer != nil),
	)

	return f, nil
}

func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if f.config.Redis.URL != "" {
		redisClient, err := client.NewRedisClient(f.config, util.Get())
		if err == nil {
			err = redisClient.HealthCheck(ctx)
		}
		if err != nil {
			if f.config.IsProduction() {
				return fmt.Errorf("redis: %w", err)
			}
			util.Warn("Redis unavailable, using in-memory stores", util.ErrorField(err))
		} else {
			f.redisClient = redisClient
			util.Info("Redis client initialized and healthy")
		}
	}

	if len(f.config.Kafka.Brokers) > 0 {
		producer, err := client.NewKafkaProducer(f.config, util.Get())
		if err != nil {
			util.Warn("Kafka producer initialization failed, audit events will be dropped", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	return nil
}

func (f *Factory) initializeGateway() error {
	cfg := f.config
	logger := util.Get()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	transport, err := whatsapp.NewWameowTransport(ctx, cfg.WhatsApp, logger)
	if err != nil {
		return fmt.Errorf("whatsapp transport: %w", err)
	}
	f.transport = transport

	f.messageCache = cache.NewMessageCache(cfg.Cache.MaxPerConversation, logger)
	f.session = whatsapp.NewSession(transport, f.messageCache, cfg.WhatsApp, logger)
	f.fetcher = cache.NewHistoryFetcher(f.messageCache, f.session, logger)

	if f.kafkaProducer != nil {
		f.recorder = audit.NewKafkaRecorder(f.kafkaProducer, cfg.Kafka.AuditTopic)
	} else {
		f.recorder = audit.NopRecorder{}
	}

	policies := ratelimit.PoliciesFromConfig(cfg)
	if f.redisClient != nil {
		f.limiter = ratelimit.NewRedisLimiter(f.redisClient, policies)
		f.challengeStore = auth.NewRedisChallengeStore(f.redisClient)
	} else {
		f.limiter = ratelimit.NewMemoryLimiter(policies)
		f.challengeStore = auth.NewMemoryChallengeStore()
	}

	f.tokens = auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	allowlist := auth.NewAllowlist(cfg.Auth.AllowedPhones, cfg.Auth.AdminPhones)
	if allowlist.Empty() {
		util.Warn("No authorized phones configured, every OTP request will be rejected")
	}

	f.otpService = auth.NewOTPService(
		cfg,
		f.challengeStore,
		f.limiter,
		hashing.NewHasher(),
		f.tokens,
		allowlist,
		f.session,
		f.recorder,
		logger,
	)

	f.gateway = service.NewGateway(f.session, f.messageCache, f.fetcher, f.recorder, logger)
	f.gatewayHandler = handler.NewGatewayHandler(f.gateway, f.otpService, f.tokens, cfg.Auth.AdminAPIKey, logger)

	return nil
}

// HealthCheck reports per-dependency health for the optional backends.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	}
	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		if f.session != nil {
			f.session.Stop()
			util.Info("WhatsApp session stopped")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}

func (f *Factory) Session() *whatsapp.Session {
	return f.session
}

func (f *Factory) GatewayHandler() *handler.GatewayHandler {
	return f.gatewayHandler
}
