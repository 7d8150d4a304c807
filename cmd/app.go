package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"family-assistant/handler"
	"family-assistant/internal/config"
	"family-assistant/internal/integrations/authcache"
	"family-assistant/internal/integrations/bedrock"
	"family-assistant/internal/integrations/openai"
	"family-assistant/internal/integrations/paramstore"
	"family-assistant/internal/logger"
	"family-assistant/internal/repository"
	"family-assistant/internal/usecase"
)

const paramCacheTTL = 5 * time.Minute

// app holds everything a command needs. Configuration is read only here.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	aws     aws.Config
	dynamo  *awsdynamodb.Client
	tables  repository.Tables
	closers []func() error
}

func bootstrap(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, OutputPath: cfg.LogOutput})
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	dynamo := awsdynamodb.NewFromConfig(awsCfg, func(o *awsdynamodb.Options) {
		if cfg.DynamoDBEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoDBEndpoint)
		}
	})

	return &app{
		cfg:    cfg,
		log:    log,
		aws:    awsCfg,
		dynamo: dynamo,
		tables: repository.TableNames(cfg.TablePrefix),
	}, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", zap.Error(err))
		}
	}
	_ = a.log.Sync()
}

// ensureLocalTables creates tables only against a local endpoint; deployed
// tables belong to the infrastructure stack.
func (a *app) ensureLocalTables(ctx context.Context) error {
	if a.cfg.DynamoDBEndpoint == "" {
		return nil
	}
	created, err := repository.EnsureTables(ctx, a.dynamo, a.tables)
	if err != nil {
		return err
	}
	if len(created) > 0 {
		a.log.Info("created local tables", zap.Strings("tables", created))
	}
	return nil
}

type services struct {
	chat    *usecase.ChatService
	convs   *usecase.ConversationService
	devices *usecase.DeviceService
}

func (a *app) services() (*services, error) {
	client, err := repository.New(a.dynamo, a.tables)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamodb client: %w", err)
	}
	convStore := repository.NewConversationDirectory(client)
	msgStore := repository.NewMessageStore(client)

	var params *paramstore.Client
	if a.cfg.ParamPrefix != "" {
		params, err = paramstore.New(awsssm.NewFromConfig(a.aws), paramstore.WithCacheTTL(paramCacheTTL))
		if err != nil {
			return nil, fmt.Errorf("failed to create SSM client: %w", err)
		}
	}

	provider, err := a.provider(params)
	if err != nil {
		return nil, err
	}

	var promptParams usecase.ParamGetter
	if params != nil {
		promptParams = params
	}
	prompts := usecase.NewPromptSource(promptParams, a.cfg.ParamPrefix, a.cfg.SystemPrompt, paramstore.IsNotFound)

	chat, err := usecase.NewChatService(convStore, msgStore, provider, prompts, a.log.Named("chat"), usecase.ChatConfig{
		DefaultModel:  a.cfg.DefaultModel(),
		AllowedModels: a.cfg.AllowedModels,
		HistoryLimit:  a.cfg.HistoryLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chat service: %w", err)
	}
	convs, err := usecase.NewConversationService(convStore, msgStore, a.log.Named("conversations"))
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation service: %w", err)
	}

	var cache usecase.PrincipalCache
	if a.cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
			DB:       a.cfg.RedisDB,
		})
		a.closers = append(a.closers, rdb.Close)
		c, err := authcache.New(rdb, a.cfg.AuthCacheTTL)
		if err != nil {
			return nil, err
		}
		cache = c
	}
	devices, err := usecase.NewDeviceService(repository.NewDeviceRegistry(client), cache, a.log.Named("devices"))
	if err != nil {
		return nil, fmt.Errorf("failed to create device service: %w", err)
	}
	return &services{chat: chat, convs: convs, devices: devices}, nil
}

func (a *app) provider(params *paramstore.Client) (usecase.ModelProvider, error) {
	switch a.cfg.LLMProvider {
	case config.ProviderOpenAI:
		if params == nil {
			return nil, errors.New("openai provider needs param_prefix for its API token")
		}
		c, err := openai.NewClient(params, a.cfg.ParamPrefix, openai.WithBaseURL(a.cfg.OpenAIBaseURL))
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
		}
		return c, nil
	default:
		c, err := bedrock.NewClient(bedrockruntime.NewFromConfig(a.aws))
		if err != nil {
			return nil, fmt.Errorf("failed to create Bedrock client: %w", err)
		}
		return c, nil
	}
}

// router wires the services into the HTTP handler and seeds the admin invite code.
func (a *app) router(ctx context.Context) (*gin.Engine, error) {
	gin.SetMode(a.cfg.GinMode)
	svc, err := a.services()
	if err != nil {
		return nil, err
	}
	if code := a.cfg.AdminInviteCode; code != "" {
		created, err := svc.devices.SeedAdminInviteCode(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("failed to seed admin invite code: %w", err)
		}
		if created {
			a.log.Info("seeded admin invite code")
		}
	}
	h, err := handler.NewHandler(svc.chat, svc.convs, svc.devices, handler.Options{
		HeartbeatInterval: a.cfg.HeartbeatInterval,
		Logger:            a.log.Named("http"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handler: %w", err)
	}
	return h.Router(), nil
}
