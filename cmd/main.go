package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog"

	"chat-relay/handler"
	"chat-relay/internal/config"
	"chat-relay/internal/integrations/paramstore"
	"chat-relay/internal/integrations/provider"
	"chat-relay/internal/logging"
	"chat-relay/internal/repository"
	"chat-relay/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.New(cfg)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load AWS config")
	}

	// ---- Clients ----
	store, err := newStore(ctx, cfg, awsdynamodb.NewFromConfig(awsCfg), log)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("failed to create conversation store")
	}

	providerOpts := []provider.Option{
		provider.WithBaseURL(cfg.ProviderBaseURL),
		provider.WithTimeout(cfg.ProviderTimeout),
	}
	if cfg.ProviderToken != "" {
		providerOpts = append(providerOpts, provider.WithStaticToken(cfg.ProviderToken))
	} else {
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create SSM client")
		}
		providerOpts = append(providerOpts, provider.WithTokenSource(ssmClient, cfg.TokenParameterName()))
	}
	providerClient, err := provider.NewClient(cfg.ProviderBotID, providerOpts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create provider client")
	}

	// ---- Handler ----
	history, err := usecase.NewHistoryReader(store, cfg.OwnerCacheSize, cfg.StoreTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create history reader")
	}
	turnService, err := usecase.NewTurnService(providerClient, store, history, log, cfg.StoreTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create turn service")
	}

	h, err := handler.NewHandler(turnService, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create handler")
	}

	log.Info().Str("backend", cfg.StoreBackend).Msg("chat relay ready")
	lambda.Start(h.Handle)
}

func newStore(ctx context.Context, cfg *config.Config, dynamo *awsdynamodb.Client, log zerolog.Logger) (usecase.ConversationStore, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		db, err := repository.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		store, err := repository.NewPostgresStore(db)
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				return nil, err
			}
			log.Info().Msg("postgres schema migrated")
		}
		return store, nil
	case config.BackendMemory:
		log.Warn().Msg("using in-memory store; state is lost when the function instance is recycled")
		return repository.NewMemoryStore(), nil
	default:
		return repository.NewDynamoStore(dynamo, cfg.StateTable, cfg.UserIndex)
	}
}
