package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/archon-research/stl/baddebt/db/migrations"
	"github.com/archon-research/stl/baddebt/db/migrator"
	"github.com/archon-research/stl/baddebt/internal/adapters/outbound/filestore"
	"github.com/archon-research/stl/baddebt/internal/adapters/outbound/logsink"
	"github.com/archon-research/stl/baddebt/internal/adapters/outbound/postgres"
	"github.com/archon-research/stl/baddebt/internal/adapters/outbound/redis"
	"github.com/archon-research/stl/baddebt/internal/adapters/outbound/s3"
	"github.com/archon-research/stl/baddebt/internal/adapters/outbound/sns"
	"github.com/archon-research/stl/baddebt/internal/config"
	"github.com/archon-research/stl/baddebt/internal/pkg/blockchain/multicall"
	"github.com/archon-research/stl/baddebt/internal/pkg/env"
	"github.com/archon-research/stl/baddebt/internal/ports/outbound"
	"github.com/archon-research/stl/baddebt/internal/services/price_resolver"
	"github.com/archon-research/stl/baddebt/internal/services/protocol"
)

const (
	backendFile     = "file"
	backendRedis    = "redis"
	backendPostgres = "postgres"
)

// newMulticaller picks the Multicall3 contract or plain eth_call batches.
func newMulticaller(p config.Protocol, eth *ethclient.Client, rpcClient *rpc.Client) (outbound.Multicaller, error) {
	if p.Multicall == config.MulticallDirect {
		return multicall.NewDirectCaller(rpcClient), nil
	}
	address := multicall.Multicall3Address
	if p.Multicall != "" {
		address = config.Address(p.Multicall)
	}
	mc, err := multicall.NewClient(eth, address)
	if err != nil {
		return nil, fmt.Errorf("creating multicall client: %w", err)
	}
	return mc, nil
}

// needsPortfolio reports whether any rule or price of p reads the portfolio
// aggregator.
func needsPortfolio(p config.Protocol) bool {
	for _, r := range p.Rules {
		if r.Portfolio != nil {
			return true
		}
	}
	for _, sp := range p.Prices {
		if sp.Kind == config.PriceZapper {
			return true
		}
	}
	return false
}

// buildSpecialResolvers turns the configured special prices into resolvers
// keyed by asset. Assets without a network inherit the protocol's.
func buildSpecialResolvers(
	p config.Protocol,
	reader price_resolver.Reader,
	coins outbound.CoinPriceProvider,
	portfolio outbound.PortfolioProvider,
) (map[price_resolver.Asset]price_resolver.SpecialResolver, error) {
	out := make(map[price_resolver.Asset]price_resolver.SpecialResolver, len(p.Prices))
	for i, sp := range p.Prices {
		network := sp.Network
		if network == "" {
			network = p.Network
		}
		asset := price_resolver.Asset{Network: network, Address: config.Address(sp.Asset)}
		if _, ok := out[asset]; ok {
			return nil, fmt.Errorf("prices[%d]: duplicate resolver for %s on %s", i, sp.Asset, network)
		}

		var r price_resolver.SpecialResolver
		switch sp.Kind {
		case config.PriceExchangeRate:
			r = &price_resolver.ExchangeRate{
				Reader:              reader,
				Token:               asset.Address,
				Underlying:          config.Address(sp.Underlying),
				UnderlyingSignature: sp.UnderlyingSignature,
			}
		case config.PriceUniV2LP:
			r = &price_resolver.UniV2LP{Reader: reader, Pair: asset.Address}
		case config.PriceChainlink:
			r = &price_resolver.Chainlink{Reader: reader, Feed: config.Address(sp.Feed)}
		case config.PriceCoinGecko:
			if coins == nil {
				return nil, fmt.Errorf("prices[%d]: coingecko client not configured", i)
			}
			r = &price_resolver.CoinGecko{Provider: coins, CoinID: sp.CoinID}
		case config.PriceAlias:
			targetNetwork := sp.TargetNetwork
			if targetNetwork == "" {
				targetNetwork = network
			}
			r = &price_resolver.Alias{Target: price_resolver.Asset{
				Network: targetNetwork,
				Address: config.Address(sp.Target),
			}}
		case config.PriceFixed:
			price, err := decimal.NewFromString(sp.Price)
			if err != nil {
				return nil, fmt.Errorf("prices[%d]: %w", i, err)
			}
			r = &price_resolver.Fixed{Price: price}
		case config.PriceZapper:
			if portfolio == nil {
				return nil, fmt.Errorf("prices[%d]: portfolio provider not configured", i)
			}
			r = &price_resolver.ZapperMarket{
				Reader:     reader,
				Portfolio:  portfolio,
				Market:     asset.Address,
				Underlying: config.Address(sp.Underlying),
			}
		default:
			return nil, fmt.Errorf("prices[%d]: unknown price kind %q", i, sp.Kind)
		}
		out[asset] = r
	}
	return out, nil
}

// buildProtocol constructs the strategy for p.Kind.
func buildProtocol(p config.Protocol, reader protocol.Reader, portfolio outbound.PortfolioProvider, logger *slog.Logger) (protocol.Protocol, error) {
	tokens := protocol.NewRegistry(reader)
	switch p.Kind {
	case config.KindAave3:
		return protocol.NewAave3(reader, protocol.Aave3Config{
			Name:              p.Name,
			AddressesProvider: config.Address(p.AddressesProvider),
			Pool:              config.Address(p.Pool),
			DeployBlock:       p.DeployBlock,
			Logger:            logger,
		})
	case config.KindAave2:
		return protocol.NewAave2(reader, protocol.Aave2Config{
			Name:              p.Name,
			AddressesProvider: config.Address(p.AddressesProvider),
			LendingPool:       config.Address(p.Pool),
			NativeAsset:       config.Address(p.WETH),
			DeployBlock:       p.DeployBlock,
			Logger:            logger,
		})
	case config.KindMorpho:
		return protocol.NewMorphoBlue(reader, tokens, protocol.MorphoBlueConfig{
			Name:        p.Name,
			Morpho:      config.Address(p.Morpho),
			Vaults:      config.Addresses(p.Vaults),
			DeployBlock: p.DeployBlock,
			Logger:      logger,
		})
	}

	compound := protocol.CompoundConfig{
		Name:                 p.Name,
		Comptroller:          config.Address(p.Comptroller),
		DeployBlock:          p.DeployBlock,
		NativeMarkets:        config.Addresses(p.NativeMarkets),
		WETH:                 config.Address(p.WETH),
		RektMarkets:          config.Addresses(p.RektMarkets),
		NonBorrowableMarkets: config.Addresses(p.NonBorrowableMarkets),
		Logger:               logger,
	}

	switch p.Kind {
	case config.KindCompound:
		return protocol.NewCompound(reader, tokens, compound)
	case config.KindVenus:
		return protocol.NewVenus(reader, tokens, protocol.VenusConfig{
			CompoundConfig: compound,
			CutoverBlock:   p.CutoverBlock,
			VAI:            config.Address(p.VAI),
		})
	case config.KindIonic:
		return protocol.NewIonic(reader, tokens, compound)
	case config.KindIronBank:
		rules := make([]protocol.CollateralRule, len(p.Rules))
		for i, r := range p.Rules {
			rules[i] = protocol.CollateralRule{Account: r.Account}
			if r.TokenBalance != nil {
				rules[i].TokenBalance = &protocol.TokenBalanceRule{
					Token:  config.Address(r.TokenBalance.Token),
					Holder: config.Address(r.TokenBalance.Holder),
				}
			}
			if r.Portfolio != nil {
				rules[i].Portfolio = &protocol.PortfolioRule{
					Address:        config.Address(r.Portfolio.Address),
					SubtractDebtOf: r.Portfolio.SubtractDebtOf,
				}
			}
		}
		return protocol.NewIronBank(reader, tokens, portfolio, protocol.IronBankConfig{
			CompoundConfig: compound,
			Rules:          rules,
		})
	}
	return nil, fmt.Errorf("unknown kind %q", p.Kind)
}

// infra holds the long-lived stores and sinks the runner writes to.
type infra struct {
	checkpoints outbound.CheckpointStore
	publishers  []outbound.ReportPublisher
	monitoring  outbound.MonitoringSink
	closers     []func() error
	logger      *slog.Logger
}

func (i *infra) close() {
	for j := len(i.closers) - 1; j >= 0; j-- {
		if err := i.closers[j](); err != nil {
			i.logger.Warn("error closing resource", "error", err)
		}
	}
}

// openInfra connects the checkpoint backend, report publishers and the
// monitoring sink selected by cfg and the environment. Partially opened
// resources are released on error.
func openInfra(ctx context.Context, cfg cliConfig, logger *slog.Logger) (_ *infra, err error) {
	in := &infra{logger: logger}
	defer func() {
		if err != nil {
			in.close()
		}
	}()

	var pool *pgxpool.Pool
	databaseURL := env.Get("DATABASE_URL", "")
	if cfg.checkpointBackend == backendPostgres || databaseURL != "" {
		if databaseURL == "" {
			return nil, errors.New("DATABASE_URL is required for the postgres checkpoint backend")
		}
		pool, err = postgres.OpenPool(ctx, postgres.DefaultDBConfig(databaseURL))
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		in.closers = append(in.closers, func() error { pool.Close(); return nil })

		if err := migrator.New(pool, migrations.FS, logger).ApplyAll(ctx); err != nil {
			return nil, fmt.Errorf("applying migrations: %w", err)
		}
	}

	switch cfg.checkpointBackend {
	case backendFile:
		store, err := filestore.NewCheckpointStore(env.Get("CHECKPOINT_DIR", "./checkpoints"), logger)
		if err != nil {
			return nil, fmt.Errorf("creating file checkpoint store: %w", err)
		}
		in.checkpoints = store
	case backendRedis:
		store, err := redis.NewCheckpointStore(redis.Config{
			Addr:      env.Get("REDIS_ADDR", "localhost:6379"),
			Password:  env.Get("REDIS_PASSWORD", ""),
			DB:        env.GetInt("REDIS_DB", 0),
			KeyPrefix: env.Get("REDIS_KEY_PREFIX", ""),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("creating redis checkpoint store: %w", err)
		}
		in.closers = append(in.closers, store.Close)
		if err := store.Ping(ctx); err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		in.checkpoints = store
	case backendPostgres:
		store, err := postgres.NewCheckpointStore(pool, logger)
		if err != nil {
			return nil, fmt.Errorf("creating postgres checkpoint store: %w", err)
		}
		in.checkpoints = store
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.checkpointBackend)
	}

	if pool != nil {
		reports, err := postgres.NewReportRepository(pool, logger)
		if err != nil {
			return nil, fmt.Errorf("creating report repository: %w", err)
		}
		in.publishers = append(in.publishers, reports)
	}

	bucket := env.Get("REPORT_BUCKET", "")
	topicARN := env.Get("MONITORING_TOPIC_ARN", "")
	if bucket == "" && topicARN == "" {
		in.monitoring = logsink.NewMonitoringSink(logger)
		in.warnUnpublished()
		return in, nil
	}

	awsCfg, err := loadAWSConfig(ctx)
	if err != nil {
		return nil, err
	}

	if bucket != "" {
		publisher, err := s3.NewPublisher(awsCfg, s3.Config{
			Bucket: bucket,
			Prefix: env.Get("REPORT_PREFIX", ""),
			Gzip:   env.Get("REPORT_GZIP", "") == "true",
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating report publisher: %w", err)
		}
		in.publishers = append(in.publishers, publisher)
	}

	if topicARN != "" {
		client := awssns.NewFromConfig(awsCfg, func(o *awssns.Options) {
			if endpoint := env.Get("AWS_SNS_ENDPOINT", ""); endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
		sink, err := sns.NewMonitoringSink(client, sns.Config{TopicARN: topicARN, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("creating monitoring sink: %w", err)
		}
		in.closers = append(in.closers, sink.Close)
		in.monitoring = sink
	} else {
		in.monitoring = logsink.NewMonitoringSink(logger)
	}

	in.warnUnpublished()
	return in, nil
}

func (i *infra) warnUnpublished() {
	if len(i.publishers) == 0 {
		i.logger.Warn("no report publisher configured (set REPORT_BUCKET or DATABASE_URL)")
	}
}

func loadAWSConfig(ctx context.Context) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(env.Get("AWS_REGION", "eu-west-1")),
	}
	if key := env.Get("AWS_ACCESS_KEY_ID", ""); key != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			key,
			env.Get("AWS_SECRET_ACCESS_KEY", ""),
			env.Get("AWS_SESSION_TOKEN", ""),
		)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return awsCfg, nil
}
