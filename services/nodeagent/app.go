package nodeagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/gorm"

	"gpunode/chain/contracts"
	"gpunode/chain/pool"
	"gpunode/config"
	"gpunode/crypto"
	"gpunode/modelcache"
	"gpunode/models"
	"gpunode/node/manager"
	"gpunode/node/statecache"
	"gpunode/relay"
)

// Version is the agent version reported to the relay when node.version is
// not configured. Overridden at link time.
var Version = "0.1.0"

// App bundles the wired components of a running node.
type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Key       *crypto.PrivateKey
	DB        *gorm.DB
	Cache     *statecache.ManagerStateCache
	Models    *modelcache.BoltCache
	Pool      *pool.Pool
	Contracts *contracts.Contracts
	Relay     relay.Relay
	Account   *Account
	Manager   *manager.Manager
	Version   []int
}

// Build wires every component from cfg. Contracts are only initialised when
// contract addresses are configured.
func Build(ctx context.Context, cfg config.Config, key *crypto.PrivateKey, logger *slog.Logger) (app *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	app = &App{Config: cfg, Logger: logger, Key: key}
	defer func() {
		if err != nil {
			_ = app.Close()
			app = nil
		}
	}()

	rawVersion := cfg.Node.Version
	if strings.TrimSpace(rawVersion) == "" {
		rawVersion = Version
	}
	if app.Version, err = models.ParseVersion(rawVersion); err != nil {
		return app, err
	}

	if err = app.openStateCache(); err != nil {
		return app, err
	}
	if app.Models, err = modelcache.OpenBoltCache(cfg.ModelCachePath, nil); err != nil {
		return app, err
	}

	app.Pool, err = pool.New(key, pool.Config{
		Name:     "ethereum",
		Endpoint: cfg.Ethereum.Provider,
		Size:     cfg.Ethereum.PoolSize,
		Timeout:  cfg.Ethereum.Timeout.Duration,
		RPS:      cfg.Ethereum.RPS,
	}, pool.WithLogger(logger))
	if err != nil {
		return app, err
	}
	if err = app.initContracts(ctx); err != nil {
		return app, err
	}

	app.Relay, err = relay.NewHTTPRelay(relay.Config{
		BaseURL: cfg.RelayURL,
		Timeout: cfg.Ethereum.Timeout.Duration,
	}, key, relay.WithLogger(logger))
	if err != nil {
		return app, err
	}

	app.Account = NewAccount(app.Relay, logger)
	app.Manager = manager.New(app.Cache, app.Models, app.Relay,
		manager.WithLogger(logger),
		manager.WithStakingAmount(cfg.StakingAmount.Wei),
		manager.WithWaitInterval(cfg.Node.WaitInterval.Duration),
	)
	app.publish()
	return app, nil
}

func (a *App) openStateCache() error {
	if a.Config.DB.Driver == config.DriverMemory {
		a.Cache = statecache.NewMemory()
		return nil
	}
	db, err := statecache.Open(a.Config.DB.Driver, a.Config.DB.DSN)
	if err != nil {
		return err
	}
	a.DB = db
	a.Cache, err = statecache.NewDB(db)
	return err
}

func (a *App) initContracts(ctx context.Context) error {
	if !a.Config.Ethereum.Contract.Configured() {
		a.Logger.Warn("contract addresses not configured, on-chain queries disabled")
		return nil
	}
	addrs, err := a.Config.Ethereum.Contract.Addresses()
	if err != nil {
		return err
	}
	opt, err := a.Config.DefaultTxOption()
	if err != nil {
		return err
	}
	c := contracts.New(a.Pool, addrs, opt, contracts.WithLogger(a.Logger))
	if err := c.Init(ctx); err != nil {
		return fmt.Errorf("init contracts: %w", err)
	}
	a.Contracts = c
	return nil
}

// LogStaking reports the on-chain staking position of the node account.
func (a *App) LogStaking(ctx context.Context) {
	if a.Contracts == nil {
		return
	}
	info, err := a.Contracts.StakingInfo(ctx, a.Key.Address())
	if err != nil {
		a.Logger.Warn("query staking info failed", "error", err)
		return
	}
	a.Logger.Info("on-chain staking",
		"address", a.Key.Address().Hex(),
		"staked_balance", info.StakedBalance.String(),
		"staked_credits", info.StakedCredits.String(),
	)
}

// Close releases every component in reverse order of construction.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	if a.Relay != nil {
		errs = append(errs, a.Relay.Close())
	}
	switch {
	case a.Contracts != nil:
		errs = append(errs, a.Contracts.Close())
	case a.Pool != nil:
		errs = append(errs, a.Pool.Close())
	}
	if a.Models != nil {
		errs = append(errs, a.Models.Close())
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}
