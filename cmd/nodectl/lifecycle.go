package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
	"gorm.io/gorm"

	"gpunode/chain/contracts"
	"gpunode/chain/pool"
	"gpunode/config"
	"gpunode/crypto"
	"gpunode/internal/passphrase"
	"gpunode/modelcache"
	"gpunode/models"
	"gpunode/node/manager"
	"gpunode/node/statecache"
	"gpunode/relay"
	"gpunode/services/nodeagent"
)

// controller is the subset of the agent a one-shot command needs.
type controller struct {
	cfg     config.Config
	key     *crypto.PrivateKey
	db      *gorm.DB
	cache   *statecache.ManagerStateCache
	models  *modelcache.BoltCache
	relay   *relay.HTTPRelay
	manager *manager.Manager
	version []int
}

func loadConfig(path string) (config.Config, *crypto.PrivateKey, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, nil, fmt.Errorf("load config: %w", err)
	}
	creds, err := config.LoadCredentials(cfg.Ethereum, passphrase.NewSource(cfg.Ethereum.KeystorePassEnv).Get)
	if err != nil {
		return cfg, nil, err
	}
	key, err := creds.Get()
	if err != nil {
		return cfg, nil, err
	}
	return cfg, key, nil
}

// openController wires the state cache, relay and manager. The model cache is
// opened read only, and only when withModels is set and the file exists; a
// running agent holds the write lock on it.
func openController(cfg config.Config, key *crypto.PrivateKey, withModels bool) (*controller, error) {
	c := &controller{cfg: cfg, key: key}
	var err error
	if c.version, err = models.ParseVersion(versionOf(cfg)); err != nil {
		return nil, err
	}
	if cfg.DB.Driver == config.DriverMemory {
		c.cache = statecache.NewMemory()
	} else {
		if c.db, err = statecache.Open(cfg.DB.Driver, cfg.DB.DSN); err != nil {
			return nil, err
		}
		if c.cache, err = statecache.NewDB(c.db); err != nil {
			c.close()
			return nil, err
		}
	}
	var downloaded modelcache.DownloadModelCache = modelcache.NewMemoryCache()
	if _, statErr := os.Stat(cfg.ModelCachePath); withModels && statErr == nil {
		c.models, err = modelcache.OpenBoltCache(cfg.ModelCachePath, &bolt.Options{ReadOnly: true, Timeout: time.Second})
		if err != nil {
			c.close()
			return nil, fmt.Errorf("%w (is nodeagent running?)", err)
		}
		downloaded = c.models
	}
	if c.relay, err = relay.NewHTTPRelay(relay.Config{BaseURL: cfg.RelayURL, Timeout: cfg.Ethereum.Timeout.Duration}, key); err != nil {
		c.close()
		return nil, err
	}
	c.manager = manager.New(c.cache, downloaded, c.relay,
		manager.WithLogger(slog.Default()),
		manager.WithStakingAmount(cfg.StakingAmount.Wei),
		manager.WithWaitInterval(cfg.Node.WaitInterval.Duration),
	)
	return c, nil
}

func versionOf(cfg config.Config) string {
	if v := strings.TrimSpace(cfg.Node.Version); v != "" {
		return v
	}
	return nodeagent.Version
}

func (c *controller) close() {
	if c.relay != nil {
		_ = c.relay.Close()
	}
	if c.models != nil {
		_ = c.models.Close()
	}
	if c.db != nil {
		if sqlDB, err := c.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

// refresh mirrors the remote status into the cache so preconditions are
// checked against the registry rather than a stale local view.
func (c *controller) refresh(ctx context.Context) error {
	info, err := c.relay.NodeGetNodeInfo(ctx)
	if err != nil {
		return err
	}
	status, err := models.ConvertNodeStatus(info.Status)
	if err != nil {
		return err
	}
	if err := c.cache.SetNodeStatus(ctx, status); err != nil {
		return err
	}
	return c.cache.SetNodeScoreState(ctx, info.ScoreState())
}

func runLifecycle(ctx context.Context, cmd, configPath string, wait bool, out io.Writer) error {
	cfg, key, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	c, err := openController(cfg, key, cmd == startCommand)
	if err != nil {
		return err
	}
	defer c.close()
	if err := c.refresh(ctx); err != nil {
		return fmt.Errorf("query node status: %w", err)
	}

	var waiter *manager.Waiter
	switch cmd {
	case startCommand:
		waiter, err = c.manager.Start(ctx, cfg.Node.GPUName, cfg.Node.GPUVram, c.version)
	case stopCommand:
		waiter, err = c.manager.Stop(ctx)
	case pauseCommand:
		waiter, err = c.manager.Pause(ctx)
	case resumeCommand:
		waiter, err = c.manager.Resume(ctx)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s accepted for %s\n", cmd, key.Address().Hex())
	if !wait {
		return nil
	}
	if err := waiter.Wait(ctx); err != nil {
		return err
	}
	state, err := c.cache.GetNodeState(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "node is %s\n", state.Status)
	return nil
}

func runStatus(ctx context.Context, configPath string, out io.Writer) error {
	cfg, key, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	c, err := openController(cfg, key, false)
	if err != nil {
		return err
	}
	defer c.close()

	node, err := c.cache.GetNodeState(ctx)
	if err != nil {
		return err
	}
	tx, err := c.cache.GetTxState(ctx)
	if err != nil {
		return err
	}
	score, err := c.cache.GetNodeScoreState(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "address:        %s\n", key.Address().Hex())
	fmt.Fprintf(out, "cached status:  %s\n", node.Status)
	fmt.Fprintf(out, "last tx:        %s %s\n", tx.Status, tx.Message)
	fmt.Fprintf(out, "scores:         qos=%g staking=%g prob_weight=%g\n", score.QOSScore, score.StakingScore, score.ProbWeight)

	if info, err := c.relay.NodeGetNodeInfo(ctx); err != nil {
		fmt.Fprintf(out, "remote status:  unavailable (%v)\n", err)
	} else {
		fmt.Fprintf(out, "remote status:  %s\n", info.Status)
	}
	if balance, err := c.relay.GetBalance(ctx, key.Address()); err == nil {
		fmt.Fprintf(out, "balance (wei):  %s\n", balance)
	}
	fmt.Fprintf(out, "stake required: %s\n", cfg.StakingAmount.Wei())

	staking, err := onChainStaking(ctx, cfg, key)
	switch {
	case errors.Is(err, contracts.ErrDeployUnsupported):
	case err != nil:
		fmt.Fprintf(out, "on-chain stake: unavailable (%v)\n", err)
	default:
		fmt.Fprintf(out, "on-chain stake: balance=%s credits=%s\n", staking.StakedBalance, staking.StakedCredits)
	}
	return nil
}

func onChainStaking(ctx context.Context, cfg config.Config, key *crypto.PrivateKey) (models.StakingInfo, error) {
	if !cfg.Ethereum.Contract.Configured() {
		return models.StakingInfo{}, contracts.ErrDeployUnsupported
	}
	addrs, err := cfg.Ethereum.Contract.Addresses()
	if err != nil {
		return models.StakingInfo{}, err
	}
	p, err := pool.New(key, pool.Config{
		Name:     "nodectl",
		Endpoint: cfg.Ethereum.Provider,
		Size:     1,
		Timeout:  cfg.Ethereum.Timeout.Duration,
		RPS:      cfg.Ethereum.RPS,
	})
	if err != nil {
		return models.StakingInfo{}, err
	}
	opt, err := cfg.DefaultTxOption()
	if err != nil {
		_ = p.Close()
		return models.StakingInfo{}, err
	}
	c := contracts.New(p, addrs, opt)
	defer c.Close()
	if err := c.Init(ctx); err != nil {
		return models.StakingInfo{}, err
	}
	return c.StakingInfo(ctx, key.Address())
}
