package main

import (
	"bytes"
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pactbft/pactbft/params"
	"github.com/pactbft/pactbft/pkg/api"
	"github.com/pactbft/pactbft/pkg/consensus"
	"github.com/pactbft/pactbft/pkg/crypto"
	"github.com/pactbft/pactbft/pkg/mempool"
	"github.com/pactbft/pactbft/pkg/metrics"
	"github.com/pactbft/pactbft/pkg/p2p"
	"github.com/pactbft/pactbft/pkg/store"
	"github.com/pactbft/pactbft/pkg/types"
	"github.com/pactbft/pactbft/pkg/util"
	"github.com/pactbft/pactbft/pkg/validation"
)

func main() {
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	genesis, err := params.LoadGenesis(cfg.Node.GenesisPath)
	if err != nil {
		sugar.Fatalw("genesis_load_failed", "path", cfg.Node.GenesisPath, "err", err)
	}
	vals, err := genesis.ValidatorSet()
	if err != nil {
		sugar.Fatalw("validator_set_invalid", "err", err)
	}

	key, err := crypto.PrivateKeyFromHex(cfg.Node.KeySeedHex)
	if err != nil {
		sugar.Fatalw("validator_key_invalid", "err", err)
	}
	self, ok := findSelf(vals, key)
	if !ok {
		sugar.Fatalw("validator_key_not_in_registry")
	}

	// ---- Storage ----
	kv, err := store.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "chain"))
	if err != nil {
		sugar.Fatalw("store_open_failed", "err", err)
	}
	defer kv.Close()

	chain, err := store.NewChainStore(kv, vals, genesis.FeeDisposition(), sugar)
	if err != nil {
		sugar.Fatalw("chain_store_failed", "err", err)
	}
	if booted, err := chain.Bootstrapped(); err != nil {
		sugar.Fatalw("bootstrap_check_failed", "err", err)
	} else if !booted {
		accounts, err := genesis.InitialAccounts()
		if err != nil {
			sugar.Fatalw("genesis_accounts_invalid", "err", err)
		}
		if err := chain.WriteGenesis(genesis.GenesisBlock(), accounts); err != nil {
			sugar.Fatalw("genesis_write_failed", "err", err)
		}
	}

	// ---- Validation, mempool, metrics ----
	engine := validation.NewEngine(validation.Limits{
		MaxTxDataBytes: genesis.MaxTxDataBytes,
		MinFee:         genesis.MinFee,
		TimestampSkew:  time.Duration(genesis.TimestampSkewMs) * time.Millisecond,
		MaxTxAge:       time.Duration(genesis.MaxTxAgeMs) * time.Millisecond,
		MaxBlockTxs:    genesis.MaxBlockTxs,
		MaxBlockBytes:  genesis.MaxBlockBytes,
	}, vals)
	pool := mempool.New(mempool.DefaultConfig(), engine, chain, sugar)
	meter := metrics.NewSet()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Transport ----
	net, err := p2p.NewNetwork(ctx, p2p.Config{
		ListenAddr: cfg.Node.ListenAddr,
		Bootstrap:  cfg.Node.Bootstrap,
		SelfID:     self,
		Logger:     sugar,
	})
	if err != nil {
		sugar.Fatalw("p2p_init_failed", "err", err)
	}
	defer net.Close()

	// ---- Consensus driver ----
	driver := consensus.NewDriver(consensus.Config{
		TimeoutBase:   cfg.Consensus.TimeoutBase,
		TimeoutMax:    cfg.Consensus.TimeoutMax,
		BlockInterval: cfg.Consensus.BlockInterval,
		FutureWindow:  cfg.Consensus.FutureWindow,
		MaxBlockTxs:   genesis.MaxBlockTxs,
		MaxBlockBytes: genesis.MaxBlockBytes,
		QueueSize:     1024,
	}, self, key, vals, engine, pool, chain, net, util.RealClock{}, sugar, meter)

	net.SetHandlers(p2p.Handlers{
		OnTx: func(tx *types.Transaction) {
			if err := pool.Insert(tx); err != nil {
				meter.TxsRejected.Inc(1)
				return
			}
			meter.TxsAccepted.Inc(1)
		},
		OnBlock: func(block *types.Block) {
			_ = driver.SubmitBlock(block)
		},
		OnBlockRequest: func(fromHeight, toHeight uint64) {
			// Serve up to 32 certified blocks per request from the local log.
			latest := chain.LatestHeight()
			if toHeight > latest {
				toHeight = latest
			}
			for h := fromHeight; h <= toHeight && h < fromHeight+32; h++ {
				block, err := chain.GetBlockByHeight(h)
				if err != nil || block.QuorumCert == nil {
					continue
				}
				_ = net.BroadcastBlock(block)
			}
		},
		OnConsensus: func(msg *types.ConsensusMessage) {
			_ = driver.SubmitMessage(msg)
		},
	})

	// ---- API ----
	apiServer := api.NewServer(chain, pool, driver, net, meter)
	apiServer.WatchCommits(ctx, driver.SubscribeCommits(64))
	go func() {
		sugar.Infow("api_server_starting", "addr", cfg.Node.APIAddr)
		if err := apiServer.Start(cfg.Node.APIAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("node_starting",
		"chain_id", genesis.ChainID,
		"self", self,
		"validators", vals.Size(),
		"quorum", vals.Quorum(),
		"height", chain.LatestHeight())

	go func() {
		if err := driver.Run(ctx); err != nil && ctx.Err() == nil {
			sugar.Fatalw("consensus_halted", "err", err)
		}
	}()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sugar.Info("shutting down")
			return
		case <-ticker.C:
			meter.MempoolSize.Update(int64(pool.Size()))
			meter.PeerCount.Update(int64(net.PeerCount()))
			sugar.Infow("progress", "height", chain.LatestHeight(), "mempool", pool.Size(), "peers", net.PeerCount())
		}
	}
}

func findSelf(vals *types.ValidatorSet, key *crypto.PrivateKey) (types.ValidatorID, bool) {
	pub := key.PublicKey()
	for _, id := range vals.IDs() {
		if vp, ok := vals.PubKeyOf(id); ok && bytes.Equal(vp, pub) {
			return id, true
		}
	}
	return "", false
}
