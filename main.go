package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/maxxit-ai/coordinator/internal/api"
	"github.com/maxxit-ai/coordinator/internal/events"
	"github.com/maxxit-ai/coordinator/internal/executor"
	"github.com/maxxit-ai/coordinator/internal/fee"
	"github.com/maxxit-ai/coordinator/internal/monitor"
	"github.com/maxxit-ai/coordinator/internal/onchain"
	"github.com/maxxit-ai/coordinator/internal/price"
	"github.com/maxxit-ai/coordinator/internal/repo"
	"github.com/maxxit-ai/coordinator/internal/signerkey"
	"github.com/maxxit-ai/coordinator/internal/singleton"
	"github.com/maxxit-ai/coordinator/internal/venue"
	"github.com/maxxit-ai/coordinator/internal/venue/perpa"
	"github.com/maxxit-ai/coordinator/internal/venue/perpb"
	"github.com/maxxit-ai/coordinator/internal/venue/perpc"
	"github.com/maxxit-ai/coordinator/internal/venue/spot"
	"github.com/maxxit-ai/coordinator/pkg/config"
	"github.com/maxxit-ai/coordinator/pkg/crypto"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	log.Printf("config loaded, listening on port %s", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()

	database, err := repo.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer database.Close()
	if err := repo.ApplyMigrations(database); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}
	r := repo.New(database)
	log.Printf("database ready at %s", cfg.DBPath)

	// Key management: encrypted-at-rest signing keys for the vault-mediated
	// venues' executor key, sealed the same way the admin API's own stored
	// secrets are (pkg/crypto.KeyManager, key-version rotation).
	var keys *signerkey.KeyStore
	if cfg.MasterEncryptionKeyPresent {
		km, err := crypto.NewKeyManager()
		if err != nil {
			log.Fatalf("init key manager: %v", err)
		}
		keys = signerkey.NewKeyStore(km)
		log.Printf("key manager initialized (version %d)", km.CurrentVersion())
		if cfg.ExecutorPrivateKey != "" {
			if err := keys.PutPlaintext(signerkey.ExecutorID, cfg.ExecutorPrivateKey); err != nil {
				log.Fatalf("register executor signing key: %v", err)
			}
		}
	} else {
		log.Println("MASTER_ENCRYPTION_KEY not set: vault-mediated venues disabled, signing unavailable")
	}

	adapters := map[repo.Venue]venue.Adapter{}
	prices := price.NewRegistry()

	var chain *onchain.Client
	if keys != nil && cfg.RPCURL != "" {
		chain, err = onchain.Dial(ctx, cfg.RPCURL)
		if err != nil {
			log.Fatalf("dial rpc: %v", err)
		}
		log.Printf("connected to chain %s (id %s)", cfg.Chain, chain.ChainID().String())
	}

	modules := singleton.NewRegistry()

	if chain != nil && cfg.ModuleAddress != "" && cfg.CollateralAddress != "" {
		moduleKey := singleton.Key{ModuleAddress: cfg.ModuleAddress, ChainID: chain.ChainID().Int64()}
		moduleAny, err := modules.GetOrCreate(moduleKey, func() (any, error) {
			return onchain.NewModule(chain, common.HexToAddress(cfg.ModuleAddress)), nil
		})
		if err != nil {
			log.Fatalf("construct module client: %v", err)
		}
		module := moduleAny.(*onchain.Module)
		collateral := common.HexToAddress(cfg.CollateralAddress)

		if cfg.RouterAddress != "" && cfg.QuoterAddress != "" {
			quoter := onchain.NewQuoter(chain, common.HexToAddress(cfg.QuoterAddress), cfg.SpotFeeTier)
			spotAdapter := spot.New(cfg.Chain, module, keys, r, quoter, common.HexToAddress(cfg.RouterAddress), collateral)
			adapters[repo.VenueSpot] = spotAdapter
			prices.Register(repo.VenueSpot, price.NewCachedSource(repo.VenueSpot, spotAdapter, 10*time.Second))
			log.Println("SPOT venue wired")
		} else {
			log.Println("SPOT venue not configured (missing router/quoter address)")
		}

		if cfg.PerpAOrderVaultAddress != "" && cfg.PerpAFeeReceiver != "" && len(cfg.PerpATokenFeeds) > 0 {
			feeds := make(map[string]*onchain.PriceFeed, len(cfg.PerpATokenFeeds))
			for _, tf := range cfg.PerpATokenFeeds {
				feed, err := onchain.NewPriceFeed(ctx, chain, common.HexToAddress(tf.FeedAddress))
				if err != nil {
					log.Fatalf("init price feed for %s: %v", tf.Symbol, err)
				}
				feeds[tf.Symbol] = feed
			}
			perpaAdapter := perpa.New(
				cfg.Chain, module, keys, r, onchain.NewSymbolFeed(feeds), perpa.NewInMemoryVolumeTracker(),
				common.HexToAddress(cfg.PerpAOrderVaultAddress), collateral, common.HexToAddress(cfg.PerpAFeeReceiver),
			)
			adapters[repo.VenuePerpA] = perpaAdapter
			prices.Register(repo.VenuePerpA, price.NewCachedSource(repo.VenuePerpA, perpaAdapter, 10*time.Second))
			log.Println("PERP_A venue wired")
		} else {
			log.Println("PERP_A venue not configured (missing order vault/fee receiver/price feeds)")
		}
	} else {
		log.Println("vault-mediated venues disabled: RPC_URL, MODULE_ADDRESS and COLLATERAL_ADDRESS are all required")
	}

	if cfg.PerpBBaseURL != "" && keys != nil {
		client := perpb.NewClient(cfg.PerpBBaseURL, keys)
		perpbAdapter := perpb.New(client)
		adapters[repo.VenuePerpB] = perpbAdapter
		prices.Register(repo.VenuePerpB, price.NewCachedSource(repo.VenuePerpB, perpbAdapter, 5*time.Second))
		log.Println("PERP_B venue wired")
	} else {
		log.Println("PERP_B venue not configured (missing base URL or signing key)")
	}

	if cfg.PerpCBaseURL != "" && keys != nil {
		client := perpb.NewClient(cfg.PerpCBaseURL, keys)
		perpcAdapter := perpc.New(client)
		adapters[repo.VenuePerpC] = perpcAdapter
		prices.Register(repo.VenuePerpC, price.NewCachedSource(repo.VenuePerpC, perpcAdapter, 5*time.Second))
		log.Println("PERP_C venue wired")
	} else {
		log.Println("PERP_C venue not configured (missing base URL or signing key)")
	}

	fees := make(map[repo.Venue]fee.Policy, len(cfg.Fees))
	for v, p := range cfg.Fees {
		fees[repo.Venue(v)] = p
	}
	ledger := fee.NewLedger(r)

	exec := executor.New(executor.Config{
		Repo:     r,
		Adapters: adapters,
		Prices:   prices,
		Fees:     fees,
		Ledger:   ledger,
		Bus:      bus,
		Chain:    cfg.Chain,
	})
	log.Println("executor ready")

	monitorLock := singleton.NewMonitorLock(cfg.MonitorLockPath)
	mon := monitor.New(monitor.Config{
		Repo:     r,
		Adapters: adapters,
		Prices:   prices,
		Executor: exec,
		Bus:      bus,
		Chain:    cfg.Chain,
		Lock:     monitorLock,
		Interval: cfg.MonitorInterval,
	})
	go func() {
		if err := mon.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("monitor stopped: %v", err)
		}
	}()
	log.Println("position monitor started")

	server := api.NewServer(api.Config{
		Bus:       bus,
		Repo:      r,
		Exec:      exec,
		Adapters:  adapters,
		Chain:     chain,
		Keys:      keys,
		JWTSecret: cfg.JWTSecret,
	})
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("http server error: %v", err)
		}
	}()
	log.Printf("admin API listening on :%s", cfg.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")
	cancel()
}
