package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/depositholder/internal/archive"
	"github.com/juno-intents/depositholder/internal/escrow"
	escrowpg "github.com/juno-intents/depositholder/internal/escrow/postgres"
	"github.com/juno-intents/depositholder/internal/escrowapi"
	"github.com/juno-intents/depositholder/internal/leases"
	leasespg "github.com/juno-intents/depositholder/internal/leases/postgres"
	"github.com/juno-intents/depositholder/internal/payout"
	"github.com/juno-intents/depositholder/internal/queue"
	"github.com/juno-intents/depositholder/internal/secrets"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const (
	storeMemory   = "memory"
	storePostgres = "postgres"

	transferMemory = "memory"
	transferQueue  = "queue"

	archiveNone = "none"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8090", "HTTP listen address")

		ownerHex     = flag.String("owner", "", "ledger owner address (required)")
		lockDuration = flag.Uint64("lock-duration", 31536000, "deposit lock duration in seconds")

		storeDriver = flag.String("store-driver", storePostgres, "ledger store driver (postgres|memory)")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required for --store-driver=postgres)")

		transferDriver  = flag.String("transfer-driver", transferQueue, "value transfer driver (queue|memory)")
		payoutTopic     = flag.String("payout-topic", "escrow.payouts.v1", "queue topic for payout instructions")
		vaultHex        = flag.String("vault-address", "", "vault account for --transfer-driver=memory (default zero address)")
		devOwnerBalance = flag.String("dev-owner-balance", "0", "balance minted to the owner for --transfer-driver=memory")

		eventTopic           = flag.String("event-topic", "escrow.events.v1", "queue topic for ledger events; empty disables")
		eventBreakerFailures = flag.Uint("event-breaker-failures", 5, "consecutive event publish failures that pause publishing")
		eventBreakerCooldown = flag.Duration("event-breaker-cooldown", 30*time.Second, "how long event publishing stays paused")

		queueDriver  = flag.String("queue-driver", queue.DriverKafka, "queue driver (kafka|stdio)")
		queueBrokers = flag.String("queue-brokers", "", "queue brokers (comma-separated)")

		archiveDriver   = flag.String("archive-driver", archiveNone, "snapshot archive driver (none|s3|memory)")
		archiveBucket   = flag.String("archive-bucket", "", "S3 bucket for --archive-driver=s3")
		archivePrefix   = flag.String("archive-prefix", "depositholder", "object key prefix for snapshots")
		archiveInterval = flag.Duration("archive-interval", 5*time.Minute, "snapshot archive interval")

		ownerTokenDriver = flag.String("owner-token-driver", secrets.DriverEnv, "owner API token provider (env|aws)")
		ownerTokenRef    = flag.String("owner-token-ref", "DEPOSITHOLDER_OWNER_TOKEN", "env var name or secret id (id#field for JSON secrets)")

		leaseName  = flag.String("lease-name", "escrow-writer", "writer lease name")
		leaseOwner = flag.String("lease-owner", "", "writer lease owner id (default hostname-pid)")
		leaseTTL   = flag.Duration("lease-ttl", 15*time.Second, "writer lease ttl")

		maxWithdrawLimit = flag.Int("max-withdraw-limit", 256, "maximum batches drained by one withdraw call")
		metricsEnabled   = flag.Bool("metrics", true, "serve Prometheus metrics at /metrics")

		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 20, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 40, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 10*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	owner, err := parseAddress(*ownerHex)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: --owner must be a non-zero hex address")
		os.Exit(2)
	}
	if *lockDuration == 0 {
		fmt.Fprintln(os.Stderr, "error: --lock-duration must be > 0")
		os.Exit(2)
	}
	store, err := oneOf("--store-driver", *storeDriver, storePostgres, storeMemory)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
	if store == storePostgres && strings.TrimSpace(*postgresDSN) == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn is required for --store-driver=postgres")
		os.Exit(2)
	}
	transfer, err := oneOf("--transfer-driver", *transferDriver, transferQueue, transferMemory)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
	if transfer == transferQueue && strings.TrimSpace(*payoutTopic) == "" {
		fmt.Fprintln(os.Stderr, "error: --payout-topic is required for --transfer-driver=queue")
		os.Exit(2)
	}
	archiveMode, err := oneOf("--archive-driver", *archiveDriver, archiveNone, archive.DriverS3, archive.DriverMemory)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
	if archiveMode == archive.DriverS3 && strings.TrimSpace(*archiveBucket) == "" {
		fmt.Fprintln(os.Stderr, "error: --archive-bucket is required for --archive-driver=s3")
		os.Exit(2)
	}
	if archiveMode != archiveNone && *archiveInterval <= 0 {
		fmt.Fprintln(os.Stderr, "error: --archive-interval must be > 0")
		os.Exit(2)
	}
	if strings.TrimSpace(*leaseName) == "" || *leaseTTL < time.Second {
		fmt.Fprintln(os.Stderr, "error: --lease-name must be non-empty and --lease-ttl >= 1s")
		os.Exit(2)
	}
	if *eventBreakerFailures == 0 || *eventBreakerFailures > 1<<31 || *eventBreakerCooldown <= 0 {
		fmt.Fprintln(os.Stderr, "error: --event-breaker-failures and --event-breaker-cooldown must be > 0")
		os.Exit(2)
	}
	if *maxWithdrawLimit <= 0 {
		fmt.Fprintln(os.Stderr, "error: --max-withdraw-limit must be > 0")
		os.Exit(2)
	}
	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}
	if *rateLimitPerSecond <= 0 || *rateLimitBurst <= 0 || *rateLimitMaxIPs <= 0 {
		fmt.Fprintln(os.Stderr, "error: rate limit settings must be > 0")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := secrets.New(ctx, *ownerTokenDriver)
	if err != nil {
		log.Error("init secrets provider", "err", err)
		os.Exit(2)
	}
	ownerToken, err := secrets.LoadToken(ctx, provider, *ownerTokenRef)
	if err != nil {
		log.Error("load owner token", "ref", *ownerTokenRef, "err", err)
		os.Exit(2)
	}

	var (
		ledgerStore escrow.Store
		leaseStore  leases.Store
	)
	switch store {
	case storePostgres:
		pool, err := pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		ls, err := escrowpg.New(pool)
		if err != nil {
			log.Error("init ledger store", "err", err)
			os.Exit(2)
		}
		if err := ls.EnsureSchema(ctx); err != nil {
			log.Error("ensure ledger schema", "err", err)
			os.Exit(2)
		}
		ledgerStore = ls

		ws, err := leasespg.New(pool)
		if err != nil {
			log.Error("init lease store", "err", err)
			os.Exit(2)
		}
		if err := ws.EnsureSchema(ctx); err != nil {
			log.Error("ensure lease schema", "err", err)
			os.Exit(2)
		}
		leaseStore = ws
	default:
		ledgerStore = escrow.NewMemoryStore()
		leaseStore = leases.NewMemoryStore(nil)
	}

	var producer queue.Producer
	if transfer == transferQueue || strings.TrimSpace(*eventTopic) != "" {
		producer, err = queue.NewProducer(queue.ProducerConfig{
			Driver:   *queueDriver,
			Brokers:  queue.SplitCommaList(*queueBrokers),
			ClientID: "escrowd",
			Writer:   os.Stdout,
		})
		if err != nil {
			log.Error("init queue producer", "err", err)
			os.Exit(2)
		}
		defer producer.Close()
	}

	var transferer escrow.Transferer
	switch transfer {
	case transferQueue:
		transferer, err = payout.NewQueueTransferer(payout.QueueTransfererConfig{
			Writer: producer,
			Topic:  *payoutTopic,
		})
		if err != nil {
			log.Error("init payout transferer", "err", err)
			os.Exit(2)
		}
	default:
		bank, err := newDevBank(*vaultHex, owner, *devOwnerBalance)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(2)
		}
		transferer = bank
		log.Warn("using in-memory bank; balances are lost on restart", "vault", bank.Vault().Hex())
	}

	cfg := escrow.Config{
		Owner:        owner,
		LockDuration: *lockDuration,
		Store:        ledgerStore,
		Transferer:   transferer,
		Log:          log,
	}
	if strings.TrimSpace(*eventTopic) != "" {
		events, err := queue.NewBreakerPublisher(producer, queue.BreakerConfig{
			Name:                   "ledger-events",
			MaxConsecutiveFailures: uint32(*eventBreakerFailures),
			Cooldown:               *eventBreakerCooldown,
			Log:                    log,
		})
		if err != nil {
			log.Error("init event publisher", "err", err)
			os.Exit(2)
		}
		cfg.Events = events
		cfg.EventTopic = strings.TrimSpace(*eventTopic)
	}
	svc, err := escrow.Open(ctx, cfg)
	if err != nil {
		log.Error("open ledger", "err", err)
		os.Exit(2)
	}

	holder := strings.TrimSpace(*leaseOwner)
	if holder == "" {
		holder = defaultLeaseOwner()
	}
	elector, err := leases.NewElector(leases.ElectorConfig{
		Store: leaseStore,
		Name:  strings.TrimSpace(*leaseName),
		Owner: holder,
		TTL:   *leaseTTL,
		Log:   log,
	})
	if err != nil {
		log.Error("init elector", "err", err)
		os.Exit(2)
	}
	gate := newWriterGate(elector, svc, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		gate.run(gctx, *leaseTTL/3)
		return nil
	})

	if archiveMode != archiveNone {
		blobCfg := archive.BlobConfig{
			Driver: archiveMode,
			Prefix: *archivePrefix,
			Bucket: *archiveBucket,
		}
		if archiveMode == archive.DriverS3 {
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				log.Error("load aws config", "err", err)
				os.Exit(2)
			}
			blobCfg.S3Client = awss3.NewFromConfig(awsCfg)
		}
		blobs, err := archive.NewBlobs(blobCfg)
		if err != nil {
			log.Error("init archive blobs", "err", err)
			os.Exit(2)
		}
		archiver, err := archive.New(archive.Config{
			Blobs:   blobs,
			Source:  svc,
			Log:     log,
			Enabled: gate.IsLeader,
		})
		if err != nil {
			log.Error("init archiver", "err", err)
			os.Exit(2)
		}
		g.Go(func() error {
			if err := archiver.Run(gctx, *archiveInterval); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("archiver: %w", err)
			}
			return nil
		})
	}

	var registry *prometheus.Registry
	if *metricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	handler, err := escrowapi.NewHandler(escrowapi.Config{
		OwnerToken:              ownerToken,
		IsLeader:                gate.IsLeader,
		MaxWithdrawLimit:        *maxWithdrawLimit,
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
		Metrics:                 registry,
		Now:                     time.Now,
		Log:                     log,
	}, svc)
	if err != nil {
		log.Error("init escrow api handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	g.Go(func() error {
		log.Info("escrowd listening", "addr", *listenAddr, "owner", owner.Hex(), "lockDuration", *lockDuration, "store", store, "transfer", transfer, "leaseOwner", holder)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown", "reason", context.Cause(gctx))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("escrowd stopped", "err", err)
		os.Exit(1)
	}
}

func parseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("zero address")
	}
	return addr, nil
}

func oneOf(name, raw string, allowed ...string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	for _, a := range allowed {
		if v == a {
			return v, nil
		}
	}
	return "", fmt.Errorf("%s must be one of %s, got %q", name, strings.Join(allowed, "|"), raw)
}

func newDevBank(vaultHex string, owner common.Address, ownerBalance string) (*payout.MemoryBank, error) {
	var vault common.Address
	if v := strings.TrimSpace(vaultHex); v != "" {
		if !common.IsHexAddress(v) {
			return nil, fmt.Errorf("--vault-address must be a valid hex address")
		}
		vault = common.HexToAddress(v)
	}
	if vault == owner {
		return nil, fmt.Errorf("--vault-address must differ from --owner")
	}
	balance, err := uint256.FromDecimal(strings.TrimSpace(ownerBalance))
	if err != nil {
		return nil, fmt.Errorf("--dev-owner-balance must be a decimal amount: %w", err)
	}

	bank := payout.NewMemoryBank(vault)
	if !balance.IsZero() {
		if err := bank.Mint(owner, balance); err != nil {
			return nil, err
		}
	}
	return bank, nil
}

func defaultLeaseOwner() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "escrowd"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
