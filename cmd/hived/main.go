// Command hived is the coordination-core plugin daemon: it speaks the CLN
// plugin protocol over stdio to its host process, maintains the fleet's
// membership/topology/economic state behind the hive custom-message
// protocol, and exposes the operator RPC surface over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lightning-goats/cl-hive-sub002/cmd/internal/passphrase"
	"github.com/lightning-goats/cl-hive-sub002/config"
	"github.com/lightning-goats/cl-hive-sub002/dispatch"
	"github.com/lightning-goats/cl-hive-sub002/executor"
	"github.com/lightning-goats/cl-hive-sub002/expansion"
	"github.com/lightning-goats/cl-hive-sub002/export"
	"github.com/lightning-goats/cl-hive-sub002/genesis"
	"github.com/lightning-goats/cl-hive-sub002/governance"
	"github.com/lightning-goats/cl-hive-sub002/hostcall"
	"github.com/lightning-goats/cl-hive-sub002/identity"
	"github.com/lightning-goats/cl-hive-sub002/intent"
	"github.com/lightning-goats/cl-hive-sub002/membership"
	"github.com/lightning-goats/cl-hive-sub002/observability/logging"
	"github.com/lightning-goats/cl-hive-sub002/observability/otel"
	"github.com/lightning-goats/cl-hive-sub002/rpc"
	"github.com/lightning-goats/cl-hive-sub002/rpc/auth"
	"github.com/lightning-goats/cl-hive-sub002/scheduler"
	"github.com/lightning-goats/cl-hive-sub002/settlement"
	"github.com/lightning-goats/cl-hive-sub002/statemap"
	"github.com/lightning-goats/cl-hive-sub002/store"
	"github.com/lightning-goats/cl-hive-sub002/store/kv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "hived:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		lightningRPCPath = flag.String("lightning-rpc", "lightning-rpc", "path to the host's lightning-rpc unix socket")
		configPath       = flag.String("config", "hive.toml", "path to the hot-reloadable TOML config")
		keystorePath     = flag.String("keystore", "hive-identity.json", "path to the node's encrypted identity keystore")
		kvPath           = flag.String("kv-path", "hive-kv", "path to the goleveldb rate-limit/nonce store")
		genesisPath      = flag.String("genesis", "", "optional genesis manifest admitting founding members")
		listenAddr       = flag.String("listen", "127.0.0.1:8790", "operator RPC HTTP listen address")
		sessionSecretEnv = flag.String("session-secret-env", "HIVE_SESSION_SECRET", "environment variable holding the operator session HMAC secret")
		executorAddr     = flag.String("executor-addr", "", "base URL of the executor process's HTTP API; empty disables the bridge")
		otelEndpoint     = flag.String("otel-endpoint", "", "OTLP HTTP endpoint; empty disables telemetry export")
		apiKeyEnv        = flag.String("api-key-env", "HIVE_API_KEY", "environment variable of the form key=secret for a machine RPC caller; empty disables HMAC auth")
		noncePath        = flag.String("nonce-path", "hive-nonces", "path to the goleveldb nonce-replay store for machine RPC auth")
		exportDir        = flag.String("export-dir", "", "directory for periodic settlement/fee Parquet archival; empty disables export")
	)
	flag.Parse()

	log := logging.Setup("hived", envOrDefault("HIVE_ENV", "production"))

	cfgMgr, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if *otelEndpoint != "" {
		shutdown, err := otel.Init(context.Background(), otel.Config{
			ServiceName: "hived",
			Environment: envOrDefault("HIVE_ENV", "production"),
			Endpoint:    *otelEndpoint,
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer shutdown(context.Background())
	}

	st, err := store.Open(cfgMgr.Current().DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	kvStore, err := kv.Open(*kvPath)
	if err != nil {
		return fmt.Errorf("open kv store: %w", err)
	}
	defer kvStore.Close()

	passSource := passphrase.NewSource("HIVE_KEYSTORE_PASSPHRASE")
	self, err := loadOrCreateIdentity(*keystorePath, passSource)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	log.Info("hived: identity loaded", "node_id", string(self.NodeID()))

	if *genesisPath != "" {
		manifest, err := genesis.Load(*genesisPath)
		if err != nil {
			return fmt.Errorf("load genesis manifest: %w", err)
		}
		if err := genesis.Bootstrap(context.Background(), st, manifest, time.Now()); err != nil {
			return fmt.Errorf("bootstrap genesis roster: %w", err)
		}
	}

	rateLimiter := membership.NewRateLimiter(kvStore)
	rateLimiter.ConfigureDefaults()

	roster := &membership.Roster{
		Store:       st,
		VouchQuorum: cfgMgr.Current().VouchQuorumPct,
		BanDuration: time.Duration(cfgMgr.Current().BanDurationS) * time.Second,
	}
	gossip := &statemap.Gossip{Store: st}
	gov := &governance.Gate{Config: cfgMgr, Store: st}

	lnRPC := newLightningRPC(*lightningRPCPath)
	host := newPluginHost(lnRPC)
	gate := hostcall.NewGate(5, 10)

	sender := &gatedBroadcaster{host: host, gate: gate, roster: roster}
	intentLock := intent.NewLock(st, sender)
	intentLock.Wait = time.Duration(cfgMgr.Current().IntentWaitS) * time.Second

	expansionPlanner := expansion.NewPlanner(st)
	expansionPlanner.Cooldown = time.Duration(cfgMgr.Current().ExpansionCooldownS) * time.Second
	expansionPlanner.MaxConcurrent = cfgMgr.Current().MaxActiveRounds

	settlementRound := &settlement.Round{Store: st}
	settlementComputer := &settlement.Computer{Store: st}

	var bridge *executor.Bridge
	if *executorAddr != "" {
		bridge = executor.NewBridge(newHTTPExecutorBackend(*executorAddr))
	}

	var archiver *export.Archiver
	if *exportDir != "" {
		if err := os.MkdirAll(*exportDir, 0o755); err != nil {
			return fmt.Errorf("create export dir: %w", err)
		}
		archiver = &export.Archiver{Store: st, Dir: *exportDir}
	}

	replayGuard := identity.NewLRUReplayGuard(identity.HandshakeTimeout*4, 4096)
	handshake := &identity.Handshake{Self: self, Replays: replayGuard}
	pending := identity.NewPendingExchanges(time.Now)

	router := &dispatch.Router{
		Self:        self,
		Handshake:   handshake,
		Pending:     pending,
		Membership:  roster,
		RateLimiter: rateLimiter,
		Statemap:    gossip,
		Intent:      intentLock,
		Expansion:   expansionPlanner,
		Settlement:  settlementRound,
		Computer:    settlementComputer,
		Governance:  gov,
		Store:       st,
		Sender:      sender,
		Log:         log,
	}

	sched := &scheduler.Scheduler{Log: log}
	stop := sched.Run(context.Background(), schedulerLoops(log, cfgMgr, self, host, gossip, intentLock, roster, expansionPlanner, settlementRound, gov, bridge, sender, archiver))
	defer stop()

	sessionSecret := []byte(envOrDefault(*sessionSecretEnv, ""))
	if len(sessionSecret) == 0 {
		return fmt.Errorf("environment variable %s must supply the operator session signing secret", *sessionSecretEnv)
	}

	apiAuth, err := buildAPIAuthenticator(*apiKeyEnv, *noncePath)
	if err != nil {
		return fmt.Errorf("configure machine RPC auth: %w", err)
	}

	httpServer := &http.Server{
		Addr: *listenAddr,
		Handler: (&rpc.Server{
			Store:        st,
			Host:         host,
			Membership:   roster,
			Statemap:     gossip,
			Expansion:    expansionPlanner,
			Settlement:   settlementRound,
			Archiver:     archiver,
			Self:         self,
			Sender:       sender,
			Governance:   gov,
			KeystorePath: *keystorePath,
			Sessions:     rpc.NewSessionIssuer(sessionSecret, "hived", 12*time.Hour),
			APIAuth:      apiAuth,
			Log:          log,
			Events:       rpc.NewEventHub(),
		}).Router(),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("hived: operator RPC server failed", "err", err)
		}
	}()

	return runPlugin(os.Stdin, os.Stdout, log, router)
}

func envOrDefault(name, fallback string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return fallback
}

// buildAPIAuthenticator wires the HMAC machine-caller scheme from a single
// "key=secret" environment variable. A fleet running more than one
// automation client would extend this to a small TOML table instead of a
// single env var; one shared secret is enough for the common case of one
// monitoring scraper per node.
func buildAPIAuthenticator(envVar, noncePath string) (*auth.Authenticator, error) {
	raw, ok := os.LookupEnv(envVar)
	if !ok || raw == "" {
		return nil, nil
	}
	key, secret, ok := splitKeyValue(raw)
	if !ok {
		return nil, fmt.Errorf("%s must be of the form key=secret", envVar)
	}
	persistence, err := auth.NewLevelDBNoncePersistence(noncePath)
	if err != nil {
		return nil, err
	}
	return auth.NewAuthenticator(
		key, secret,
		2*time.Minute,
		10*time.Minute,
		4096,
		time.Now,
		persistence,
	), nil
}

func splitKeyValue(raw string) (key, value string, ok bool) {
	for i := 0; i < len(raw); i++ {
		if raw[i] == '=' {
			return raw[:i], raw[i+1:], true
		}
	}
	return "", "", false
}

func loadOrCreateIdentity(path string, passSource *passphrase.Source) (*identity.PrivateKey, error) {
	if _, err := os.Stat(path); err == nil {
		pass, err := passSource.Get()
		if err != nil {
			return nil, err
		}
		return identity.LoadFromKeystore(path, pass)
	}
	key, err := identity.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	pass, err := passSource.Get()
	if err != nil {
		return nil, err
	}
	if err := identity.SaveToKeystore(path, key, pass); err != nil {
		return nil, err
	}
	return key, nil
}
