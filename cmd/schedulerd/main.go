// SPDX-License-Identifier: MIT

// Command schedulerd is the long-running process that wires every core
// component together and drives the two background sweeps the request-
// triggered conversation path cannot trigger on its own (spec.md §5
// "Cancellation and timeouts"): TTL expiry and slot-timeout retry. It owns
// no HTTP route wiring — the integration-engine/carrier webhooks that feed
// Manager.HandleOrder / Manager.HandleInboundSMS are a named external
// collaborator (spec.md §1 Non-goals), not this binary's job.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/radscheduler/core/internal/analysis"
	"github.com/radscheduler/core/internal/audit"
	"github.com/radscheduler/core/internal/cache"
	"github.com/radscheduler/core/internal/consent"
	"github.com/radscheduler/core/internal/conversation/manager"
	convstore "github.com/radscheduler/core/internal/conversation/store"
	"github.com/radscheduler/core/internal/equipment"
	"github.com/radscheduler/core/internal/log"
	"github.com/radscheduler/core/internal/persistence/sqlite"
	"github.com/radscheduler/core/internal/phoneid"
	"github.com/radscheduler/core/internal/ports"
	"github.com/radscheduler/core/internal/smsdispatch"
	"github.com/radscheduler/core/internal/smsprovider"
	"github.com/radscheduler/core/internal/tenant"
	"github.com/radscheduler/core/internal/version"
	"github.com/rs/zerolog"
)

// Exit codes per spec.md §6 "CLI/ops surface": 0 success, 2 configuration
// error, 3 database unavailable, 4 required env missing.
const (
	exitOK            = 0
	exitConfigError   = 2
	exitDBUnavailable = 3
	exitEnvMissing    = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	showVersion := flag.Bool("version", false, "print version and exit")
	dbPath := flag.String("db", "radscheduler.db", "path to the SQLite database file")
	logLevel := flag.String("log-level", "info", "zerolog level (debug, info, warn, error)")
	redisAddr := flag.String("redis-addr", "", "Redis address for the sticky-sender cache (empty uses the in-memory cache)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("schedulerd %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		return exitOK
	}

	log.Configure(log.Config{Level: *logLevel, Service: "radscheduler-core", Version: version.Version})
	logger := log.WithComponent("schedulerd")

	procCfg, err := tenant.LoadProcessConfig()
	if err != nil {
		logger.Error().Err(err).Msg("process configuration invalid")
		return exitEnvMissing
	}

	db, err := sqlite.Open(*dbPath, sqlite.DefaultConfig())
	if err != nil {
		logger.Error().Err(err).Msg("database unavailable")
		return exitDBUnavailable
	}
	defer db.Close()

	mgr, err := wireManager(procCfg, db, *redisAddr, logger)
	if err != nil {
		logger.Error().Err(err).Msg("dependency wiring failed")
		return exitConfigError
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("event", "startup").Str("version", version.Version).Str("db", *dbPath).Msg("starting radscheduler-core")

	sweeper := manager.NewSweeper(mgr, manager.DefaultSweeperConfig())
	if err := sweeper.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("sweeper exited with error")
		return exitConfigError
	}

	logger.Info().Msg("schedulerd exiting")
	return exitOK
}

// wireManager builds every leaf component in dependency order (spec.md §2's
// table) and assembles the conversation Manager over them. It has no LLM
// vendor key requirement: Analyzer falls through to the rule-based baseline
// whenever RADSCHED_ANTHROPIC_API_KEY is unset (spec.md §4.4), so a
// deployment without an LLM key still schedules correctly.
func wireManager(procCfg tenant.ProcessConfig, db *sql.DB, redisAddr string, logger zerolog.Logger) (*manager.Manager, error) {
	equipStore, err := equipment.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("equipment store: %w", err)
	}
	consentStore, err := consent.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("consent store: %w", err)
	}
	tenantStore, err := tenant.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("tenant store: %w", err)
	}
	sessionStore, err := convstore.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	auditStore, err := audit.NewSQLiteStore(db)
	if err != nil {
		return nil, fmt.Errorf("audit store: %w", err)
	}
	analysisStore, err := analysis.NewSQLiteStore(db)
	if err != nil {
		return nil, fmt.Errorf("analysis store: %w", err)
	}

	cipher, err := phoneid.NewCipher(procCfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("phone cipher: %w", err)
	}

	auditLogger := audit.NewLogger(auditStore)

	var stickyCache cache.Cache
	if redisAddr != "" {
		stickyCache, err = cache.NewRedisCache(cache.RedisConfig{Addr: redisAddr}, logger)
		if err != nil {
			return nil, fmt.Errorf("sticky-sender redis cache: %w", err)
		}
	} else {
		stickyCache = cache.NewMemoryCache(10 * time.Minute)
	}

	providers := buildProviders(procCfg)
	dispatcher := smsdispatch.New(providers, auditLogger, consentStore, stickyCache, smsdispatch.DefaultConfig())

	var llmClient *analysis.AnthropicClient
	if apiKey := tenant.ParseString("RADSCHED_ANTHROPIC_API_KEY", ""); apiKey != "" {
		sdkClient := anthropic.NewClient(option.WithAPIKey(apiKey))
		llmClient = analysis.NewAnthropicClient(sdkClient)
	}
	analyzer := analysis.New(analysisStore, llmClient, analysisStore, auditLogger)

	mgr := manager.New(manager.Deps{
		Sessions:       sessionStore,
		Consent:        consentStore,
		Equipment:      equipStore,
		Tenants:        tenantStore,
		Analyzer:       analyzer,
		Dispatcher:     dispatcher,
		Audit:          auditLogger,
		Cipher:         cipher,
		SlotSource:     noopSlotSource{},
		Booking:        noopBooking{},
		CallbackNumber: tenant.ParseString("RADSCHED_CALLBACK_NUMBER", "1-800-555-0100"),
	})
	return mgr, nil
}

// buildProviders constructs every configured SMS provider from process
// config. Both Twilio and Telnyx are wired unconditionally; a provider with
// no auth token configured simply reports IsEnabled() == false and the
// dispatcher skips it (smsdispatch.ErrProviderDisabled).
func buildProviders(procCfg tenant.ProcessConfig) []smsprovider.Provider {
	twilioToken := procCfg.CarrierAuthTokens["twilio"]
	telnyxToken := procCfg.CarrierAuthTokens["telnyx"]
	return []smsprovider.Provider{
		smsprovider.NewTwilio(tenant.ParseString("RADSCHED_TWILIO_ACCOUNT_SID", ""), twilioToken, tenant.ParseString("RADSCHED_TWILIO_BASE_URL", "")),
		smsprovider.NewTelnyx(telnyxToken, tenant.ParseString("RADSCHED_TELNYX_MESSAGING_PROFILE_ID", ""), tenant.ParseString("RADSCHED_TELNYX_BASE_URL", "")),
	}
}

// noopSlotSource and noopBooking satisfy ports.SlotSource/IntegrationEngine
// for a deployment that has not yet wired a real RIS/scheduling adapter
// (spec.md §1 names these as external collaborators, out of this module's
// scope). schedulerd still runs its sweepers and accepts order/SMS events
// against these stand-ins, which simply report "no slots yet" / "booking
// not wired" so a session parks in AWAITING_SLOTS for the sweeper rather
// than panicking; a production deployment replaces them with real adapters
// in wireManager before the Manager is built.
type noopSlotSource struct{}

func (noopSlotSource) RequestSlots(ctx context.Context, req ports.SlotRequest) ([]ports.Slot, error) {
	return nil, fmt.Errorf("schedulerd: no slot-source adapter configured")
}

type noopBooking struct{}

func (noopBooking) Book(ctx context.Context, req ports.BookingRequest) error {
	return fmt.Errorf("schedulerd: no booking adapter configured")
}
