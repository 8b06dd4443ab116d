package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/guardedvault/quest/internal/api"
	"github.com/guardedvault/quest/internal/auth"
	"github.com/guardedvault/quest/internal/config"
	"github.com/guardedvault/quest/internal/coordinator"
	"github.com/guardedvault/quest/internal/ledger"
	"github.com/guardedvault/quest/internal/ledger/sqlledger"
	"github.com/guardedvault/quest/internal/metrics"
	"github.com/guardedvault/quest/internal/middleware"
	"github.com/guardedvault/quest/internal/models"
	"github.com/guardedvault/quest/internal/partystore"
	"github.com/guardedvault/quest/internal/reward"
	"github.com/guardedvault/quest/internal/sealing"
	"github.com/guardedvault/quest/pkg/logging"
)

func main() {
	logging.Setup()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	sealer, err := sealing.NewAEADSealer([]byte(cfg.SealingSecret))
	if err != nil {
		slog.Error("Failed to initialize sealer", "error", err)
		os.Exit(1)
	}
	calc, err := reward.NewCalculator(cfg.RewardBase, cfg.RewardPerMemberBonus)
	if err != nil {
		slog.Error("Failed to initialize reward calculator", "error", err)
		os.Exit(1)
	}

	chain, err := sqlledger.New(cfg.DBPath, sealer, calc, cfg.ConfirmDelay)
	if err != nil {
		slog.Error("Failed to initialize ledger", "error", err)
		os.Exit(1)
	}
	defer chain.Close()
	slog.Info("Ledger initialized", "database", cfg.DBPath, "confirm_delay", cfg.ConfirmDelay)

	if cfg.SeedDemo {
		if err := seedDemo(chain); err != nil {
			slog.Error("Failed to seed demo data", "error", err)
			os.Exit(1)
		}
		slog.Info("Demo party seeded")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)

	coord := coordinator.New(chain, partystore.New(), sealer, calc, m, cfg.PendingHorizon)
	go coord.WatchEvents(context.Background())

	jwtManager := auth.NewJWTManager(cfg.JWTSecret, cfg.TokenDuration)

	mux := http.NewServeMux()
	api.New(coord, jwtManager).Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	handler := middleware.Logging(middleware.CORS(middleware.OptionalAuth(jwtManager)(mux)))
	h2cHandler := h2c.NewHandler(handler, &http2.Server{})

	slog.Info("Server starting", "address", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, h2cHandler); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

// seedDemo inserts a mid-run party so a fresh deployment has something to
// complete: five members, level three, an hour on the clock. No-op if the
// party already exists from a previous run.
func seedDemo(l *sqlledger.Ledger) error {
	const demoPartyID = 1
	if _, err := l.ReadPartyInfo(context.Background(), demoPartyID); err == nil {
		return nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return err
	}
	now := time.Now().Unix()
	return l.Seed(models.Party{
		ID:           demoPartyID,
		Leader:       "0xDemoLeader",
		MemberCount:  5,
		MaxMembers:   5,
		CurrentLevel: 3,
		IsActive:     true,
		StartTime:    now,
		EndTime:      now + 3600,
	}, []string{"0xDemoLeader", "0xDemoA", "0xDemoB", "0xDemoC", "0xDemoD"})
}
