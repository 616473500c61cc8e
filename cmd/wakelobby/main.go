// The wakelobby command runs the sticky routing backend: it terminates the
// gateway channels for backend servers and the host proxy, keeps players on
// the holding server while destinations wake, and serves metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/silver/wakelobby/internal/auth"
	"github.com/silver/wakelobby/internal/core"
	"github.com/silver/wakelobby/internal/data"
	"github.com/silver/wakelobby/internal/gateway"
	"github.com/silver/wakelobby/internal/metrics"
	"github.com/silver/wakelobby/internal/policy"
	"github.com/silver/wakelobby/internal/portal"
	"github.com/silver/wakelobby/internal/proxy"
	"github.com/silver/wakelobby/internal/session"
	"github.com/silver/wakelobby/internal/wake"
)

var configFlag = flag.String("config", "./", "Path to the directory containing the config file")

func main() {
	flag.Parse()

	config := core.LoadConfig(*configFlag)
	fmt.Println("using configuration file:", *configFlag)
	if err := config.Validate(); err != nil {
		fmt.Println("invalid configuration:", err)
		os.Exit(1)
	}

	// Change to the same directory as the config file so that any relative
	// paths in the config file will resolve.
	if err := os.Chdir(filepath.Dir(*configFlag)); err != nil {
		fmt.Println("error changing to config directory:", err)
		os.Exit(1)
	}

	logger, err := core.NewLogger(config)
	if err != nil {
		fmt.Println("error initializing logger:", err)
		os.Exit(1)
	}

	dataSource := config.Database.Filename
	if config.Database.Engine == "postgres" {
		dataSource = config.DatabaseURL()
	}
	db, err := data.Initialize(config.Database.Engine, dataSource, config.LogLevel == "debug")
	if err != nil {
		logger.Errorf("error initializing database: %s", err)
		os.Exit(1)
	}
	defer func() {
		if err := data.Shutdown(db); err != nil {
			logger.Errorf("error shutting down database: %s", err)
		}
	}()
	if err := data.PurgeHoldingServer(db, config.HoldingServer); err != nil {
		logger.Errorf("error purging holding server records: %s", err)
		os.Exit(1)
	}

	sender, err := wake.NewSender(config.BroadcastIP)
	if err != nil {
		logger.Errorf("error initializing wake sender: %s", err)
		os.Exit(1)
	}

	tokens := auth.NewTokenVerifier(logger)
	tokens.UpdateSecrets(config.PortalSecrets.Global, config.PortalSecrets.PerServer)
	requests := auth.NewRequestVerifier(logger)
	requests.UpdateSecrets(config.BackendSecrets)

	handoffs := portal.NewHandoffRegistry(logger)
	control := proxy.NewControlChannel(logger)
	rules := policy.New(logger, db, config.DefaultGroup(), config.ReturnServerOrder, config.Admins)

	router := session.NewRouter(session.Config{
		HoldingServer: config.HoldingServer,
		GracePeriod:   config.GracePeriod(),
		PingInterval:  config.PingInterval(),
		Fallback:      session.ParseFallbackPolicy(config.FallbackPolicy),
	}, session.RouterDeps{
		Proxy:        control,
		Wake:         sender,
		Handoffs:     handoffs,
		Log:          logger,
		ServerMACs:   config.ServerMACs,
		AllowedList:  rules.AllowedList,
		IsPrivileged: rules.IsPrivileged,
		DefaultOrder: rules.DefaultOrder,
		Tokens:       tokens,
		Unlock:       rules.Unlock,
	})
	control.SetEvents(&app{
		log:      logger,
		router:   router,
		rules:    rules,
		control:  control,
		handoffs: handoffs,
	})

	gatewayMux := http.NewServeMux()
	gateway.New(logger, router, requests, handoffs, control).Register(gatewayMux)
	webMux := http.NewServeMux()
	metrics.Register(webMux)

	gatewayServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Gateway.Port),
		Handler: gatewayMux,
	}
	webServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Web.HTTPPort),
		Handler: webMux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 2)
	go func() {
		logger.Infof("gateway listening on %s", gatewayServer.Addr)
		errChan <- gatewayServer.ListenAndServe()
	}()
	go func() {
		logger.Infof("web server listening on %s", webServer.Addr)
		errChan <- webServer.ListenAndServe()
	}()
	go watchReloads(ctx, logger, router, tokens, requests)

	select {
	case <-ctx.Done():
	case err := <-errChan:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server error: %s", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gatewayServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("gateway shutdown: %s", err)
	}
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("web server shutdown: %s", err)
	}
}

// watchReloads re-reads the config on SIGHUP and swaps the pieces that are
// safe to change live. In-flight waits keep their original deadlines.
func watchReloads(ctx context.Context, logger *logrus.Logger, router *session.Router, tokens *auth.TokenVerifier, requests *auth.RequestVerifier) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			config, err := core.ReloadConfig()
			if err != nil {
				logger.Errorf("config reload failed, keeping previous config: %s", err)
				continue
			}
			tokens.UpdateSecrets(config.PortalSecrets.Global, config.PortalSecrets.PerServer)
			requests.UpdateSecrets(config.BackendSecrets)
			router.UpdateTimings(config.GracePeriod(), config.PingInterval())
			logger.Info("config reloaded, secrets and timings swapped")
		}
	}
}

// app receives the host proxy's notifications and applies the routing
// policy the original event layer enforced.
type app struct {
	log      *logrus.Logger
	router   *session.Router
	rules    *policy.Policy
	control  *proxy.ControlChannel
	handoffs *portal.HandoffRegistry
}

func (a *app) PlayerDisconnected(playerID uuid.UUID) {
	a.router.CancelStickyWait(playerID)
	a.handoffs.Clear(playerID)
}

// PlayerMoved fires after the proxy settles a player on a server. Landing
// anywhere outside the holding server clears return eligibility and
// becomes the player's new last server.
func (a *app) PlayerMoved(playerID uuid.UUID, server string) {
	if strings.EqualFold(server, a.router.HoldingServer()) {
		return
	}
	a.router.ClearReturnEligibility(playerID)
	if err := a.rules.Unlock(playerID, server); err != nil {
		a.log.Warnf("could not record %s landing on %q: %s", playerID, server, err)
	}
}

// AuthorizeMove gates a destination change before the proxy commits it:
// router-initiated moves pass once, the holding server is always allowed,
// admins bypass tiers, everyone else is held to their allowed list.
func (a *app) AuthorizeMove(playerID uuid.UUID, server string) bool {
	if a.router.ConsumeInternalOnce(playerID) {
		return true
	}
	if strings.EqualFold(server, a.router.HoldingServer()) {
		return true
	}
	if a.rules.IsPrivileged(playerID) {
		a.cancelWaitForManualMove(playerID, server)
		return true
	}
	for _, allowed := range a.rules.AllowedList(playerID) {
		if strings.EqualFold(allowed, server) {
			a.cancelWaitForManualMove(playerID, server)
			return true
		}
	}
	a.log.Warnf("denied manual switch for %s to %q", playerID, server)
	return false
}

// cancelWaitForManualMove stops a live sticky wait when the player moves
// somewhere else on their own; otherwise the probe loop can reconnect them
// to the old target over their explicit choice.
func (a *app) cancelWaitForManualMove(playerID uuid.UUID, server string) {
	if !a.router.HasStickyState(playerID) {
		return
	}
	a.log.Infof("cancelling sticky wait for %s after manual request for %q", playerID, server)
	a.router.CancelStickyWait(playerID)
}

// ReturnRequested is the player's give-up-and-go-back action. With return
// eligibility it runs the origin-first fallback; otherwise it walks the
// configured return order.
func (a *app) ReturnRequested(ctx context.Context, playerID uuid.UUID) {
	if dest, ok := a.router.Return(ctx, playerID); ok {
		a.log.Infof("returned %s to %q", playerID, dest)
		return
	}

	dest := a.rules.ReturnDestination(playerID)
	if dest == "" {
		a.control.SendMessage(playerID, "No return destination is available.")
		return
	}
	a.router.MarkInternalOnce(playerID)
	if err := a.control.Connect(ctx, playerID, dest); err != nil {
		a.log.Warnf("return of %s to %q failed: %s", playerID, dest, err)
		a.control.SendMessage(playerID, "Could not connect you right now, try again shortly.")
	}
}

func (a *app) FallbackRequested(ctx context.Context, playerID uuid.UUID) {
	if _, ok := a.router.FallbackNow(ctx, playerID); !ok {
		a.control.SendMessage(playerID, "No servers are available right now.")
	}
}
