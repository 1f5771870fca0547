package devserver

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmitrijs2005/purchasesync/internal/client/models"
	"github.com/dmitrijs2005/purchasesync/internal/client/verification"
	"github.com/dmitrijs2005/purchasesync/internal/devserver/config"
	"github.com/dmitrijs2005/purchasesync/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// ShutdownTimeout bounds graceful shutdown.
const ShutdownTimeout = 5 * time.Second

type App struct {
	config  *config.Config
	logger  logging.Logger
	server  *Server
	rootPub ed25519.PublicKey
}

func NewApp(c *config.Config) (*App, error) {
	logger := logging.New(os.Stdout, c.LogFormat, c.LogLevel)

	root, err := rootKey(c.RootSeed)
	if err != nil {
		return nil, err
	}
	_, intermediate, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate intermediate key: %w", err)
	}
	signer := verification.NewSigner(root, intermediate, time.Now().Add(c.IntermediateKeyValidity))

	mapping, err := loadMapping(c.MappingFile)
	if err != nil {
		return nil, err
	}

	srv := NewServer(NewStore(nil), signer,
		WithAPIKey(c.APIKey),
		WithMapping(mapping),
		WithLogger(logger),
		WithRegistry(registry()),
	)
	return &App{config: c, logger: logger, server: srv, rootPub: root.Public().(ed25519.PublicKey)}, nil
}

func registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// RootPublicKey is the base64 key clients pin.
func (app *App) RootPublicKey() string {
	return base64.StdEncoding.EncodeToString(app.rootPub)
}

func rootKey(seed string) (ed25519.PrivateKey, error) {
	if seed == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate root key: %w", err)
		}
		return priv, nil
	}
	b, err := hex.DecodeString(seed)
	if err != nil {
		return nil, fmt.Errorf("decode root seed: %w", err)
	}
	if len(b) != ed25519.SeedSize {
		return nil, fmt.Errorf("root seed: expected %d bytes, got %d", ed25519.SeedSize, len(b))
	}
	return ed25519.NewKeyFromSeed(b), nil
}

func loadMapping(path string) (*models.ProductEntitlementMapping, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping file: %w", err)
	}
	var m models.ProductEntitlementMapping
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode mapping file: %w", err)
	}
	if m.Mappings == nil {
		m.Mappings = map[string]models.EntitlementMapping{}
	}
	return &m, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run serves until ctx is canceled or a termination signal arrives.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()
	app.initSignalHandler(cancelFunc)

	l, err := net.Listen("tcp", app.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", app.config.ListenAddr, err)
	}
	return app.Serve(ctx, l)
}

// Serve serves on l until ctx is canceled, then shuts down gracefully.
func (app *App) Serve(ctx context.Context, l net.Listener) error {
	hs := &http.Server{
		Handler:           app.server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	app.logger.Info(ctx, "starting development backend", "addr", l.Addr().String(), "root_public_key", app.RootPublicKey())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := hs.Serve(l); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
		defer cancel()
		app.logger.Info(shutdownCtx, "shutting down development backend")
		if err := hs.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}
