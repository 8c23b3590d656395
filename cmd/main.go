package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"deployctl/internal/api"
	"deployctl/internal/build"
	"deployctl/internal/config"
	"deployctl/internal/deployment"
	"deployctl/internal/mq"
	"deployctl/internal/portalloc"
	"deployctl/internal/provisioner"
	"deployctl/internal/proxy"
	"deployctl/internal/router"
	"deployctl/internal/security"
	"deployctl/internal/storage"
	"deployctl/internal/tenant"
	"deployctl/pkg"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ config: %v", err)
	}

	ports, err := portalloc.New(cfg.PortRangeLow, cfg.PortRangeHigh)
	if err != nil {
		log.Fatalf("❌ portalloc: %v", err)
	}

	buildSystem, err := build.New(cfg.BuildRoot)
	if err != nil {
		log.Fatalf("❌ build: %v", err)
	}

	prov := provisioner.New(cfg.ProvisionerAddress, cfg.ProvisionerPort, cfg.ProvisionerTimeout)
	loader := tenant.NewChildProcessLoader()
	rt := router.New()

	archives, err := storage.NewArchiveStore(cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey, cfg.MinIOBucket, cfg.MinIOUseSSL)
	if err != nil {
		log.Printf("⚠️ archive store unavailable, deploys will proceed without source archiving: %v", err)
		archives = nil
	}

	events, err := mq.NewPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("⚠️ event bus unavailable, lifecycle events will not be published: %v", err)
		events = nil
	}

	var quota *security.QuotaService
	if db, err := openQuotaDB(); err != nil {
		log.Printf("⚠️ quota database unavailable, deploys will proceed unmetered: %v", err)
	} else {
		quota = security.NewQuotaService(db)
	}

	var limiter *security.RateLimiter
	if l, err := security.NewRateLimiter(cfg.RedisURL); err != nil {
		log.Printf("⚠️ rate limiter unavailable, deploys will proceed unthrottled: %v", err)
	} else {
		limiter = l
	}

	manager := deployment.New(deployment.Config{
		ProxyFQDN:   cfg.ProxyFQDN,
		MaxDeploys:  cfg.MaxDeploys,
		Build:       buildSystem,
		Provisioner: prov,
		Ports:       ports,
		Loader:      loader,
		Router:      rt,
		DBType:      pkg.GetEnv("DB_TYPE", ""),
		Archives:    optionalArchiveStore(archives),
		Events:      optionalPublisher(events),
		Limiter:     optionalLimiter(limiter),
	})

	fwd, err := proxy.New(fmt.Sprintf(":%d", cfg.ProxyPort), rt)
	if err != nil {
		log.Fatalf("❌ proxy: %v", err)
	}

	users, err := api.LoadUserDirectory(pkg.GetEnv("USERS_TOML_PATH", "users.toml"), pkg.GetEnv("ADMIN_USER", "root"))
	if err != nil {
		log.Fatalf("❌ users: %v", err)
	}

	srv := api.NewServer(manager, users, quota, limiter)

	apiHTTP := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.APIPort),
		Handler: srv.Router(),
	}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		log.Printf("🚀 API Adapter listening on %s", apiHTTP.Addr)
		if err := apiHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ api: %v", err)
		}
	}()

	go func() {
		log.Printf("📡 Reverse Proxy listening on %s", fwd.Addr())
		if err := fwd.Serve(ctx); err != nil {
			log.Printf("❌ proxy: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("📊 shutting down")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiHTTP.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ api shutdown: %v", err)
	}

	if limiter != nil {
		limiter.Close()
	}
	if events != nil {
		events.Close()
	}
}

// optionalArchiveStore adapts a possibly-nil *storage.ArchiveStore onto the
// deployment.ArchiveStore interface: a plain nil *storage.ArchiveStore
// assigned directly would not compare equal to a nil interface, so the
// Manager's nil check would never trigger.
func optionalArchiveStore(s *storage.ArchiveStore) deployment.ArchiveStore {
	if s == nil {
		return nil
	}
	return s
}

// optionalPublisher mirrors optionalArchiveStore for the event bus.
func optionalPublisher(p *mq.Publisher) deployment.EventPublisher {
	if p == nil {
		return nil
	}
	return p
}

// optionalLimiter mirrors optionalArchiveStore for the rate limiter.
func optionalLimiter(l *security.RateLimiter) deployment.ConcurrencyLimiter {
	if l == nil {
		return nil
	}
	return l
}

func openQuotaDB() (*sql.DB, error) {
	host := pkg.GetEnv("POSTGRESQL_HOST", "localhost")
	port := pkg.GetEnv("POSTGRESQL_PORT", "5432")
	database := pkg.GetEnv("POSTGRESQL_DATABASE", "deployctl")
	user := pkg.GetEnv("POSTGRESQL_USER", "postgres")
	password := pkg.GetEnv("POSTGRESQL_PASSWORD", "")

	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, database,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
