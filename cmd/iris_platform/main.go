package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"iris_platform/platform/auth"
	"iris_platform/platform/classifier"
	"iris_platform/platform/config"
	"iris_platform/platform/schema"
	"iris_platform/platform/services"
	"iris_platform/utils/logging"

	"github.com/caarlos0/env/v10"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type platformEnv struct {
	DatabaseUri string `env:"DATABASE_URI,required"`
	JwtSecret   string `env:"JWT_SECRET,required"`

	AdminUsername string `env:"ADMIN_USERNAME,required"`
	AdminEmail    string `env:"ADMIN_EMAIL,required"`
	AdminPassword string `env:"ADMIN_PASSWORD,required"`

	Port   int    `env:"PORT" envDefault:"8000"`
	LogDir string `env:"LOG_DIR"`

	ServiceCatalog string `env:"SERVICE_CATALOG"`
	DuplicateScope string `env:"DUPLICATE_SCOPE" envDefault:"caller"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"*"`

	Verbose bool `env:"VERBOSE"`
}

func loadEnv(envFile string) platformEnv {
	if envFile != "" {
		slog.Info(fmt.Sprintf("loading env from file %v", envFile))
		if err := godotenv.Load(envFile); err != nil {
			log.Fatalf("error loading env file '%v': %v", envFile, err)
		}
	}

	var cfg platformEnv
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing env variables: %v", err)
	}

	if cfg.DuplicateScope != services.DuplicateScopeCaller && cfg.DuplicateScope != services.DuplicateScopeGlobal {
		log.Fatalf("invalid DUPLICATE_SCOPE '%v', must be 'caller' or 'global'", cfg.DuplicateScope)
	}

	return cfg
}

func postgresDsn(uri string) string {
	parts, err := url.Parse(uri)
	if err != nil {
		log.Fatalf("error parsing db uri: %v", err)
	}
	pwd, _ := parts.User.Password()
	dbname := strings.TrimPrefix(parts.Path, "/")
	return fmt.Sprintf("host=%v user=%v password=%v dbname=%v port=%v", parts.Hostname(), parts.User.Username(), pwd, dbname, parts.Port())
}

func initDb(dsn string) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("error opening database connection: %v", err)
	}

	err = db.AutoMigrate(
		&schema.User{}, &schema.APIKey{}, &schema.Service{},
		&schema.PredictionResult{}, &schema.IrisFeatures{}, &schema.UsageLog{},
		&schema.Match{}, &schema.MatchLog{},
	)
	if err != nil {
		log.Fatalf("error migrating db schema: %v", err)
	}

	return db
}

func loadCatalog(path string) config.Catalog {
	if path == "" {
		return config.DefaultCatalog()
	}
	catalog, err := config.LoadCatalog(path)
	if err != nil {
		log.Fatalf("error loading service catalog: %v", err)
	}
	return catalog
}

func main() {
	envFile := flag.String("env", "", "File to load env variables from. If not specified will just load them from the environment variables already defined.")
	flag.Parse()

	cfg := loadEnv(*envFile)

	logFile, err := logging.Setup(cfg.LogDir, cfg.Verbose)
	if err != nil {
		log.Fatalf("error initializing logging: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	auditStream := os.Stdout
	if cfg.LogDir != "" {
		auditStream, err = os.OpenFile(filepath.Join(cfg.LogDir, "audit.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			log.Fatalf("error opening audit log file: %v", err)
		}
		defer auditStream.Close()
	}

	db := initDb(postgresDsn(cfg.DatabaseUri))

	if err := loadCatalog(cfg.ServiceCatalog).Seed(db); err != nil {
		log.Fatalf("error seeding service catalog: %v", err)
	}

	identityProvider, err := auth.NewBasicIdentityProvider(
		db,
		auth.NewAuditLogger(auditStream),
		auth.BasicProviderArgs{
			Secret:        []byte(cfg.JwtSecret),
			AdminUsername: cfg.AdminUsername,
			AdminEmail:    cfg.AdminEmail,
			AdminPassword: cfg.AdminPassword,
		},
	)
	if err != nil {
		log.Fatalf("error creating identity provider: %v", err)
	}

	platform := services.NewPlatform(db, identityProvider, services.PlatformArgs{
		Model:          classifier.NewIrisClassifier(),
		ServiceName:    "iris",
		DuplicateScope: cfg.DuplicateScope,
	})

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Mount("/api/v1", platform.Routes())

	addr := fmt.Sprintf(":%d", cfg.Port)
	slog.Info("starting iris platform server", "addr", addr)

	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
