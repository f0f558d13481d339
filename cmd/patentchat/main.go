package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	_ "modernc.org/sqlite"

	"github.com/yorkeccak/patentchat/internal/artifacts"
	"github.com/yorkeccak/patentchat/internal/chat"
	"github.com/yorkeccak/patentchat/internal/history"
	"github.com/yorkeccak/patentchat/internal/httpapi"
	"github.com/yorkeccak/patentchat/internal/patentcache"
	"github.com/yorkeccak/patentchat/internal/sandbox"
	"github.com/yorkeccak/patentchat/internal/search"
	"github.com/yorkeccak/patentchat/internal/tools"
)

const sweepInterval = 10 * time.Minute

func main() {
	dbFlag := flag.String("db", "", "path to SQLite database file (overrides DB_PATH env var)")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("dotenv load: %v", err)
	}

	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}

	dbPath := *dbFlag
	if dbPath == "" {
		dbPath = os.Getenv("DB_PATH")
	}
	if dbPath == "" {
		dbPath = "./data/patentchat.db"
	}

	ctx := context.Background()
	shutdownTracing := initTracing(ctx)
	defer shutdownTracing()

	db, err := sqlx.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		log.Fatalf("failed to open sqlite database (%s): %v", dbPath, err)
	}
	db.SetMaxOpenConns(1)
	defer db.Close()
	log.Printf("using sqlite store at %s", dbPath)

	patents, err := patentcache.NewSQLite(db, patentcache.Config{})
	if err != nil {
		log.Fatalf("failed to initialize patent cache: %v", err)
	}
	historyStore, err := history.NewSQLiteStorage(db, nil)
	if err != nil {
		log.Fatalf("failed to initialize history storage: %v", err)
	}
	artifactStore, err := artifacts.NewStore(db, nil)
	if err != nil {
		log.Fatalf("failed to initialize artifact store: %v", err)
	}

	searchClient, err := search.NewClient(search.Config{
		APIKey:             os.Getenv("SEARCH_API_KEY"),
		BaseURL:            os.Getenv("SEARCH_BASE_URL"),
		RateLimitPerMinute: 60,
	})
	if err != nil {
		log.Fatalf("failed to initialize search client: %v", err)
	}
	defer searchClient.Close()
	provisioner, err := sandbox.NewDockerProvisioner(os.Getenv("SANDBOX_IMAGE"))
	if err != nil {
		log.Fatalf("failed to initialize sandbox provisioner: %v", err)
	}

	registry := tools.NewDefaultRegistry(tools.Deps{
		Patents:   patents,
		Search:    searchClient,
		Sandbox:   provisioner,
		Artifacts: artifactStore,
	})
	persistence := history.NewPersistence(historyStore)
	orchestrator := chat.NewOrchestrator(
		chat.NewSelector(chat.SelectorConfigFromEnv()),
		registry,
		persistence,
		chat.Config{},
	)

	go sweepLoop(ctx, patents)

	h := httpapi.NewServer(httpapi.Config{
		Orchestrator: orchestrator,
		History:      persistence,
		Patents:      patents,
		Artifacts:    artifactStore,
		PDF:          artifacts.NewPDFRenderer(),
	})
	log.Printf("patentchat listening on %s", addr)
	if err := http.ListenAndServe(addr, h); err != nil {
		log.Fatal(err)
	}
}

// sweepLoop removes expired cache rows in the background. Reads already
// ignore expired entries; this just keeps the table from growing.
func sweepLoop(ctx context.Context, store patentcache.Store) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.SweepExpired(ctx)
			if err != nil {
				log.Printf("cache sweep failed err=%v", err)
				continue
			}
			if removed > 0 {
				log.Printf("cache sweep removed=%d", removed)
			}
		}
	}
}

// initTracing sets up OTLP trace export when an endpoint is configured and
// is a no-op otherwise.
func initTracing(ctx context.Context) func() {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return func() {}
	}
	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		log.Printf("otlp exporter init failed err=%v, tracing disabled", err)
		return func() {}
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("patentchat"),
		)),
	)
	otel.SetTracerProvider(tp)
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Printf("tracer shutdown err=%v", err)
		}
	}
}
