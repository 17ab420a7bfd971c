package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	postgres "equipwatch/internal/alerts/infrastructure/postgres"
	"equipwatch/internal/alerts/interfaces"
)

type config struct {
	dsn         string
	equipmentID string
	status      string
	days        int
	formats     string
	outDir      string
}

func parseConfig() config {
	var cfg config
	flag.StringVar(&cfg.dsn, "dsn", "", "Postgres DSN (defaults to DATABASE_URL or PG_DSN)")
	flag.StringVar(&cfg.equipmentID, "equipment-id", "", "equipment to report on (required)")
	flag.StringVar(&cfg.status, "status", "", "optional status filter (active|acknowledged|resolved)")
	flag.IntVar(&cfg.days, "days", 30, "report window in days, ending now")
	flag.StringVar(&cfg.formats, "formats", "xlsx,pdf", "comma-separated output formats")
	flag.StringVar(&cfg.outDir, "out", ".", "output directory")
	flag.Parse()

	if cfg.dsn == "" {
		cfg.dsn = os.Getenv("DATABASE_URL")
	}
	if cfg.dsn == "" {
		cfg.dsn = os.Getenv("PG_DSN")
	}
	return cfg
}

func main() {
	_ = godotenv.Load()
	cfg := parseConfig()
	if cfg.dsn == "" {
		log.Fatal("PG_DSN or DATABASE_URL is required")
	}
	if cfg.equipmentID == "" {
		log.Fatal("equipment-id is required")
	}
	if cfg.days <= 0 {
		log.Fatal("days must be > 0")
	}

	db, err := sql.Open("pgx", cfg.dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -cfg.days)

	repo := postgres.NewAlertRepository(db)
	items, err := repo.ListByEquipment(ctx, cfg.equipmentID, cfg.status, from, now)
	if err != nil {
		log.Fatalf("list alerts: %v", err)
	}
	log.Printf("found %d alerts for %s in the last %d days", len(items), cfg.equipmentID, cfg.days)

	header := interfaces.ReportHeader{
		EquipmentID: cfg.equipmentID,
		From:        from,
		To:          now,
		GeneratedAt: now,
	}

	stamp := now.Format("20060102")
	for _, format := range strings.Split(cfg.formats, ",") {
		format = strings.TrimSpace(strings.ToLower(format))
		var data []byte
		switch format {
		case "xlsx":
			data, err = interfaces.BuildAlertsXLSX(header, items)
		case "pdf":
			data, err = interfaces.BuildAlertsPDF(header, items)
		case "":
			continue
		default:
			log.Fatalf("unknown format %q", format)
		}
		if err != nil {
			log.Fatalf("build %s: %v", format, err)
		}
		path := filepath.Join(cfg.outDir, fmt.Sprintf("alerts_%s_%s.%s", cfg.equipmentID, stamp, format))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			log.Fatalf("write %s: %v", path, err)
		}
		log.Printf("wrote %s (%d bytes)", path, len(data))
	}
}
