package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"ms-landmarket/internal/config"
	"ms-landmarket/internal/models"
)

// Development and demo seeding. Drops and recreates every table, then
// fills a slot grid: REGION x AREAS x SLOTS_PER_AREA, all AVAILABLE,
// plus one sample referrer. Never point this at a production database.
func main() {
	var (
		region       = flag.String("region", envOr("REGION", "genesis"), "region to seed")
		areaList     = flag.String("areas", envOr("AREAS", "A,B,C,D"), "comma separated area codes")
		slotsPerArea = flag.Int("slots", envIntOr("SLOTS_PER_AREA", 100), "slots per area")
	)
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println(".env file not found, using environment variables")
	}
	cfg := config.Load()

	sqldb, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	ctx := context.Background()
	if err := db.Ping(); err != nil {
		log.Fatalf("ping postgres: %v", err)
	}

	tables := []interface{}{
		(*models.LandSlot)(nil),
		(*models.Area)(nil),
		(*models.Reservation)(nil),
		(*models.PaymentRecord)(nil),
		(*models.Ownership)(nil),
		(*models.ReferralEarning)(nil),
		(*models.Referrer)(nil),
	}

	log.Println("Dropping existing tables...")
	for _, model := range tables {
		if _, err := db.NewDropTable().Model(model).IfExists().Cascade().Exec(ctx); err != nil {
			log.Fatalf("drop table: %v", err)
		}
	}

	log.Println("Creating tables...")
	for _, model := range tables {
		if _, err := db.NewCreateTable().Model(model).Exec(ctx); err != nil {
			log.Fatalf("create table: %v", err)
		}
	}

	areas := strings.Split(*areaList, ",")
	log.Printf("Seeding region %s: %d areas x %d slots", *region, len(areas), *slotsPerArea)

	for _, code := range areas {
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}

		slots := make([]models.LandSlot, 0, *slotsPerArea)
		for seq := 1; seq <= *slotsPerArea; seq++ {
			slots = append(slots, models.LandSlot{
				SlotID:   models.MakeSlotID(*region, code, seq),
				Region:   *region,
				Area:     code,
				Sequence: seq,
				Status:   models.SlotAvailable,
			})
		}
		if _, err := db.NewInsert().Model(&slots).Exec(ctx); err != nil {
			log.Fatalf("seed slots for area %s: %v", code, err)
		}

		area := models.Area{
			Region:     *region,
			Code:       code,
			TotalSlots: *slotsPerArea,
			SoldCount:  0,
		}
		if _, err := db.NewInsert().Model(&area).Exec(ctx); err != nil {
			log.Fatalf("seed area %s: %v", code, err)
		}
		log.Printf("  area %s/%s ready with %d slots", *region, code, *slotsPerArea)
	}

	referrer := models.Referrer{
		UserID:      "demo-referrer",
		Role:        models.RoleMember,
		TotalEarned: decimal.Zero,
	}
	if _, err := db.NewInsert().Model(&referrer).Exec(ctx); err != nil {
		log.Fatalf("seed referrer: %v", err)
	}

	log.Println("✅ Seed complete")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
