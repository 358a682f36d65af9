// dbcheck is an operator tool for inspecting a rack-engine database.
//
//	dbcheck                 table row counts
//	dbcheck devices         per-gateway summary with last heartbeat
//	dbcheck purge [apply]   retention purge (dry run unless "apply")
//
// Connection comes from DATABASE_URL; purge retention from
// RAW_RETENTION (default 168h).
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	pool, err := pgxpool.New(context.Background(), os.Getenv("DATABASE_URL"))
	if err != nil {
		panic(err)
	}
	defer pool.Close()

	ctx := context.Background()

	if len(os.Args) > 1 && os.Args[1] == "devices" {
		listDevices(ctx, pool)
		return
	}

	if len(os.Args) > 1 && os.Args[1] == "purge" {
		dryRun := !(len(os.Args) > 2 && os.Args[2] == "apply")
		purgeExpired(ctx, pool, dryRun)
		return
	}

	// Default: table counts
	tables := []string{
		"iot_meta_data", "iot_topchange_event", "iot_heartbeat",
		"iot_temp_hum", "iot_noise_level",
		"iot_rfid_snapshot", "iot_rfid_event", "iot_door_event",
		"iot_cmd_result", "iot_raw_message",
	}
	fmt.Println("Table                    Count")
	fmt.Println("─────────────────────────────────")
	for _, t := range tables {
		var count int64
		pool.QueryRow(ctx, "SELECT count(*) FROM "+t).Scan(&count)
		fmt.Printf("%-25s %d\n", t, count)
	}
}

func listDevices(ctx context.Context, pool *pgxpool.Pool) {
	const q = `
		SELECT m.device_id, m.device_type, m.online,
		       COALESCE(jsonb_array_length(m.module_info), 0),
		       hb.last_seen
		FROM iot_meta_data m
		LEFT JOIN LATERAL (
			SELECT max(parse_at) AS last_seen
			FROM iot_heartbeat h
			WHERE h.device_id = m.device_id
		) hb ON true
		ORDER BY m.device_id
	`

	rows, err := pool.Query(ctx, q)
	if err != nil {
		fmt.Printf("Error listing devices: %v\n", err)
		return
	}
	defer rows.Close()

	fmt.Println("Device            Type   Online  Modules  Last heartbeat")
	fmt.Println("──────────────────────────────────────────────────────────")
	n := 0
	for rows.Next() {
		var (
			id, typ  string
			online   bool
			modules  int
			lastSeen *time.Time
		)
		if err := rows.Scan(&id, &typ, &online, &modules, &lastSeen); err != nil {
			fmt.Printf("Error scanning device: %v\n", err)
			return
		}
		seen := "never"
		if lastSeen != nil {
			seen = fmt.Sprintf("%s ago", time.Since(*lastSeen).Round(time.Second))
		}
		fmt.Printf("%-17s %-6s %-7t %-8d %s\n", id, typ, online, modules, seen)
		n++
	}
	fmt.Printf("\n%d devices\n", n)
}

func purgeExpired(ctx context.Context, pool *pgxpool.Pool, dryRun bool) {
	rawRetention := 7 * 24 * time.Hour
	if v := os.Getenv("RAW_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			rawRetention = d
		}
	}

	specs := []struct {
		table     string
		col       string
		retention time.Duration
	}{
		{"iot_raw_message", "received_at", rawRetention},
		{"iot_cmd_result", "parse_at", 30 * 24 * time.Hour},
	}

	for _, s := range specs {
		cutoff := time.Now().Add(-s.retention)

		if dryRun {
			var count int64
			q := fmt.Sprintf("SELECT count(*) FROM %s WHERE %s < $1", s.table, s.col)
			if err := pool.QueryRow(ctx, q, cutoff).Scan(&count); err != nil {
				fmt.Printf("Error counting %s: %v\n", s.table, err)
				continue
			}
			fmt.Printf("%s: %d rows older than %s\n", s.table, count, s.retention)
			continue
		}

		q := fmt.Sprintf("DELETE FROM %s WHERE %s < $1", s.table, s.col)
		tag, err := pool.Exec(ctx, q, cutoff)
		if err != nil {
			fmt.Printf("Error purging %s: %v\n", s.table, err)
			continue
		}
		fmt.Printf("%s: deleted %d rows\n", s.table, tag.RowsAffected())
	}

	if dryRun {
		fmt.Println("Dry run, no changes made. Run with 'purge apply' to delete.")
	}
}
