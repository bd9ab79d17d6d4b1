package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "modernc.org/sqlite"
)

// verify_schema checks that an existing OMS database carries every
// table the current build expects. Run it after pulling a schema
// change, before pointing the OMS at a production database.
//
// Usage:
//   go run ./scripts/verify_schema [db-path]

var expectedTables = []string{
	"intents",
	"orders",
	"order_events",
	"fills",
	"positions",
	"allocations",
	"portfolio_risk_daily",
	"strategy_risk_daily",
	"strategy_state",
	"oms_state",
	"reconciliation_log",
	"trade_lifecycle",
	"excursion_marks",
}

func main() {
	dbPath := "./data/oms.db"
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}
	fmt.Printf("verifying schema at %s\n", dbPath)

	if _, err := os.Stat(dbPath); err != nil {
		log.Fatalf("database not found: %v", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer db.Close()

	have := map[string]bool{}
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		log.Fatalf("query sqlite_master: %v", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			log.Fatalf("scan: %v", err)
		}
		have[name] = true
	}
	rows.Close()

	missing := 0
	for _, tbl := range expectedTables {
		if have[tbl] {
			fmt.Printf("  ok      %s\n", tbl)
		} else {
			fmt.Printf("  MISSING %s\n", tbl)
			missing++
		}
	}
	if missing > 0 {
		log.Fatalf("%d tables missing; start the OMS once to migrate, or restore from backup", missing)
	}
	fmt.Println("schema ok")
}
