// lora-gateway-db is a read-only inspector for the gateway's diagnostics
// database: a cobra root with tabwriter listing subcommands for the
// stat_snapshots and session_events tables the gateway persists.
package main

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
)

var (
	dbPath string
	limit  int

	rootCmd = &cobra.Command{
		Use:   "lora-gateway-db",
		Short: "LoRa Gateway diagnostics database inspector",
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show recent stat snapshots",
		RunE:  showStats,
	}

	eventsCmd = &cobra.Command{
		Use:   "events",
		Short: "Show recent session events",
		RunE:  showEvents,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "/var/lib/lora-gateway/gateway.db", "Database file path")
	statsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
	eventsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")

	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(eventsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*sql.DB, error) {
	return sql.Open("sqlite3", dbPath+"?mode=ro")
}

func showStats(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT taken_at, rxnb, rxok, rxfw, ackr, dwnb, txnb
		FROM stat_snapshots ORDER BY taken_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return err
	}
	defer rows.Close()

	fmt.Printf("%-20s %6s %6s %6s %7s %6s %6s\n", "TAKEN AT", "RXNB", "RXOK", "RXFW", "ACKR%", "DWNB", "TXNB")
	for rows.Next() {
		var takenAt time.Time
		var rxnb, rxok, rxfw, dwnb, txnb uint64
		var ackr float64
		if err := rows.Scan(&takenAt, &rxnb, &rxok, &rxfw, &ackr, &dwnb, &txnb); err != nil {
			return err
		}
		fmt.Printf("%-20s %6d %6d %6d %6.1f%% %6d %6d\n",
			takenAt.Format(time.RFC3339), rxnb, rxok, rxfw, ackr, dwnb, txnb)
	}
	return rows.Err()
}

func showEvents(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT occurred_at, component, session_id, dev_addr, event, reason
		FROM session_events ORDER BY occurred_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return err
	}
	defer rows.Close()

	fmt.Printf("%-20s %-10s %10s %10s %-20s %s\n", "OCCURRED AT", "COMPONENT", "SESSION", "DEVADDR", "EVENT", "REASON")
	for rows.Next() {
		var occurredAt time.Time
		var component, event string
		var sessionID uint64
		var devAddr sql.NullInt64
		var reason sql.NullString
		if err := rows.Scan(&occurredAt, &component, &sessionID, &devAddr, &event, &reason); err != nil {
			return err
		}
		fmt.Printf("%-20s %-10s %10d %10d %-20s %s\n",
			occurredAt.Format(time.RFC3339), component, sessionID, devAddr.Int64, event, reason.String)
	}
	return rows.Err()
}
