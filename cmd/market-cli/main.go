// Command market-cli is an offline administration tool for a marketd node's
// database: node identity management and direct operations against the
// Allocation & Order Ledger (spec.md §4.8), run against the same database
// file/DSN the daemon uses rather than over the wire.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	glebarezsqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"golemmarket/cmd/internal/passphrase"
	"golemmarket/crypto"
	"golemmarket/market/model"
	"golemmarket/market/payment"
)

// defaultPassphraseEnv mirrors config.Identity's default PassphraseEnv so the
// CLI can decrypt a keystore produced by marketd without reading its config
// file.
const defaultPassphraseEnv = "MARKETD_KEYSTORE_PASSPHRASE"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "identity":
		err = runIdentity(os.Args[2:])
	case "alloc":
		err = runAlloc(os.Args[2:])
	case "order":
		err = runOrder(os.Args[2:])
	case "export":
		err = runExport(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "market-cli:", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`market-cli <command> [args]

Commands:
  identity generate <path>             Generate a node identity key
  identity show <path>                 Print the node id for a key file
  alloc create <db> <owner> <platform> <address> <total>
  alloc release <db> <owner> <alloc-id>
  order schedule <db> <owner> <alloc-id> <payer> <payee> <amount>
  export settled <db> <output.parquet> <since-rfc3339>

<db> is either a postgres DSN or a path to a sqlite file.`)
}

func openDB(dsn string) (*gorm.DB, error) {
	if strings.HasPrefix(dsn, "postgres") || strings.HasPrefix(dsn, "host=") {
		return gorm.Open(postgres.Open(dsn), &gorm.Config{})
	}
	return gorm.Open(glebarezsqlite.Open(dsn), &gorm.Config{})
}

func runIdentity(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("identity requires a subcommand and path")
	}
	switch args[0] {
	case "generate":
		priv, err := crypto.GeneratePrivateKey()
		if err != nil {
			return fmt.Errorf("generate key: %w", err)
		}
		phrase, err := passphrase.NewSource(defaultPassphraseEnv).Get()
		if err != nil {
			return fmt.Errorf("resolve keystore passphrase: %w", err)
		}
		if err := crypto.SaveToKeystore(args[1], priv, phrase); err != nil {
			return fmt.Errorf("write keystore: %w", err)
		}
		fmt.Println("node id:", priv.PubKey().NodeID().String())
		return nil
	case "show":
		phrase, err := passphrase.NewSource(defaultPassphraseEnv).Get()
		if err != nil {
			return fmt.Errorf("resolve keystore passphrase: %w", err)
		}
		priv, err := crypto.LoadFromKeystore(args[1], phrase)
		if err != nil {
			return fmt.Errorf("decrypt keystore: %w", err)
		}
		fmt.Println("node id:", priv.PubKey().NodeID().String())
		return nil
	default:
		return fmt.Errorf("unknown identity subcommand %q", args[0])
	}
}

func runAlloc(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("alloc requires a subcommand")
	}
	switch args[0] {
	case "create":
		if len(args) != 6 {
			return fmt.Errorf("usage: alloc create <db> <owner> <platform> <address> <total>")
		}
		db, err := openDB(args[1])
		if err != nil {
			return err
		}
		ledger := payment.New(db)
		if err := ledger.Migrate(context.Background()); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		owner, err := crypto.ParseNodeID(args[2])
		if err != nil {
			return fmt.Errorf("parse owner: %w", err)
		}
		total, err := strconv.ParseUint(args[5], 10, 64)
		if err != nil {
			return fmt.Errorf("parse total: %w", err)
		}
		alloc, err := ledger.CreateAllocation(context.Background(), owner, args[3], args[4], model.AmountFromUint64(total), nil)
		if err != nil {
			return fmt.Errorf("create allocation: %w", err)
		}
		fmt.Println("allocation id:", alloc.ID.String())
		return nil
	case "release":
		if len(args) != 4 {
			return fmt.Errorf("usage: alloc release <db> <owner> <alloc-id>")
		}
		db, err := openDB(args[1])
		if err != nil {
			return err
		}
		ledger := payment.New(db)
		owner, err := crypto.ParseNodeID(args[2])
		if err != nil {
			return fmt.Errorf("parse owner: %w", err)
		}
		allocID, err := uuid.Parse(args[3])
		if err != nil {
			return fmt.Errorf("parse allocation id: %w", err)
		}
		return ledger.Release(context.Background(), owner, allocID)
	default:
		return fmt.Errorf("unknown alloc subcommand %q", args[0])
	}
}

func runOrder(args []string) error {
	if len(args) < 1 || args[0] != "schedule" {
		return fmt.Errorf("usage: order schedule <db> <owner> <alloc-id> <payer> <payee> <amount>")
	}
	rest := args[1:]
	if len(rest) != 6 {
		return fmt.Errorf("usage: order schedule <db> <owner> <alloc-id> <payer> <payee> <amount>")
	}
	db, err := openDB(rest[0])
	if err != nil {
		return err
	}
	ledger := payment.New(db)
	owner, err := crypto.ParseNodeID(rest[1])
	if err != nil {
		return fmt.Errorf("parse owner: %w", err)
	}
	allocID, err := uuid.Parse(rest[2])
	if err != nil {
		return fmt.Errorf("parse allocation id: %w", err)
	}
	amount, err := strconv.ParseUint(rest[5], 10, 64)
	if err != nil {
		return fmt.Errorf("parse amount: %w", err)
	}
	order, err := ledger.ScheduleOrder(context.Background(), owner, allocID, payment.ScheduleOrderParams{
		PayerAddr: rest[3],
		PayeeAddr: rest[4],
		Amount:    model.AmountFromUint64(amount),
	}, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("schedule order: %w", err)
	}
	fmt.Println("order id:", order.ID.String())
	return nil
}

func runExport(args []string) error {
	if len(args) < 1 || args[0] != "settled" {
		return fmt.Errorf("usage: export settled <db> <output.parquet> <since-rfc3339>")
	}
	if len(args) != 4 {
		return fmt.Errorf("usage: export settled <db> <output.parquet> <since-rfc3339>")
	}
	db, err := openDB(args[1])
	if err != nil {
		return err
	}
	since, err := time.Parse(time.RFC3339, args[3])
	if err != nil {
		return fmt.Errorf("parse since: %w", err)
	}
	ledger := payment.New(db)
	exporter := payment.NewExporter(ledger)
	count, err := exporter.ExportSettled(context.Background(), args[2], since)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	fmt.Printf("exported %d settled rows to %s\n", count, args[2])
	return nil
}
