// Command netgrantctl runs one-off operator tasks against the netgrant database.
//
//	netgrantctl migrate
//	netgrantctl gateway add --id gw-1 --host 10.0.0.1 --username api --secret s --fleet kiosk-a --cidr 10.5.0.0/24 --primary
//	netgrantctl sweep
//	netgrantctl backfill
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"netgrant/internal/app"
	"netgrant/internal/config"
	"netgrant/internal/models"
	"netgrant/internal/observability/logging"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "netgrantctl:", err)
		os.Exit(1)
	}
}

func usage() error {
	return fmt.Errorf("usage: netgrantctl <migrate|gateway add|sweep|backfill> [flags]")
}

func run(args []string) error {
	if len(args) == 0 {
		return usage()
	}
	if err := config.LoadDotenv(os.Getenv("NETGRANT_ENV_FILE")); err != nil {
		slog.Warn("env file not loaded", "error", err)
	}
	cfg := config.Load()
	log := logging.NewLogger(logging.Config{
		ServiceName: "netgrantctl",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
		Output:      os.Stderr,
	})
	slog.SetDefault(log)

	switch args[0] {
	case "migrate", "sweep", "backfill":
	case "gateway":
		if len(args) < 2 || args[1] != "add" {
			return usage()
		}
	default:
		return usage()
	}

	var gw models.Gateway
	if args[0] == "gateway" {
		var err error
		if gw, err = parseGateway(args[2:]); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	switch args[0] {
	case "migrate":
		if err := a.DB.Migrate(ctx); err != nil {
			return err
		}
		log.Info("schema applied")
		return nil
	case "gateway":
		if err := a.Gateways.Upsert(ctx, gw); err != nil {
			return err
		}
		log.Info("gateway saved", "gateway_id", gw.GatewayId, "fleet_ref", gw.FleetRef, "client_cidr", gw.ClientCidr)
		return nil
	case "sweep":
		rep, err := a.Sweeper.SweepExpired(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		return printJSON(rep)
	default:
		rep, err := a.Backfill.BackfillMissingGrants(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		return printJSON(rep)
	}
}

func parseGateway(args []string) (models.Gateway, error) {
	fs := pflag.NewFlagSet("gateway add", pflag.ContinueOnError)
	id := fs.String("id", "", "gateway id (required)")
	name := fs.String("name", "", "display name")
	host := fs.String("host", "", "management address the relay dials (required)")
	username := fs.String("username", "", "API username")
	secret := fs.String("secret", "", "API secret")
	fleet := fs.String("fleet", "", "fleet the gateway belongs to")
	cidr := fs.String("cidr", "", "client subnet served by the gateway, e.g. 10.5.0.0/24")
	primary := fs.Bool("primary", false, "primary gateway of its fleet")
	inactive := fs.Bool("inactive", false, "register the gateway disabled")
	if err := fs.Parse(args); err != nil {
		return models.Gateway{}, err
	}

	if *id == "" || *host == "" {
		return models.Gateway{}, fmt.Errorf("gateway add: --id and --host are required")
	}
	if *cidr != "" {
		p, err := netip.ParsePrefix(*cidr)
		if err != nil {
			return models.Gateway{}, fmt.Errorf("gateway add: --cidr: %w", err)
		}
		*cidr = p.Masked().String()
	}
	if *name == "" {
		*name = *id
	}
	return models.Gateway{
		GatewayId:  *id,
		Name:       *name,
		Host:       *host,
		Username:   *username,
		Secret:     *secret,
		FleetRef:   *fleet,
		ClientCidr: *cidr,
		IsPrimary:  *primary,
		IsActive:   !*inactive,
	}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
