package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/tablemate/internal/booking"
	"github.com/user/tablemate/internal/config"
	"github.com/user/tablemate/internal/httpapi"
)

func init() {
	rootCmd.AddCommand(reservationsCmd, catalogCmd)
	reservationsCmd.AddCommand(reservationsServeCmd, reservationsShowCmd, reservationsCancelCmd)
	catalogCmd.AddCommand(catalogImportCmd, catalogListCmd)
}

// openStore opens the configured local reservation store.
func openStore(ctx context.Context, cfg *config.Config) (booking.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	switch cfg.Reservation.Store {
	case config.StoreSQLite:
		path := cfg.Reservation.DSN
		if path == "" {
			path = filepath.Join(cfg.DataDir, "reservations.db")
		}
		return booking.NewSQLiteStore(path)
	case config.StorePostgres:
		return booking.NewPostgresStore(ctx, cfg.Reservation.DSN)
	default:
		return booking.NewMemoryStore(), nil
	}
}

// openLocalEngine opens the local store, seeds it from the configured
// catalog and returns an engine over it.
func openLocalEngine(ctx context.Context, cfg *config.Config) (*booking.Engine, booking.Store, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	engine := booking.NewEngine(store)
	if cfg.Reservation.CatalogPath != "" {
		if err := seedCatalog(ctx, engine, cfg.Reservation.CatalogPath); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	return engine, store, nil
}

func seedCatalog(ctx context.Context, engine *booking.Engine, path string) error {
	catalog, err := booking.LoadCatalog(path)
	if err != nil {
		return err
	}
	restaurants, slots, err := engine.Seed(ctx, catalog)
	if err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	slog.Info("catalog seeded", "path", path, "restaurants", restaurants, "slots", slots)
	return nil
}

// openService returns the booking service the agent talks to: a remote
// reservation API when an endpoint is configured, otherwise a local engine.
// The returned close func is never nil.
func openService(ctx context.Context, cfg *config.Config) (booking.Service, func() error, error) {
	if cfg.Reservation.Endpoint != "" {
		// Load has validated the durations.
		d, _ := cfg.Durations()
		slog.Info("using remote reservation service", "endpoint", cfg.Reservation.Endpoint)
		return booking.NewClient(cfg.Reservation.Endpoint, d.Tool), func() error { return nil }, nil
	}
	engine, store, err := openLocalEngine(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("using local reservation store", "store", cfg.Reservation.Store)
	return engine, store.Close, nil
}

// startReservationAPI serves the reservation API on addr until ctx ends.
func startReservationAPI(ctx context.Context, svc booking.Service, addr string, perMinute int) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpapi.NewReservationServer(ctx, svc, perMinute),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("reservation api started", "listen", addr, "rate_per_minute", perMinute)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("reservation api error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}

var reservationsCmd = &cobra.Command{
	Use:   "reservations",
	Short: "Run or query the reservation service",
}

var reservationsServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the reservation API without the agent",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		addr := cfg.Reservation.Listen
		if addr == "" {
			return errors.New("reservation.listen is not set")
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		engine, store, err := openLocalEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		startReservationAPI(ctx, engine, addr, cfg.Reservation.RatePerMinute)
		<-ctx.Done()
		slog.Info("shutting down")
		return nil
	},
}

var reservationsShowCmd = &cobra.Command{
	Use:   "show <code>",
	Short: "Show a reservation by confirmation code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ctx := context.Background()
		svc, closeFn, err := openService(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		res, err := svc.Reservation(ctx, args[0])
		if err != nil {
			return err
		}
		printReservation(res)
		return nil
	},
}

var reservationsCancelCmd = &cobra.Command{
	Use:   "cancel <code>",
	Short: "Cancel a reservation by confirmation code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ctx := context.Background()
		svc, closeFn, err := openService(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		res, err := svc.Cancel(ctx, args[0])
		if err != nil {
			return err
		}
		printReservation(res)
		return nil
	},
}

func printReservation(res *booking.Reservation) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Code:\t%s\n", res.Code)
	fmt.Fprintf(w, "Status:\t%s\n", res.Status)
	fmt.Fprintf(w, "Restaurant:\t%s (%s)\n", res.RestaurantName, res.RestaurantID)
	fmt.Fprintf(w, "Slot:\t%s\n", res.SlotID)
	fmt.Fprintf(w, "Starts:\t%s\n", res.StartsAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Party:\t%d\n", res.PartySize)
	fmt.Fprintf(w, "User:\t%s\n", res.UserID)
	w.Flush()
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the restaurant catalog in the local store",
}

var catalogImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Load restaurants and slots from a catalog file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if cfg.Reservation.Store == config.StoreMemory || cfg.Reservation.Store == "" {
			return errors.New("reservation.store is memory; import into sqlite or postgres, or set reservation.catalog_path")
		}
		ctx := context.Background()
		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		catalog, err := booking.LoadCatalog(args[0])
		if err != nil {
			return err
		}
		restaurants, slots, err := booking.NewEngine(store).Seed(ctx, catalog)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Imported %d restaurants and %d slots.\n", restaurants, slots)
		return nil
	},
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List restaurants in the local store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ctx := context.Background()
		_, store, err := openLocalEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		list, err := store.Restaurants(ctx)
		if err != nil {
			return fmt.Errorf("list restaurants: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No restaurants found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tCUISINE\tLOCATION\tRATING")
		for _, r := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1f\n", r.ID, r.Name, strings.ToLower(r.Cuisine), r.Location, r.Rating)
		}
		return w.Flush()
	},
}
