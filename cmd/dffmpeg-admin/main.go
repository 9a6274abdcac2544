// Package main implements the dffmpeg-admin tool. It operates directly on
// the coordinator's stores, so it runs on the coordinator host (or
// anywhere with database access) using the same configuration file.
//
// Usage:
//
//	dffmpeg-admin --config /etc/dffmpeg/coordinator.yaml user list
//	dffmpeg-admin user add render-worker-01 --role worker
//	dffmpeg-admin user rotate-key alice
//	dffmpeg-admin worker list
//	dffmpeg-admin security generate-key chacha20poly1305
//	dffmpeg-admin security re-encrypt --key-id 2024-rotation
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/brwyatt/dffmpeg/internal/auth"
	"github.com/brwyatt/dffmpeg/internal/config"
	"github.com/brwyatt/dffmpeg/internal/crypto"
	"github.com/brwyatt/dffmpeg/internal/db"
	"github.com/brwyatt/dffmpeg/internal/repositories"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	roleColors = map[string]*color.Color{
		db.RoleAdmin:  color.New(color.FgMagenta),
		db.RoleWorker: color.New(color.FgCyan),
		db.RoleClient: color.New(color.FgGreen),
	}
	statusColors = map[string]*color.Color{
		db.WorkerStatusOnline:  color.New(color.FgGreen),
		db.WorkerStatusOffline: color.New(color.FgRed),
		db.WorkerStatusError:   color.New(color.FgYellow),
	}
	keyColor = color.New(color.FgYellow)
)

type options struct {
	configPath string
}

// admin bundles the store handles a subcommand works against.
type admin struct {
	identities repositories.IdentityRepository
	workers    repositories.WorkerRepository
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "dffmpeg-admin",
		Short: "Manage coordinator identities, workers and keys",
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newUserCmd(opts))
	root.AddCommand(newWorkerCmd(opts))
	root.AddCommand(newSecurityCmd(opts))

	root.PersistentFlags().StringVar(&opts.configPath, "config", envOrDefault("DFFMPEG_CONFIG", ""), "Path to the coordinator's YAML configuration file")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dffmpeg-admin %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// open loads the configuration and opens the auth and workers stores. The
// key ring must match the coordinator's or wrapped HMAC keys will not
// decrypt.
func open(opts *options) (*admin, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil && !errors.Is(err, config.ErrNoConfig) {
		return nil, err
	}

	// Store traffic is the coordinator's to log; the CLI stays quiet
	// below errors.
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}

	ring, err := cfg.EncryptionKeyRing()
	if err != nil {
		return nil, err
	}
	keys, err := crypto.NewManager(ring, cfg.Auth.ActiveEncryptionKeyID)
	if err != nil {
		return nil, err
	}

	authOpts := cfg.Database.Resolve(db.StoreAuth)
	workerOpts := cfg.Database.Resolve(db.StoreWorkers)

	stores := []string{db.StoreAuth}
	if workerOpts == authOpts {
		stores = append(stores, db.StoreWorkers)
	}
	authDB, err := db.New(db.Config{Engine: authOpts.Engine, DSN: authOpts.DSN, Logger: logger}, stores...)
	if err != nil {
		return nil, err
	}
	workerDB := authDB
	if workerOpts != authOpts {
		workerDB, err = db.New(db.Config{Engine: workerOpts.Engine, DSN: workerOpts.DSN, Logger: logger}, db.StoreWorkers)
		if err != nil {
			return nil, err
		}
	}

	return &admin{
		identities: repositories.NewIdentityRepository(authDB, keys),
		workers:    repositories.NewWorkerRepository(workerDB),
	}, nil
}

// ─── User commands ────────────────────────────────────────────────────────────

func newUserCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage client identities",
	}
	cmd.AddCommand(
		newUserListCmd(opts),
		newUserShowCmd(opts),
		newUserAddCmd(opts),
		newUserDeleteCmd(opts),
		newUserRotateKeyCmd(opts),
	)
	return cmd
}

func newUserListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List identities",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(opts)
			if err != nil {
				return err
			}
			identities, err := a.identities.List(cmd.Context(), false)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CLIENT ID\tROLE\tKEY ID\tALLOWED CIDRS")
			for i := range identities {
				id := &identities[i]
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					id.ClientID,
					colorize(roleColors, id.Role),
					keyIDOf(id),
					strings.Join(id.AllowedCIDRs, ","))
			}
			return w.Flush()
		},
	}
}

func newUserShowCmd(opts *options) *cobra.Command {
	var showKey bool

	cmd := &cobra.Command{
		Use:   "show <client_id>",
		Short: "Show one identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(opts)
			if err != nil {
				return err
			}
			identity, err := a.identities.Get(cmd.Context(), args[0], showKey)
			if errors.Is(err, repositories.ErrNotFound) {
				return fmt.Errorf("identity %q not found", args[0])
			}
			if err != nil {
				return err
			}

			fmt.Printf("Client ID:     %s\n", identity.ClientID)
			fmt.Printf("Role:          %s\n", colorize(roleColors, identity.Role))
			fmt.Printf("Key ID:        %s\n", keyIDOf(identity))
			fmt.Printf("Allowed CIDRs: %s\n", strings.Join(identity.AllowedCIDRs, ", "))
			fmt.Printf("Created:       %s\n", identity.CreatedAt.UTC().Format(time.RFC3339))
			fmt.Printf("Updated:       %s\n", identity.UpdatedAt.UTC().Format(time.RFC3339))
			if showKey {
				fmt.Printf("HMAC key:      %s\n", keyColor.Sprint(identity.HMACKey))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showKey, "show-key", false, "Include the unwrapped HMAC key in the output")
	return cmd
}

func newUserAddCmd(opts *options) *cobra.Command {
	var (
		role  string
		cidrs []string
	)

	cmd := &cobra.Command{
		Use:   "add <client_id>",
		Short: "Create an identity with a fresh HMAC key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if role != db.RoleClient && role != db.RoleWorker && role != db.RoleAdmin {
				return fmt.Errorf("--role must be %q, %q or %q", db.RoleClient, db.RoleWorker, db.RoleAdmin)
			}

			a, err := open(opts)
			if err != nil {
				return err
			}

			clientID := args[0]
			if _, err := a.identities.Get(cmd.Context(), clientID, false); err == nil {
				return fmt.Errorf("identity %q already exists (use rotate-key for a new key)", clientID)
			} else if !errors.Is(err, repositories.ErrNotFound) {
				return err
			}

			key, err := auth.GenerateKey()
			if err != nil {
				return err
			}
			identity := &db.Identity{
				ClientID:     clientID,
				Role:         role,
				HMACKey:      key,
				AllowedCIDRs: cidrs,
			}
			if err := a.identities.Upsert(cmd.Context(), identity); err != nil {
				return err
			}

			fmt.Printf("Created %s (%s)\n", clientID, colorize(roleColors, role))
			fmt.Printf("HMAC key (shown once, store it now): %s\n", keyColor.Sprint(key))
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", db.RoleClient, "Identity role (client, worker or admin)")
	cmd.Flags().StringArrayVar(&cidrs, "cidr", nil, "Allowed source CIDR, repeatable (default: any address)")
	return cmd
}

func newUserDeleteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <client_id>",
		Short: "Delete an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(opts)
			if err != nil {
				return err
			}
			if err := a.identities.Delete(cmd.Context(), args[0]); err != nil {
				if errors.Is(err, repositories.ErrNotFound) {
					return fmt.Errorf("identity %q not found", args[0])
				}
				return err
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		},
	}
}

func newUserRotateKeyCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-key <client_id>",
		Short: "Replace an identity's HMAC key",
		Long: `Replace an identity's HMAC key with a freshly generated one. The old
key stops working immediately; hand the new key to the client before
rotating if it cannot tolerate a gap.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(opts)
			if err != nil {
				return err
			}
			identity, err := a.identities.Get(cmd.Context(), args[0], false)
			if errors.Is(err, repositories.ErrNotFound) {
				return fmt.Errorf("identity %q not found", args[0])
			}
			if err != nil {
				return err
			}

			key, err := auth.GenerateKey()
			if err != nil {
				return err
			}
			identity.HMACKey = key
			if err := a.identities.Upsert(cmd.Context(), identity); err != nil {
				return err
			}

			fmt.Printf("Rotated key for %s\n", identity.ClientID)
			fmt.Printf("HMAC key (shown once, store it now): %s\n", keyColor.Sprint(key))
			return nil
		},
	}
}

// ─── Worker commands ──────────────────────────────────────────────────────────

func newWorkerCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Inspect registered workers",
	}
	cmd.AddCommand(newWorkerListCmd(opts), newWorkerShowCmd(opts))
	return cmd
}

func newWorkerListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(opts)
			if err != nil {
				return err
			}

			var workers []db.Worker
			for _, status := range []string{db.WorkerStatusOnline, db.WorkerStatusError, db.WorkerStatusOffline} {
				batch, err := a.workers.ListByStatus(cmd.Context(), status, 0)
				if err != nil {
					return err
				}
				workers = append(workers, batch...)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WORKER ID\tSTATUS\tLAST SEEN\tTRANSPORT\tBINARIES")
			for i := range workers {
				worker := &workers[i]
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					worker.WorkerID,
					colorize(statusColors, worker.Status),
					lastSeenOf(worker),
					stringOrDash(worker.Transport),
					strings.Join(worker.Binaries, ","))
			}
			return w.Flush()
		},
	}
}

func newWorkerShowCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <worker_id>",
		Short: "Show one worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(opts)
			if err != nil {
				return err
			}
			worker, err := a.workers.Get(cmd.Context(), args[0])
			if errors.Is(err, repositories.ErrNotFound) {
				return fmt.Errorf("worker %q not found", args[0])
			}
			if err != nil {
				return err
			}

			fmt.Printf("Worker ID:    %s\n", worker.WorkerID)
			fmt.Printf("Status:       %s\n", colorize(statusColors, worker.Status))
			fmt.Printf("Last seen:    %s\n", lastSeenOf(worker))
			fmt.Printf("Transport:    %s\n", stringOrDash(worker.Transport))
			fmt.Printf("Capabilities: %s\n", strings.Join(worker.Capabilities, ", "))
			fmt.Printf("Binaries:     %s\n", strings.Join(worker.Binaries, ", "))
			fmt.Printf("Paths:        %s\n", strings.Join(worker.Paths, ", "))
			if worker.Version != nil {
				fmt.Printf("Version:      %s\n", *worker.Version)
			}
			return nil
		},
	}
}

// ─── Security commands ────────────────────────────────────────────────────────

func newSecurityCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "security",
		Short: "Key ring operations",
	}
	cmd.AddCommand(newGenerateKeyCmd(), newReencryptCmd(opts))
	return cmd
}

func newGenerateKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-key <algorithm>",
		Short: "Generate a ring key spec (algorithms: " + strings.Join(crypto.ProviderNames(), ", ") + ")",
		Long: `Generate a fresh key for the named algorithm in the ring format
"algorithm:base64(key)". Add it to auth.encryption_keys (or the external
keys file) under a new key id, then point active_encryption_key_id at it
and run security re-encrypt.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := crypto.GenerateKeySpec(args[0])
			if err != nil {
				return err
			}
			fmt.Println(spec)
			return nil
		},
	}
}

func newReencryptCmd(opts *options) *cobra.Command {
	var (
		clientID  string
		keyID     string
		decrypt   bool
		limit     int
		batchSize int
	)

	cmd := &cobra.Command{
		Use:   "re-encrypt",
		Short: "Re-wrap stored HMAC keys under a different ring key",
		Long: `Re-wrap stored HMAC keys under the ring key named by --key-id, or
unwrap them with --decrypt. The secrets themselves never change, so
clients are unaffected. Without --client-id this walks every identity
not already using the target key, in batches.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if decrypt && keyID != "" {
				return fmt.Errorf("--decrypt and --key-id are mutually exclusive")
			}
			if !decrypt && keyID == "" {
				return fmt.Errorf("either --key-id or --decrypt is required")
			}
			if batchSize < 1 {
				return fmt.Errorf("--batch-size must be positive")
			}
			target := keyID

			a, err := open(opts)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if clientID != "" {
				if err := a.identities.Rewrap(ctx, clientID, target); err != nil {
					return err
				}
				fmt.Printf("Re-encrypted %s\n", clientID)
				return nil
			}

			total := 0
			for {
				batch := batchSize
				if limit > 0 && limit-total < batch {
					batch = limit - total
				}
				if batch <= 0 {
					break
				}
				ids, err := a.identities.ListNotUsingKey(ctx, target, batch)
				if err != nil {
					return err
				}
				if len(ids) == 0 {
					break
				}
				for _, id := range ids {
					if err := a.identities.Rewrap(ctx, id, target); err != nil {
						return fmt.Errorf("re-encrypt %s: %w", id, err)
					}
				}
				total += len(ids)
				if len(ids) < batch {
					break
				}
			}
			fmt.Printf("Re-encrypted %d identities\n", total)
			return nil
		},
	}

	cmd.Flags().StringVar(&clientID, "client-id", "", "Re-wrap a single identity")
	cmd.Flags().StringVar(&keyID, "key-id", "", "Target ring key id")
	cmd.Flags().BoolVar(&decrypt, "decrypt", false, "Store keys unwrapped instead")
	cmd.Flags().IntVar(&limit, "limit", 0, "Stop after this many identities (0 = all)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 100, "Identities per batch")
	return cmd
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func colorize(colors map[string]*color.Color, value string) string {
	if c, ok := colors[value]; ok {
		return c.Sprint(value)
	}
	return value
}

func keyIDOf(identity *db.Identity) string {
	if identity.KeyID == nil || *identity.KeyID == "" {
		return "(unwrapped)"
	}
	return *identity.KeyID
}

func lastSeenOf(worker *db.Worker) string {
	if worker.LastSeen == nil {
		return "never"
	}
	return worker.LastSeen.UTC().Format(time.RFC3339)
}

func stringOrDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
