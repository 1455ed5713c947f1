package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dropDatabas3/credgate/internal/app"
	"github.com/dropDatabas3/credgate/internal/config"
	"github.com/dropDatabas3/credgate/internal/jwt"
	"github.com/dropDatabas3/credgate/internal/observability/logger"
	"github.com/dropDatabas3/credgate/internal/refresh"
)

type cli struct {
	configPath string
	envFile    string
	out        string
	verbose    bool
	timeout    time.Duration

	cfg *config.Config
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:          "credgatectl",
		Short:        "CLI de operación de credgate (claves de firma y refresh tokens)",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if c.envFile != "" {
				_ = godotenv.Load(c.envFile)
			}
			if c.verbose {
				logger.Replace(zap.Must(zap.NewDevelopment()))
			} else {
				logger.Replace(zap.NewNop())
			}
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", os.Getenv("CONFIG_PATH"), "ruta a config.yaml (env CONFIG_PATH)")
	root.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "ruta a .env")
	root.PersistentFlags().StringVar(&c.out, "out", "text", "formato de salida: json|text")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "logs a stderr")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 2*time.Minute, "timeout de la operación")

	root.AddCommand(c.keysCmd(), c.refreshCmd())
	return root
}

func (c *cli) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), c.timeout)
}

func (c *cli) print(cmd *cobra.Command, v any, text string) error {
	if c.out == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), text)
	return err
}

// ─── keys ───

func (c *cli) keysCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Claves de firma persistidas en keys.dir",
	}

	openRing := func(cmd *cobra.Command) (*jwt.KeyRing, context.Context, context.CancelFunc, error) {
		if c.cfg.Keys.Dir == "" {
			return nil, nil, nil, errors.New("keys.dir (SIGNING_KEYS_DIR) es requerido")
		}
		ctx, cancel := c.context(cmd)
		ring, err := app.OpenKeyRing(ctx, c.cfg)
		if err != nil {
			cancel()
			return nil, nil, nil, err
		}
		return ring, ctx, cancel, nil
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Lista la clave actual y la anterior",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ring, _, cancel, err := openRing(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			return c.printKeys(cmd, ring)
		},
	}

	rotate := &cobra.Command{
		Use:   "rotate",
		Short: "Genera una clave nueva; la actual pasa a anterior y la anterior se descarta",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ring, ctx, cancel, err := openRing(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			if err := ring.Rotate(ctx); err != nil {
				return err
			}
			return c.printKeys(cmd, ring)
		},
	}

	jwks := &cobra.Command{
		Use:   "jwks",
		Short: "Imprime el JWKS publicado",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ring, _, cancel, err := openRing(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(ring.JWKS())
		},
	}

	keys.AddCommand(list, rotate, jwks)
	return keys
}

type keyView struct {
	KID       string    `json:"kid"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

func (c *cli) printKeys(cmd *cobra.Command, ring *jwt.KeyRing) error {
	cur := ring.Current()
	views := []keyView{{KID: cur.KID, Role: "current", CreatedAt: cur.CreatedAt}}
	text := fmt.Sprintf("current   %s  %s", cur.KID, cur.CreatedAt.Format(time.RFC3339))
	for _, pk := range ring.PublicMaterial() {
		if pk.KID == cur.KID {
			continue
		}
		views = append(views, keyView{KID: pk.KID, Role: "previous"})
		text += fmt.Sprintf("\nprevious  %s", pk.KID)
	}
	return c.print(cmd, views, text)
}

// ─── refresh ───

func (c *cli) refreshCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Mantenimiento del almacén de refresh tokens",
	}

	withStore := func(cmd *cobra.Command, fn func(ctx context.Context, s *refresh.Store) error) error {
		if c.cfg.Refresh.Driver == "memory" {
			return errors.New("refresh.driver=memory no tiene estado fuera del proceso del servidor")
		}
		ctx, cancel := c.context(cmd)
		defer cancel()

		var rdb redis.UniversalClient
		if c.cfg.Refresh.Driver == "redis" {
			rdb = app.NewRedisClient(c.cfg)
			defer rdb.Close()
		}
		backend, _, err := app.OpenRefreshBackend(ctx, c.cfg, rdb)
		if err != nil {
			return err
		}
		store := refresh.NewStore(backend, refresh.WithDefaultTTL(c.cfg.RefreshTTL()))
		defer store.Close()
		return fn(ctx, store)
	}

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Elimina refresh tokens expirados",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, s *refresh.Store) error {
				n, err := s.SweepExpired(ctx)
				if err != nil {
					return err
				}
				return c.print(cmd, map[string]int{"swept": n}, fmt.Sprintf("swept=%d", n))
			})
		},
	}

	revokeSubject := &cobra.Command{
		Use:   "revoke-subject <subject-id>",
		Short: "Revoca todos los refresh tokens de un sujeto",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, s *refresh.Store) error {
				n, err := s.RevokeAllForSubject(ctx, args[0])
				if err != nil {
					return err
				}
				return c.print(cmd, map[string]any{"subject": args[0], "revoked": n},
					fmt.Sprintf("subject=%s revoked=%d", args[0], n))
			})
		},
	}

	cmd.AddCommand(sweep, revokeSubject)
	return cmd
}
