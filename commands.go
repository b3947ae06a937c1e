package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"docflow/internal/auth"
	"docflow/internal/config"
	"docflow/internal/documents"
	"docflow/internal/extract"
	"docflow/internal/lifecycle"
	"docflow/internal/logger"
	"docflow/internal/models"
	"docflow/internal/objectstore"
	"docflow/internal/ocr"
	"docflow/internal/redis"
	"docflow/internal/service/ingest"
	"docflow/internal/storage"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// app holds the resources shared by the commands.
type app struct {
	cfg       *config.Config
	log       *zap.Logger
	db        *sql.DB
	redis     *redis.Client
	lifecycle *lifecycle.Manager
}

func openApp(cmd *cobra.Command) (*app, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	if cfgPath == "" {
		cfgPath = os.Getenv("DOCFLOW_CONFIG")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.BasicConfig.LogFile, cfg.BasicConfig.DevMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	dbType, _ := cmd.Flags().GetString("db")
	if dbType == "" {
		dbType = os.Getenv("DOCFLOW_DB")
	}
	if dbType == "" {
		dbType = "sqlite3"
	}
	if dsn := cfg.Databases[dbType].DSN; dsn != "" && dsn != ":memory:" && dbType != "mysql" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	log.Info("opening database", zap.String("driver", dbType))
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Create necessary tables: users, tokens, documents, conversations, messages
	if err := storage.Migrate(db, dbType); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	a := &app{cfg: cfg, log: log, db: db}
	if cfg.Redis.Enabled {
		rdb, err := redis.NewRedisClient(cfg)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("create redis client: %w", err)
		}
		a.redis = rdb
	}
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	_ = a.log.Sync()
}

// ingestService wires the object store, scratch lifecycle and extractors.
// The returned LocalStore is nil unless the local backend is in use.
func (a *app) ingestService(ctx context.Context, opts ...ingest.Option) (*ingest.Service, *objectstore.LocalStore, error) {
	cfg := a.cfg
	store, err := objectstore.New(ctx, cfg.ObjectStore)
	if err != nil {
		return nil, nil, fmt.Errorf("open object store: %w", err)
	}
	lc, err := lifecycle.NewManager(store, cfg.BasicConfig.ScratchDir,
		time.Duration(cfg.BasicConfig.StorageTimeoutSeconds)*time.Second, logger.Module(a.log, "lifecycle"))
	if err != nil {
		return nil, nil, err
	}
	a.lifecycle = lc

	var engine ocr.Engine
	if cfg.OCR.Endpoint != "" {
		engine = ocr.NewHTTPEngine(cfg.OCR.Endpoint, cfg.OCR.Language, time.Duration(cfg.OCR.TimeoutSeconds)*time.Second)
	}
	dispatcher, err := extract.NewDefault(ctx, engine, cfg.OCR.FilterWords, cfg.OCR.MinConfidence,
		extract.WithTimeout(time.Duration(cfg.BasicConfig.ExtractTimeoutSeconds)*time.Second),
		extract.WithLogger(logger.Module(a.log, "extract")))
	if err != nil {
		return nil, nil, fmt.Errorf("init extractors: %w", err)
	}

	opts = append([]ingest.Option{
		ingest.WithMaxBytes(int64(cfg.BasicConfig.MaxUploadMB) << 20),
		ingest.WithLogger(logger.Module(a.log, "ingest")),
	}, opts...)
	svc := ingest.NewService(lc, dispatcher, documents.NewRepository(a.db), opts...)

	local, _ := store.(*objectstore.LocalStore)
	return svc, local, nil
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
		return nil
	},
}

var extractCmd = &cobra.Command{
	Use:   "extract <file>",
	Short: "Extract text from a local file",
	Long: `Extract text from a local file with the same extractors the server uses.

Examples:
  docflow extract ./report.pdf
  docflow extract ./scan.png --json
  docflow extract ./notes --type text/markdown`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		st, err := os.Stat(path)
		if err != nil {
			return err
		}
		if st.IsDir() {
			return fmt.Errorf("%s is a directory", path)
		}
		contentType, _ := cmd.Flags().GetString("type")
		if contentType == "" {
			detected, err := mimetype.DetectFile(path)
			if err != nil {
				return fmt.Errorf("detect type: %w", err)
			}
			contentType = detected.String()
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		svc, _, err := a.ingestService(cmd.Context())
		if err != nil {
			return err
		}
		res, err := svc.ExtractFile(cmd.Context(), path, filepath.Base(path), contentType, st.Size())
		if err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"filename":       filepath.Base(path),
				"fileType":       contentType,
				"fileSize":       st.Size(),
				"kind":           res.Kind.String(),
				"extractedText":  res.Text,
				"wordCount":      len(strings.Fields(res.Text)),
				"processingTime": res.Duration.Milliseconds(),
				"metadata":       res.Metadata,
			})
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.Text)
		if res.Metadata.Fallback {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: extraction fell back (%s)\n", res.Metadata.FallbackReason)
		}
		return nil
	},
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage accounts",
}

var userApproveCmd = &cobra.Command{
	Use:   "approve <email>",
	Short: "Approve an account, optionally granting admin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		admin, _ := cmd.Flags().GetBool("admin")
		return setUserStatus(cmd, args[0], models.StatusApproved, admin)
	},
}

var userRejectCmd = &cobra.Command{
	Use:   "reject <email>",
	Short: "Reject an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setUserStatus(cmd, args[0], models.StatusRejected, false)
	},
}

func setUserStatus(cmd *cobra.Command, email string, status models.UserStatus, admin bool) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()
	svc := auth.NewService(a.db, a.redis, time.Duration(a.cfg.BasicConfig.TokenTTLHours)*time.Hour,
		auth.WithLogger(logger.Module(a.log, "auth")))
	user, err := svc.UserByEmail(ctx, email)
	if errors.Is(err, auth.ErrUserNotFound) {
		return fmt.Errorf("no account for %s", email)
	}
	if err != nil {
		return err
	}
	if err := svc.SetStatus(ctx, user.ID, status); err != nil {
		return err
	}
	if admin {
		if err := svc.SetAdmin(ctx, user.ID, true); err != nil {
			return err
		}
	}
	if status != models.StatusApproved {
		if err := svc.RevokeUserTokens(ctx, user.ID); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", user.Email, status)
	return nil
}

var sealCmd = &cobra.Command{
	Use:   "seal <value>",
	Short: "Encrypt a secret for use in config.json",
	Long: `Encrypt a secret with the key in $DOCFLOW_CONFIG_KEY. The printed
"enc:" value can replace a plain secret in config.json.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.NewSecretCipherFromEnv()
		if err != nil {
			return err
		}
		sealed, err := c.Seal(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), sealed)
		return nil
	},
}

func init() {
	extractCmd.Flags().String("type", "", "content type to dispatch on (detected when empty)")
	extractCmd.Flags().Bool("json", false, "print the result as JSON")
	userApproveCmd.Flags().Bool("admin", false, "also grant admin")
	userCmd.AddCommand(userApproveCmd, userRejectCmd)
}
