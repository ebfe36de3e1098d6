package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/evalcard/internal/evaluation"
	"github.com/pavelanni/evalcard/internal/handler"
	appI18n "github.com/pavelanni/evalcard/internal/i18n"
	"github.com/pavelanni/evalcard/internal/llm"
	"github.com/pavelanni/evalcard/internal/llm/prompts"
	"github.com/pavelanni/evalcard/internal/model"
	"github.com/pavelanni/evalcard/internal/seed"
	"github.com/pavelanni/evalcard/internal/store"
)

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "evalcard",
		Short: "Rubric-based evaluation cards for team projects",
	}

	serve := serveCmd()
	root.AddCommand(serve, importCmd(), exportCmd(), reconcileCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `evalcard --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addStoreFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db", "evalcard.db", "Database DSN (SQLite path or Postgres URL)")
	f.String("db-driver", string(store.DriverSQLite), "Database driver (sqlite, postgres)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func addPolicyFlags(cmd *cobra.Command) {
	def := model.DefaultPolicy()
	f := cmd.Flags()
	f.Float64("phase-pass-threshold", def.PhasePassThreshold, "Percentage a phase needs to pass")
	f.IntSlice("percentage-band", def.PercentageBand, "Allowed achievement percentages")
	f.StringSlice("grade-bands", []string{
		formatFloat(def.Grades.Excellent),
		formatFloat(def.Grades.VeryGood),
		formatFloat(def.Grades.Good),
		formatFloat(def.Grades.Acceptable),
	}, "Lower bounds for excellent, very good, good and acceptable")
	f.Int("team-score-cap", def.TeamScoreCap, "Maximum combined score of a team project")
	f.Int("individual-score-cap", def.IndividualScoreCap, "Maximum score of an individual project")
	f.StringSlice("team-roles", def.TeamRoles, "Roles a team member can hold")
	f.IntSlice("level-thresholds", def.LevelThresholds, "Cumulative points needed for each level")
	f.Bool("reopen-group-on-retry", def.ReopenGroupOnRetry, "Allow a new group attempt after a retry is granted")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP evaluation server",
		RunE:  runServe,
	}
	addStoreFlags(cmd)
	addPolicyFlags(cmd)
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringP("lang", "l", "en", "Default language (en, es)")
	f.StringSlice("cors-origins", nil, "Allowed CORS origins (empty disables CORS)")
	f.Bool("secure-cookies", true, "Set Secure flag on session cookies")
	f.String("jwt-secret", "", "HS256 secret for bearer tokens, at least 32 bytes (empty disables tokens)")
	f.Duration("token-ttl", 12*time.Hour, "Bearer token lifetime")
	f.String("admin-password", "", "Initial admin password (or set EVALCARD_ADMIN_PASSWORD)")
	f.String("llm-url", "", "OpenAI-compatible API base URL (empty disables feedback drafting)")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.String("feedback-style", string(prompts.StyleStandard), "Feedback style (concise, standard, detailed)")
	f.Duration("session-cleanup", time.Hour, "Interval for purging expired sessions (0 disables)")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import users, projects, teams and rubrics from seed files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	addStoreFlags(cmd)
	addPolicyFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the latest final evaluations as JSON",
		RunE:  runExport,
	}
	addStoreFlags(cmd)
	f := cmd.Flags()
	f.Int64("project-id", 0, "Limit the export to one project (0 = all)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	return cmd
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile-awards",
		Short: "Apply point awards that are missing for passed final evaluations",
		RunE:  runReconcile,
	}
	addStoreFlags(cmd)
	addPolicyFlags(cmd)
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("EVALCARD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("evalcard")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/evalcard")
	v.AddConfigPath("/etc/evalcard")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// policyFromViper reads the policy flags and validates the result.
func policyFromViper(v *viper.Viper) (model.Policy, error) {
	p := model.DefaultPolicy()
	if v.IsSet("phase-pass-threshold") {
		p.PhasePassThreshold = v.GetFloat64("phase-pass-threshold")
	}
	if band := v.GetIntSlice("percentage-band"); len(band) > 0 {
		p.PercentageBand = band
	}
	if raw := v.GetStringSlice("grade-bands"); len(raw) > 0 {
		if len(raw) != 4 {
			return p, fmt.Errorf("grade-bands: expected 4 values, got %d", len(raw))
		}
		var bounds [4]float64
		for i, s := range raw {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return p, fmt.Errorf("grade-bands: %w", err)
			}
			bounds[i] = f
		}
		p.Grades = model.GradeBands{Excellent: bounds[0], VeryGood: bounds[1], Good: bounds[2], Acceptable: bounds[3]}
	}
	if v.IsSet("team-score-cap") {
		p.TeamScoreCap = v.GetInt("team-score-cap")
	}
	if v.IsSet("individual-score-cap") {
		p.IndividualScoreCap = v.GetInt("individual-score-cap")
	}
	if roles := v.GetStringSlice("team-roles"); len(roles) > 0 {
		p.TeamRoles = roles
	}
	if levels := v.GetIntSlice("level-thresholds"); len(levels) > 0 {
		p.LevelThresholds = levels
	}
	p.ReopenGroupOnRetry = v.GetBool("reopen-group-on-retry")

	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("invalid policy: %w", err)
	}
	return p, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func openStore(ctx context.Context, v *viper.Viper) (*store.Store, error) {
	db, err := store.Open(ctx, store.Driver(v.GetString("db-driver")), v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	policy, err := policyFromViper(v)
	if err != nil {
		return err
	}

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	// Seed default admin user if no users exist.
	if err := seedAdmin(ctx, db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	svc := evaluation.New(db, policy, nil)

	if url := v.GetString("llm-url"); url != "" {
		style := strings.ToLower(strings.TrimSpace(v.GetString("feedback-style")))
		if !prompts.IsValidStyle(style) {
			slog.Warn("invalid feedback-style, using standard", "style", style)
			style = string(prompts.StyleStandard)
		}
		llmClient, err := llm.New(url, v.GetString("llm-key"), v.GetString("llm-model"), style)
		if err != nil {
			return fmt.Errorf("create LLM client: %w", err)
		}
		if err := llmClient.Ping(ctx); err != nil {
			return fmt.Errorf("LLM health check: %w", err)
		}
		svc.SetDrafter(llmClient)
		slog.Info("LLM endpoint OK", "url", url, "model", llmClient.ModelName(), "style", style)
	} else {
		slog.Info("feedback drafting disabled")
	}

	h, err := handler.New(db, svc, handler.Config{
		SecureCookies: v.GetBool("secure-cookies"),
		JWTSecret:     []byte(v.GetString("jwt-secret")),
		TokenTTL:      v.GetDuration("token-ttl"),
	})
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if origins := v.GetStringSlice("cors-origins"); len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "Accept-Language"},
			ExposedHeaders:   []string{"Content-Language"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	if every := v.GetDuration("session-cleanup"); every > 0 {
		go cleanupSessions(ctx, db, every)
	}

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown", "error", err)
		}
	}()

	slog.Info("starting server",
		"addr", addr,
		"db_driver", v.GetString("db-driver"),
		"lang", lang,
		"phase_pass_threshold", policy.PhasePassThreshold,
		"team_roles", policy.TeamRoles,
		"reopen_group_on_retry", policy.ReopenGroupOnRetry,
		"bearer_tokens", v.GetString("jwt-secret") != "",
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("server stopped")
	return nil
}

func cleanupSessions(ctx context.Context, db *store.Store, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := db.CleanupExpiredSessions(ctx); err != nil {
				slog.Warn("cleanup expired sessions", "error", err)
			}
		}
	}
}

// adminContext returns ctx carrying the principal of the first active admin.
// Command-line operations act on that admin's behalf.
func adminContext(ctx context.Context, db *store.Store) (context.Context, error) {
	users, err := db.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	for _, u := range users {
		if u.Role == model.UserRoleAdmin && u.Active {
			return model.ContextWithPrincipal(ctx, model.Principal{UserID: u.ID, Role: u.Role}), nil
		}
	}
	return nil, errors.New("no active admin user: start the server once with --admin-password")
}

func runImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	policy, err := policyFromViper(v)
	if err != nil {
		return err
	}
	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, err = adminContext(ctx, db)
	if err != nil {
		return err
	}
	importer := seed.NewImporter(db, evaluation.New(db, policy, nil))

	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		res, err := importer.Import(ctx, path, data)
		if err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
		if res.Skipped {
			slog.Info("seed file unchanged, skipping", "path", path)
			continue
		}
		for _, m := range res.UnknownMembers {
			slog.Warn("team member not imported", "path", path, "member", m)
		}
		for _, ri := range res.RubricsInUse {
			slog.Warn("rubric already used by attempts, kept", "path", path, "rubric", ri)
		}
		slog.Info("imported seed file",
			"path", path,
			"users_created", res.UsersCreated,
			"projects", res.Projects,
			"teams", res.Teams,
			"rubrics", res.Rubrics,
		)
	}
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	projectID := v.GetInt64("project-id")
	results, err := db.ExportLatestFinals(ctx, projectID)
	if err != nil {
		return fmt.Errorf("export finals: %w", err)
	}

	export := model.EvaluationExport{
		ExportedAt: time.Now().UTC(),
		ProjectID:  projectID,
		Results:    results,
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)
	return nil
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	policy, err := policyFromViper(v)
	if err != nil {
		return err
	}
	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, err = adminContext(ctx, db)
	if err != nil {
		return err
	}
	n, err := evaluation.New(db, policy, nil).ReconcileAwards(ctx)
	slog.Info("reconciled awards", "awarded", n)
	if err != nil {
		return fmt.Errorf("reconcile awards: %w", err)
	}
	return nil
}

func seedAdmin(ctx context.Context, db *store.Store, password string) error {
	count, err := db.UserCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or EVALCARD_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateUser(ctx, model.User{
		Username:     "admin",
		DisplayName:  "Administrator",
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "username", "admin")
	return nil
}
