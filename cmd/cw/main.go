package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"civicwater/internal/app"
	"civicwater/internal/config"
	"civicwater/internal/db"
	"civicwater/internal/domain"
	"civicwater/internal/engine"
	"civicwater/internal/fixtures"
	"civicwater/internal/logging"
	"civicwater/internal/login"
	"civicwater/internal/migrate"
	"civicwater/internal/repo"
	"civicwater/internal/server"
	"civicwater/internal/trackid"
)

var rootCmd = &cobra.Command{
	Use:   "cw",
	Short: "Civic Water portal CLI",
	Long: `cw runs and administers the municipal water portal.
- Records: connection applications (APP, WNC) and grievances (GRV), each with a staged timeline.
- Tracking: look a record up by its identifier; progress is completed stages over total stages.
- Officers advance stages and change status; citizens log in with a one-time code.
- Billing: meter readings feed bills, and each paid bill has a receipt.
- Workspace: a directory holding civicwater.db, civicwater.yml and uploaded files.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CIVICWATER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/civicwater.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-officer", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	rootCmd.PersistentFlags().String("log-format", "", "json or console (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(trackCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(billCmd())
	rootCmd.AddCommand(readingCmd())
	rootCmd.AddCommand(connectionsCmd())
	rootCmd.AddCommand(formsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var seed bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt_secret")
			if secret == "" {
				return fmt.Errorf("CIVICWATER_JWT_SECRET is required for citizen sessions")
			}
			ctx := cmd.Context()
			ac, err := app.Open(ctx, appOptions(secret, seed))
			if err != nil {
				return err
			}
			defer ac.Close()
			handler, err := server.New(server.Config{
				Engine:   ac.Engine,
				Tracking: ac.Tracking,
				Login:    ac.Login,
				BasePath: basePath,
				Log:      ac.Log,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := ac.RunBackground(ctx); err != nil {
					ac.Log.Error().Err(err).Msg("background workers stopped")
				}
			}()
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			ac.Log.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving portal API")
			fmt.Printf("Serving Civic Water API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&seed, "seed", false, "load demo records into an empty workspace")
	return cmd
}

func trackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "track <id>",
		Short: "Show a record's status and timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				res, err := ac.Tracking.Track(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				rec := res.Record
				fmt.Printf("%s  %s  %s (%.0f%%)\n", rec.ID, rec.Category, rec.Status.Label(), res.Progress*100)
				if rec.Overdue {
					fmt.Println("overdue: right-to-service deadline passed")
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Stage", "State", "At", "Officer", "Note"})
				for i, st := range rec.Timeline {
					tw.AppendRow(table.Row{i + 1, st.Label, st.State, st.At, st.Officer, st.Note})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load the demo directory and records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				n, err := fixtures.Seed(ctx, ac.DB)
				if err != nil {
					return err
				}
				fmt.Printf("seeded %d records\n", n)
				return nil
			})
		},
	}
}

func recordCmd() *cobra.Command {
	rec := &cobra.Command{
		Use:   "record",
		Short: "Inspect and progress records",
	}
	rec.AddCommand(recordListCmd())
	rec.AddCommand(recordAdvanceCmd())
	rec.AddCommand(recordStatusCmd())
	return rec
}

func recordListCmd() *cobra.Command {
	var f repo.RecordFilter
	var family, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Family = trackid.Family(strings.ToUpper(family))
			if status != "" {
				st, err := domain.ParseStatus(status)
				if err != nil {
					return err
				}
				f.Status = st
			}
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				recs, err := ac.Engine.Records(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				printRecords(recs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&family, "family", "", "APP, WNC or GRV")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Mobile, "mobile", "", "applicant mobile")
	cmd.Flags().StringVar(&f.ConsumerNumber, "consumer", "", "consumer number")
	cmd.Flags().BoolVar(&f.OpenOnly, "open", false, "skip closed records")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max records")
	return cmd
}

func recordAdvanceCmd() *cobra.Command {
	var officer, note string
	cmd := &cobra.Command{
		Use:   "advance <id>",
		Short: "Complete the current stage and start the next",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				id, err := trackid.Parse(args[0])
				if err != nil {
					return err
				}
				rec, err := ac.Engine.AdvanceStage(ctx, id.String(), officer, note, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrSummary(rec)
			})
		},
	}
	cmd.Flags().StringVar(&officer, "officer", "", "officer handling the stage")
	cmd.Flags().StringVar(&note, "note", "", "stage note")
	return cmd
}

func recordStatusCmd() *cobra.Command {
	var resolution string
	var force bool
	cmd := &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Set a record's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				id, err := trackid.Parse(args[0])
				if err != nil {
					return err
				}
				rec, err := ac.Engine.SetStatus(ctx, id.String(), args[1], resolution, viper.GetString("actor-id"), force)
				if err != nil {
					return err
				}
				return printJSONOrSummary(rec)
			})
		},
	}
	cmd.Flags().StringVar(&resolution, "resolution", "", "resolution note")
	cmd.Flags().BoolVar(&force, "force", false, "skip the transition table")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Flag records past their right-to-service deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				n, err := ac.Engine.SweepOverdue(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("flagged %d records\n", n)
				return nil
			})
		},
	}
}

func billCmd() *cobra.Command {
	bill := &cobra.Command{Use: "bill", Short: "Bills, payments and billing calculators"}
	bill.AddCommand(billEstimateCmd())
	bill.AddCommand(billFeeCmd())
	bill.AddCommand(billListCmd())
	bill.AddCommand(billGenerateCmd())
	bill.AddCommand(billPayCmd())
	return bill
}

func billListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <consumer-number>",
		Short: "List a connection's bills",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				bills, err := ac.Engine.Bills(ctx, args[0])
				if err != nil {
					return err
				}
				return printBills(bills)
			})
		},
	}
}

func billGenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate <consumer-number>",
		Short: "Bill a connection's unbilled meter readings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				b, err := ac.Engine.GenerateBill(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printBills([]domain.Bill{b})
			})
		},
	}
}

func billPayCmd() *cobra.Command {
	var method string
	cmd := &cobra.Command{
		Use:   "pay <bill-id>",
		Short: "Record full payment of a bill",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				p, _, err := ac.Engine.PayBill(ctx, args[0], method, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("receipt %s  transaction %s  amount %d\n", p.ReceiptNumber, p.TransactionID, p.Amount)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&method, "method", "upi", strings.Join(engine.PaymentMethods, ", "))
	return cmd
}

func readingCmd() *cobra.Command {
	reading := &cobra.Command{Use: "reading", Short: "Meter readings"}
	reading.AddCommand(&cobra.Command{
		Use:   "submit <consumer-number> <reading>",
		Short: "Submit a meter reading during the monthly window",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("reading must be a whole number: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				m, est, err := ac.Engine.SubmitReading(ctx, args[0], value, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"reading": m, "estimate": est})
				}
				fmt.Printf("%s: %d -> %d (%d units), estimated %d\n", m.ConsumerNumber, m.PreviousReading, m.Reading, m.Consumption, est.Total)
				return nil
			})
		},
	})
	return reading
}

func connectionsCmd() *cobra.Command {
	var propertyID, mobile string
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "List water connections by property or mobile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if propertyID == "" && mobile == "" {
				return errors.New("--property or --mobile required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				ids := []string{propertyID}
				if mobile != "" {
					props, err := ac.Engine.Repo.PropertiesByMobile(ctx, mobile)
					if err != nil {
						return err
					}
					ids = ids[:0]
					for _, p := range props {
						ids = append(ids, p.ID)
					}
				}
				conns, err := ac.Engine.Connections(ctx, ids...)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(conns)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Consumer", "Property", "Category", "Type", "Last reading", "Due"})
				for _, c := range conns {
					tw.AppendRow(table.Row{c.ConsumerNumber, c.PropertyID, c.Category, c.Type, c.LastReading, c.DueAmount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&propertyID, "property", "", "property id")
	cmd.Flags().StringVar(&mobile, "mobile", "", "owner mobile; overrides --property")
	return cmd
}

func billEstimateCmd() *cobra.Command {
	var consumer string
	var previous, current int64
	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate a bill from meter readings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				var prev *int64
				if cmd.Flags().Changed("previous") {
					prev = &previous
				}
				est, err := ac.Engine.EstimateBill(ctx, consumer, prev, current)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(est)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendRows([]table.Row{
					{"Consumption", est.Consumption},
					{"Water charge", est.WaterCharge},
					{"Fixed charge", est.FixedCharge},
					{"Sewerage", est.SewerageCharge},
				})
				tw.AppendFooter(table.Row{"Total", est.Total})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&consumer, "consumer", "", "consumer number for the last reading")
	cmd.Flags().Int64Var(&previous, "previous", 0, "previous reading")
	cmd.Flags().Int64Var(&current, "current", 0, "current reading")
	_ = cmd.MarkFlagRequired("current")
	return cmd
}

func billFeeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fee <pipe-size>",
		Short: "Quote the new connection fee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				fee, err := ac.Engine.ConnectionFee(args[0])
				if err != nil {
					return err
				}
				fmt.Printf("%s: %d\n", args[0], fee)
				return nil
			})
		},
	}
}

func formsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forms",
		Short: "List submission forms",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				defs, err := ac.Engine.Forms()
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(defs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Form", "Family", "Title", "Steps", "Stages"})
				for _, name := range ac.Config.FormNames() {
					d, ok := defs[name]
					if !ok {
						continue
					}
					tw.AppendRow(table.Row{d.Name, d.Family, d.Title, len(d.Steps), len(d.Stages)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect portal config",
		Long:  "Config covers tracking deadlines, OTP rules, forms, billing tariffs, officer roles, notifications and storage. Without civicwater.yml the built-in defaults apply.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var name string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default civicwater.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(name)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "Municipal Water Portal", "portal name")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	m := &cobra.Command{Use: "migrate", Short: "Database schema"}
	m.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			pending, err := migrate.Pending(conn)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("schema up to date")
				return nil
			}
			for _, p := range pending {
				fmt.Printf("pending %04d %s\n", p.Version, p.Name)
			}
			return nil
		},
	})
	m.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Println("schema up to date")
			return nil
		},
	})
	return m
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Officer API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create <actor-id>",
		Short: "Issue an API key; the secret is shown once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				key, secret, err := ac.Engine.CreateAPIKey(ctx, args[0], name)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"id": key.ID, "actorId": key.ActorID, "key": secret})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")

	var actor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				items, err := ac.Engine.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&actor, "actor", "", "only keys for this officer")

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				return ac.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	keys.AddCommand(create, list, revoke)
	return keys
}

func roleCmd() *cobra.Command {
	role := &cobra.Command{Use: "role", Short: "Officer role grants"}
	role.AddCommand(&cobra.Command{
		Use:   "grant <actor-id> <role>",
		Short: "Grant a configured role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				return ac.Engine.GrantRole(ctx, args[0], args[1], viper.GetString("actor-id"))
			})
		},
	})
	role.AddCommand(&cobra.Command{
		Use:   "revoke <actor-id> <role>",
		Short: "Revoke a role grant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				return ac.Engine.Repo.RevokeRole(ctx, nil, args[0], args[1])
			})
		},
	})
	role.AddCommand(&cobra.Command{
		Use:   "list <actor-id>",
		Short: "List an officer's granted roles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				roles, err := ac.Engine.Repo.ActorRoles(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(roles)
			})
		},
	})
	return role
}

func tokenCmd() *cobra.Command {
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <actor-id>",
		Short: "Mint an officer bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt_secret")
			if secret == "" {
				return fmt.Errorf("CIVICWATER_JWT_SECRET is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			for _, r := range roles {
				if _, ok := cfg.Roles[r]; !ok {
					return fmt.Errorf("role %s not configured", r)
				}
			}
			token, exp, err := login.Tokens{Secret: []byte(secret), TTL: ttl}.Officer(args[0], roles)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"token": token, "expiresAt": exp.UTC().Format(time.RFC3339)})
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role to embed (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 8*time.Hour, "token lifetime")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				items, err := ac.Engine.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "At", "Type", "Entity", "Actor"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + "/" + ev.EntityID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	lg.AddCommand(tail)
	return lg
}

// --- helpers ---

func appOptions(secret string, seed bool) app.Options {
	opts := app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		JWTSecret:  secret,
		Seed:       seed,
	}
	level, format := viper.GetString("log-level"), viper.GetString("log-format")
	if level != "" || format != "" {
		log := logging.New(logging.Config{Level: level, Format: format})
		opts.Log = &log
	}
	return opts
}

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	ac, err := app.Open(ctx, appOptions(viper.GetString("jwt_secret"), false))
	if err != nil {
		return err
	}
	defer ac.Close()
	return fn(ctx, ac)
}

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(viper.GetString("workspace"))
}

func printRecords(recs []domain.StatusRecord) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Category", "Applicant", "Status", "Step", "Submitted", "Overdue"})
	for _, r := range recs {
		overdue := ""
		if r.Overdue {
			overdue = "yes"
		}
		tw.AppendRow(table.Row{r.ID, r.Category, r.ApplicantName, r.Status.Label(), fmt.Sprintf("%d/%d", r.CurrentStep, r.TotalSteps), r.SubmittedAt, overdue})
	}
	tw.Render()
}

func printBills(bills []domain.Bill) error {
	if viper.GetBool("json") {
		return printJSON(bills)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Bill", "Consumer", "Period", "Units", "Amount", "Due", "Due date", "Status"})
	for _, b := range bills {
		tw.AppendRow(table.Row{b.ID, b.ConsumerNumber, b.Period, b.Consumption, b.Amount, b.DueAmount, b.DueDate, string(b.Status)})
	}
	tw.Render()
	return nil
}

func printJSONOrSummary(rec domain.StatusRecord) error {
	if viper.GetBool("json") {
		return printJSON(rec)
	}
	printRecords([]domain.StatusRecord{rec})
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
