package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"quicktasker/internal/app"
	"quicktasker/internal/config"
	"quicktasker/internal/db"
	"quicktasker/internal/domain"
	"quicktasker/internal/engine"
	"quicktasker/internal/payment"
	"quicktasker/internal/repo"
	"quicktasker/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "qt",
	Short: "QuickTasker CLI",
	Long: `QuickTasker is a micro-task marketplace backed by a coin ledger.
Buyers purchase coins and post tasks; the full task cost is reserved up
front. Workers submit work against open tasks; approving a submission pays
the worker, rejecting it reopens the slot. Workers cash out through
withdrawals. Every coin movement is a single atomic transition recorded in
the event log ('qt log tail').`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("QUICKTASKER")
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(submissionCmd())
	rootCmd.AddCommand(purchaseCmd())
	rootCmd.AddCommand(withdrawalCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfgRoot := &cobra.Command{Use: "config", Short: "Manage marketplace config"}
	cfgRoot.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default quicktasker.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfgRoot.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	return cfgRoot
}

func accountCmd() *cobra.Command {
	acc := &cobra.Command{Use: "account", Short: "Manage accounts"}
	acc.AddCommand(accountRegisterCmd())
	acc.AddCommand(accountShowCmd())
	acc.AddCommand(accountListCmd())
	acc.AddCommand(accountDeleteCmd())
	return acc
}

func accountRegisterCmd() *cobra.Command {
	var email, name, role string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an account (idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RegisterAccount(ctx, engine.AccountCreateOptions{Email: email, Name: name, Role: role})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", domain.RoleWorker, "buyer, worker or admin")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func accountShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <email>",
		Short: "Show an account and its coin balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetBalance(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func accountListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAccounts(ctx, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Email", "Name", "Role", "Coins"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.Email, a.Name, a.Role, a.AvailableCoins})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role filter")
	return cmd
}

func accountDeleteCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "delete <email>",
		Short: "Delete an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveAccount(ctx, args[0], actor)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "removing admin email")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskRemoveCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var buyer, title, detail, submissionInfo, deadline string
	var workers, payable int64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Post a task and reserve its coin cost",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
					BuyerEmail:      buyer,
					Title:           title,
					Detail:          detail,
					SubmissionInfo:  submissionInfo,
					RequiredWorkers: workers,
					PayableAmount:   payable,
					Deadline:        deadline,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&buyer, "buyer", "", "buyer email")
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&detail, "detail", "", "task detail")
	cmd.Flags().StringVar(&submissionInfo, "submission-info", "", "what workers must submit")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (RFC3339)")
	cmd.Flags().Int64Var(&workers, "workers", 1, "required workers")
	cmd.Flags().Int64Var(&payable, "payable", 1, "coins per approved submission")
	_ = cmd.MarkFlagRequired("buyer")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tasks, err := r.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Buyer", "Slots", "Payable"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.BuyerEmail, t.RequiredWorkers, t.PayableAmount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.BuyerEmail, "buyer", "", "buyer filter")
	cmd.Flags().BoolVar(&f.OpenOnly, "open", false, "only tasks with remaining slots")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskRemoveCmd() *cobra.Command {
	var requester string
	var noRefund bool
	cmd := &cobra.Command{
		Use:   "remove <task-id>",
		Short: "Remove a task and refund the unconsumed reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				refunded, err := e.RemoveTask(ctx, engine.TaskRemoveOptions{
					TaskID:         args[0],
					RequesterEmail: requester,
					Refund:         !noRefund,
				})
				if err != nil {
					return err
				}
				fmt.Printf("removed %s, refunded %d coins\n", args[0], refunded)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&requester, "requester", "", "buyer email requesting removal")
	cmd.Flags().BoolVar(&noRefund, "no-refund", false, "remove without refunding (admin)")
	return cmd
}

func submissionCmd() *cobra.Command {
	sub := &cobra.Command{Use: "submission", Short: "Manage submissions"}
	sub.AddCommand(submissionCreateCmd())
	sub.AddCommand(submissionListCmd())
	sub.AddCommand(submissionReviewCmd("approve", "Approve a submission and pay the worker", true))
	sub.AddCommand(submissionReviewCmd("reject", "Reject a submission and reopen the slot", false))
	return sub
}

func submissionCreateCmd() *cobra.Command {
	var taskID, worker, detail string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit work against a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateSubmission(ctx, engine.SubmissionCreateOptions{
					TaskID:      taskID,
					WorkerEmail: worker,
					Detail:      detail,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	cmd.Flags().StringVar(&worker, "worker", "", "worker email")
	cmd.Flags().StringVar(&detail, "detail", "", "submission detail")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func submissionListCmd() *cobra.Command {
	var f repo.SubmissionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSubmissions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "Worker", "Coins", "Status"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.TaskTitle, s.WorkerEmail, s.PayableAmount, s.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	cmd.Flags().StringVar(&f.WorkerEmail, "worker", "", "worker filter")
	cmd.Flags().StringVar(&f.BuyerEmail, "buyer", "", "buyer filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func submissionReviewCmd(use, short string, approve bool) *cobra.Command {
	var submissionID, taskID, worker, actor string
	var payable int64
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.ReviewOptions{
					SubmissionID:  submissionID,
					TaskID:        taskID,
					WorkerEmail:   worker,
					PayableAmount: payable,
					ActorEmail:    actor,
				}
				var s domain.Submission
				var err error
				if approve {
					s, err = e.ApproveSubmission(ctx, opts)
				} else {
					s, err = e.RejectSubmission(ctx, opts)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&submissionID, "id", "", "submission id")
	cmd.Flags().StringVar(&taskID, "task", "", "task id (with --worker, when --id is unknown)")
	cmd.Flags().StringVar(&worker, "worker", "", "worker email")
	cmd.Flags().StringVar(&actor, "actor", "", "reviewing buyer email")
	cmd.Flags().Int64Var(&payable, "payable", 0, "cross-check coins to pay")
	return cmd
}

func purchaseCmd() *cobra.Command {
	p := &cobra.Command{Use: "purchase", Short: "Coin purchases"}
	p.AddCommand(purchaseIntentCmd())
	p.AddCommand(purchaseOrderCmd())
	p.AddCommand(purchaseSettleCmd())
	p.AddCommand(purchaseListCmd())
	return p
}

func paymentProvider() payment.Provider {
	secret := os.Getenv("QUICKTASKER_PAYMENT_SECRET")
	if secret == "" {
		secret = "dev-payment-secret"
	}
	return payment.NewLocal(secret)
}

func purchaseIntentCmd() *cobra.Command {
	var buyer string
	var cents int64
	cmd := &cobra.Command{
		Use:   "intent",
		Short: "Create a payment confirmation token",
		RunE: func(cmd *cobra.Command, args []string) error {
			intent, err := paymentProvider().CreateIntent(buyer, cents)
			if err != nil {
				return err
			}
			return printJSONOrTable(intent)
		},
	}
	cmd.Flags().StringVar(&buyer, "buyer", "", "buyer email")
	cmd.Flags().Int64Var(&cents, "amount-cents", 0, "payment amount in cents")
	_ = cmd.MarkFlagRequired("buyer")
	_ = cmd.MarkFlagRequired("amount-cents")
	return cmd
}

func purchaseOrderCmd() *cobra.Command {
	var buyer, token string
	var coins, cents int64
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Record a verified coin purchase",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := paymentProvider().Verify(buyer, cents, token); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.CreatePurchaseOrder(ctx, engine.OrderCreateOptions{
					BuyerEmail:  buyer,
					Coins:       coins,
					AmountCents: cents,
					PaymentRef:  token,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&buyer, "buyer", "", "buyer email")
	cmd.Flags().StringVar(&token, "token", "", "payment confirmation token")
	cmd.Flags().Int64Var(&coins, "coins", 0, "coins purchased")
	cmd.Flags().Int64Var(&cents, "amount-cents", 0, "payment amount in cents")
	_ = cmd.MarkFlagRequired("buyer")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("coins")
	_ = cmd.MarkFlagRequired("amount-cents")
	return cmd
}

func purchaseSettleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settle <order-id>",
		Short: "Settle an order and credit the coins (idempotent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.SettlePurchase(ctx, args[0], "")
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	return cmd
}

func purchaseListCmd() *cobra.Command {
	var buyer string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListOrders(ctx, buyer, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Buyer", "Coins", "Cents", "Settled"})
				for _, o := range items {
					tw.AppendRow(table.Row{o.ID, o.BuyerEmail, o.Coins, o.AmountCents, o.Settled})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&buyer, "buyer", "", "buyer filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func withdrawalCmd() *cobra.Command {
	w := &cobra.Command{Use: "withdrawal", Short: "Coin payouts"}
	w.AddCommand(withdrawalRequestCmd())
	w.AddCommand(withdrawalListCmd())
	w.AddCommand(withdrawalSettleCmd())
	return w
}

func withdrawalRequestCmd() *cobra.Command {
	var worker, accountInfo string
	var coins int64
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request a payout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.RequestWithdrawal(ctx, engine.WithdrawalCreateOptions{
					WorkerEmail: worker,
					Coins:       coins,
					AccountInfo: accountInfo,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&worker, "worker", "", "worker email")
	cmd.Flags().Int64Var(&coins, "coins", 0, "coins to withdraw")
	cmd.Flags().StringVar(&accountInfo, "account-info", "", "payout destination")
	_ = cmd.MarkFlagRequired("worker")
	_ = cmd.MarkFlagRequired("coins")
	return cmd
}

func withdrawalListCmd() *cobra.Command {
	var f repo.WithdrawalFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List withdrawals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListWithdrawals(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Worker", "Coins", "Status"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.WorkerEmail, w.Coins, w.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.WorkerEmail, "worker", "", "worker filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func withdrawalSettleCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "settle <withdrawal-id>",
		Short: "Approve a withdrawal and debit the coins",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.SettleWithdrawal(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "settling admin email")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var email, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key (shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, raw, err := e.MintAPIKey(ctx, email, name)
				if err != nil {
					return err
				}
				fmt.Printf("id: %s\nkey: %s\n", key.ID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, email)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of every ledger movement: registrations, reservations, payouts, settlements.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorEmail})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, eng, err := app.Bootstrap(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			authCfg := server.AuthConfig{
				JWTSecret:     os.Getenv("QUICKTASKER_JWT_SECRET"),
				AllowDevLogin: devLogin,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("QUICKTASKER_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   eng,
				Payments: paymentProvider(),
				BasePath: basePath,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving QuickTasker API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose the dev token endpoint")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, eng, err := app.Bootstrap(ctx, workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, eng)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, eng, err := app.Bootstrap(ctx, workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, eng.Repo)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
