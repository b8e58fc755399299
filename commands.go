package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"storepulse/internal/api"
	"storepulse/internal/config"
	"storepulse/internal/daterange"
	"storepulse/internal/models"
	"storepulse/internal/realtime"
	"storepulse/internal/rules"
	"storepulse/internal/store"
)

var hundred = decimal.NewFromInt(100)

func watchCommand(ctx context.Context, cfg *config.Config, logger *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	events := fs.String("events", "*", "event types to apply (insert, update, delete, *)")
	filter := fs.String("filter", "", "equality filter, column=op.value")
	columns := fs.String("columns", "", "comma-separated column selection")
	orderBy := fs.String("order-by", "", "ordering column for the initial fetch")
	desc := fs.Bool("desc", false, "descending order")
	limit := fs.Int("limit", 0, "row limit for the initial fetch")
	noFetch := fs.Bool("no-fetch", false, "skip the initial fetch")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("watch requires exactly one <schema.table> argument")
	}
	schema, table := splitTable(fs.Arg(0))

	eventType, err := parseEventType(*events)
	if err != nil {
		return err
	}
	if err := rules.Validate(&cfg.Rules); err != nil {
		return fmt.Errorf("invalid rules config: %w", err)
	}

	client, err := store.Connect(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	engine, err := rules.NewEngine(&cfg.Rules, logger, client.Conn())
	if err != nil {
		return err
	}

	opts := realtime.Options{
		Events:       eventType,
		Filter:       *filter,
		FetchInitial: !*noFetch,
		OrderBy:      *orderBy,
		Descending:   *desc,
		Limit:        *limit,
		PrimaryKey:   cfg.Watch.PrimaryKeys[schema+"."+table],
		OnEvent: func(event models.ChangeEvent) {
			out, err := engine.Apply(&event)
			if err != nil {
				if errors.Is(err, rules.ErrEventRejected) {
					logger.Debugf("Event rejected by rules: %s.%s (%s)", event.Schema, event.Table, event.Type)
					return
				}
				logger.Errorf("Error transforming event: %v", err)
				return
			}
			printJSON(out)
		},
	}
	if *columns != "" {
		opts.Columns = strings.Split(*columns, ",")
	}

	sub, err := realtime.Open(ctx, client, client, schema, table, opts, logger)
	if err != nil {
		return err
	}
	defer sub.Close()

	logger.Infof("Watching %s.%s (%d rows, connected=%v)", schema, table, len(sub.Records()), sub.Connected())

	<-ctx.Done()
	logger.Infof("Stopped watching %s.%s", schema, table)
	return nil
}

func metricsCommand(ctx context.Context, cfg *config.Config, logger *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("metrics", flag.ExitOnError)
	rangeExpr := fs.String("range", "30d", "date range (today, 7d, mtd, ytd, YYYY-MM-DD..YYYY-MM-DD)")
	page := fs.Int("page", 1, "page number")
	pageSize := fs.Int("page-size", 31, "rows per page")
	if err := fs.Parse(args); err != nil {
		return err
	}

	r, err := daterange.Parse(*rangeExpr, time.Now())
	if err != nil {
		return err
	}
	client := api.NewClient(cfg.API, logger)

	summary, err := client.Summary(ctx, r)
	if err != nil {
		return err
	}
	daily, err := client.DailyMetrics(ctx, r, *page, *pageSize)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tREVENUE\tORDERS\tVISITORS\tCONVERSION\tMARGIN")
	for _, m := range daily.Items {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			m.Date, m.Revenue, m.Orders, m.Visitors, m.Conversion, m.GrossMargin)
	}
	w.Flush()

	fmt.Printf("\n%s (%d days): %s %s revenue, %d orders, AOV %s, margin %s, refund rate %s\n",
		r, r.Days(), summary.Revenue, summary.Currency, summary.Orders,
		summary.AvgOrderValue, summary.GrossMargin, summary.RefundRate)
	if daily.Total > len(daily.Items) {
		fmt.Printf("Page %d of %d rows total\n", daily.Page, daily.Total)
	}
	return nil
}

func cohortsCommand(ctx context.Context, cfg *config.Config, logger *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("cohorts", flag.ExitOnError)
	rangeExpr := fs.String("range", "ytd", "date range for cohort selection")
	if err := fs.Parse(args); err != nil {
		return err
	}

	r, err := daterange.Parse(*rangeExpr, time.Now())
	if err != nil {
		return err
	}
	client := api.NewClient(cfg.API, logger)

	cohorts, err := client.Cohorts(ctx, r)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "COHORT\tSIZE\tRETENTION BY MONTH")
	for _, row := range cohorts {
		cells := make([]string, len(row.Retention))
		for i, v := range row.Retention {
			cells[i] = v.Mul(hundred).StringFixed(1) + "%"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", row.Cohort, row.Size, strings.Join(cells, "  "))
	}
	return w.Flush()
}

func accountsCommand(ctx context.Context, cfg *config.Config, logger *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("accounts", flag.ExitOnError)
	page := fs.Int("page", 1, "page number")
	pageSize := fs.Int("page-size", 50, "rows per page")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client := api.NewClient(cfg.API, logger)
	accounts, err := client.Accounts(ctx, *page, *pageSize)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tINSTITUTION\tTYPE\tBALANCE")
	for _, a := range accounts.Items {
		fmt.Fprintf(w, "%s\t%s (...%s)\t%s\t%s\t%s %s\n",
			a.ID, a.Name, a.Mask, a.Institution, a.Type, a.Balance, a.Currency)
	}
	return w.Flush()
}

func transactionsCommand(ctx context.Context, cfg *config.Config, logger *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("transactions", flag.ExitOnError)
	rangeExpr := fs.String("range", "30d", "date range")
	page := fs.Int("page", 1, "page number")
	pageSize := fs.Int("page-size", 50, "rows per page")
	if err := fs.Parse(args); err != nil {
		return err
	}

	r, err := daterange.Parse(*rangeExpr, time.Now())
	if err != nil {
		return err
	}
	client := api.NewClient(cfg.API, logger)

	txns, err := client.Transactions(ctx, r, *page, *pageSize)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tNAME\tCATEGORY\tAMOUNT\tPENDING")
	for _, txn := range txns.Items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s %s\t%v\n",
			txn.Date, txn.Name, txn.Category, txn.Amount, txn.Currency, txn.Pending)
	}
	return w.Flush()
}

func marginCommand(ctx context.Context, cfg *config.Config, logger *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("margin", flag.ExitOnError)
	rangeExpr := fs.String("range", "30d", "date range")
	if err := fs.Parse(args); err != nil {
		return err
	}

	r, err := daterange.Parse(*rangeExpr, time.Now())
	if err != nil {
		return err
	}
	client := api.NewClient(cfg.API, logger)

	margin, err := client.MarginSummary(ctx, r)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "\tAMOUNT")
	fmt.Fprintf(w, "Revenue\t%s %s\n", margin.Revenue, margin.Currency)
	fmt.Fprintf(w, "COGS\t%s %s\n", margin.COGS, margin.Currency)
	fmt.Fprintf(w, "Fees\t%s %s\n", margin.Fees, margin.Currency)
	fmt.Fprintf(w, "Shipping\t%s %s\n", margin.Shipping, margin.Currency)
	fmt.Fprintf(w, "Net margin\t%s %s\n", margin.NetMargin, margin.Currency)
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\n%s: margin ratio %s%%\n", r, margin.MarginRatio.Mul(hundred).StringFixed(1))
	return nil
}

func syncCommand(ctx context.Context, cfg *config.Config, logger *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	now := fs.Bool("now", false, "trigger a sync instead of reporting status")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client := api.NewClient(cfg.API, logger)

	var status *models.SyncStatus
	var err error
	if *now {
		status, err = client.TriggerSync(ctx)
	} else {
		status, err = client.SyncStatus(ctx)
	}
	if err != nil {
		return err
	}

	fmt.Printf("State: %s\nLast sync: %s\n", status.State, status.LastSyncAt.Format(time.RFC3339))
	if status.LastError != "" {
		fmt.Printf("Last error: %s\n", status.LastError)
	}
	return nil
}

func linkCommand(ctx context.Context, cfg *config.Config, logger *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("link", flag.ExitOnError)
	exchange := fs.String("exchange", "", "public token to exchange for durable credentials")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client := api.NewClient(cfg.API, logger)

	if *exchange != "" {
		if err := client.ExchangePublicToken(ctx, *exchange); err != nil {
			return fmt.Errorf("token exchange failed, retry with a fresh public token: %w", err)
		}
		logger.Info("Public token exchanged, account link complete")
		return nil
	}

	token, err := client.CreateLinkToken(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Link token: %s\nExpires: %s\n", token.Token, token.ExpiresAt.Format(time.RFC3339))
	fmt.Println("Hand this token to the bank-link widget, then run: storepulse link -exchange <public_token>")
	return nil
}

func checkCommand(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	client, err := store.Connect(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	checker := NewChecker(api.NewClient(cfg.API, logger), client, logger)
	return checker.Run(ctx)
}

func splitTable(name string) (schema, table string) {
	if idx := strings.Index(name, "."); idx > 0 {
		return name[:idx], name[idx+1:]
	}
	return "public", name
}

func parseEventType(s string) (models.EventType, error) {
	switch strings.ToLower(s) {
	case "", "*", "any":
		return models.EventAny, nil
	case "insert":
		return models.EventInsert, nil
	case "update":
		return models.EventUpdate, nil
	case "delete":
		return models.EventDelete, nil
	default:
		return "", fmt.Errorf("unknown event type %q", s)
	}
}

func printJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Println(string(data))
}
