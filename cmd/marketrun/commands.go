package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"sigs.k8s.io/yaml"

	"marketrun/internal/coordinator"
	"marketrun/internal/journal"
	"marketrun/internal/market"
	"marketrun/internal/order"
	"marketrun/internal/taskid"
)

func runCmd(ctx context.Context, e *env, args []string) error {
	fs, cfgPath := newFlagSet("run")
	paramsFile := fs.StringP("order", "o", "", "request order params file (yaml/json, kind: request)")
	id := fs.String("id", "", "execution id (generated when empty)")
	dest := fs.StringP("dest", "d", "", "directory for the extracted result")
	timeout := fs.Duration("timeout", 0, "observation timeout (defaults to observe.timeout)")
	publish := fs.Bool("publish", false, "publish the signed request before matching")
	var inline order.Params
	fs.StringVar(&inline.App, "app", "", "app address")
	fs.StringVar(&inline.Dataset, "dataset", "", "dataset address")
	fs.StringVar(&inline.Workerpool, "workerpool", "", "workerpool address restriction")
	fs.StringVar(&inline.Tag, "tag", "", "required tag (hex or names, e.g. tee,scone)")
	fs.StringVar(&inline.MaxTag, "max-tag", "", "largest tag the request accepts")
	fs.Int64Var(&inline.Category, "category", 0, "workerpool category")
	fs.Int64Var(&inline.Volume, "volume", 1, "number of tasks")
	fs.Int64Var(&inline.AppMaxPrice, "app-max-price", 0, "highest app price accepted")
	fs.Int64Var(&inline.DatasetMaxPrice, "dataset-max-price", 0, "highest dataset price accepted")
	fs.Int64Var(&inline.WorkerpoolMaxPrice, "workerpool-max-price", 0, "highest workerpool price accepted")
	fs.StringVar(&inline.Params, "params", "", "opaque execution parameters passed to the app")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var params order.Params
	switch {
	case *paramsFile != "":
		kind, p, err := order.LoadParams(*paramsFile)
		if err != nil {
			return err
		}
		if kind != market.KindRequest {
			return fmt.Errorf("%s describes a %s order, run needs a request", *paramsFile, kind)
		}
		params = overrideParams(fs, p, inline)
	case fs.Changed("app"):
		params = inline
	default:
		return errors.New("--order or --app is required")
	}

	flush, err := e.setup(*cfgPath)
	if err != nil {
		return err
	}
	defer flush()
	if fs.Changed("publish") {
		e.cfg.Match.PublishRequest = *publish
	}
	a, err := e.build(ctx, true)
	if err != nil {
		return err
	}
	defer a.close(e)

	out, err := a.coord.Execute(ctx, coordinator.Request{ExecutionID: *id, Order: params, DestDir: *dest, Timeout: *timeout})
	if err != nil {
		if out.DealID.IsZero() {
			return err
		}
		return fmt.Errorf("%w (resume with: marketrun resume --id %s)", err, out.ExecutionID)
	}
	printOutcome(out)
	return nil
}

func resumeCmd(ctx context.Context, e *env, args []string) error {
	fs, cfgPath := newFlagSet("resume")
	id := fs.String("id", "", "journaled execution id")
	deal := fs.String("deal", "", "deal id (0x + 64 hex)")
	index := fs.Uint64("index", 0, "task index within the deal")
	dest := fs.StringP("dest", "d", "", "directory for the extracted result")
	timeout := fs.Duration("timeout", 0, "observation timeout (defaults to observe.timeout)")
	all := fs.Bool("all", false, "resume every unfinished journaled execution that has a deal")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" && *deal == "" && !*all {
		return errors.New("one of --id, --deal or --all is required")
	}

	flush, err := e.setup(*cfgPath)
	if err != nil {
		return err
	}
	defer flush()
	a, err := e.build(ctx, false)
	if err != nil {
		return err
	}
	defer a.close(e)

	if !*all {
		out, err := a.coord.Resume(ctx, coordinator.ResumeRequest{ExecutionID: *id, DealID: *deal, TaskIndex: *index, DestDir: *dest, Timeout: *timeout})
		if err != nil {
			return err
		}
		printOutcome(out)
		return nil
	}

	if a.journal == nil {
		return errors.New("--all requires journal.enabled")
	}
	pending, err := a.journal.Unfinished()
	if err != nil {
		return err
	}
	var errs []error
	for _, s := range pending {
		if s.Latest.DealID == "" {
			e.log.Infof("skip %s: no deal yet (last stage %s)", s.ExecutionID, s.Latest.Stage)
			continue
		}
		out, err := a.coord.Resume(ctx, coordinator.ResumeRequest{ExecutionID: s.ExecutionID, Timeout: *timeout})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, fmt.Errorf("%s: %w", s.ExecutionID, err))
			continue
		}
		printOutcome(out)
	}
	return errors.Join(errs...)
}

func publishCmd(ctx context.Context, e *env, args []string) error {
	fs, cfgPath := newFlagSet("publish")
	paramsFile := fs.StringP("order", "o", "", "order params file (yaml/json)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *paramsFile == "" {
		return errors.New("--order is required")
	}
	kind, params, err := order.LoadParams(*paramsFile)
	if err != nil {
		return err
	}

	flush, err := e.setup(*cfgPath)
	if err != nil {
		return err
	}
	defer flush()
	a, err := e.build(ctx, false)
	if err != nil {
		return err
	}
	defer a.close(e)

	signer, err := order.NewFileSigner(e.cfg.Wallet.KeyFile)
	if err != nil {
		return fmt.Errorf("wallet: %w", err)
	}
	o, err := order.Create(kind, params)
	if err != nil {
		return err
	}
	if o, err = order.Sign(o, signer); err != nil {
		return err
	}
	hash, err := a.book.Publish(ctx, o)
	if err != nil {
		return err
	}
	fmt.Printf("%s order %s published as %s\n", kind, o.Short(), hash)
	return nil
}

func taskIDCmd(_ context.Context, _ *env, args []string) error {
	fs := newPlainFlagSet("taskid")
	deal := fs.String("deal", "", "deal id (0x + 64 hex)")
	index := fs.Uint64("index", 0, "task index within the deal")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := taskid.Derive(*deal, *index)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func historyCmd(_ context.Context, e *env, args []string) error {
	fs, cfgPath := newFlagSet("history")
	id := fs.String("id", "", "show every record of one execution")
	pending := fs.Bool("unfinished", false, "only list executions that have not finished")
	if err := fs.Parse(args); err != nil {
		return err
	}
	flush, err := e.setup(*cfgPath)
	if err != nil {
		return err
	}
	defer flush()

	j, err := journal.Open(e.cfg.Journal.Dir)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	defer j.Close()

	if *id != "" {
		records, err := j.History(*id)
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(records)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	}

	list := j.List
	if *pending {
		list = j.Unfinished
	}
	summaries, err := list()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EXECUTION\tSTARTED\tSTAGE\tSTATE\tDEAL\tDETAIL")
	for _, s := range summaries {
		detail := s.Latest.Error
		if detail == "" {
			detail = s.Latest.Output
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ExecutionID, s.Started.Format(time.RFC3339), s.Latest.Stage, s.Latest.State, shortID(s.Latest.DealID), detail)
	}
	return tw.Flush()
}

func keygenCmd(_ context.Context, _ *env, args []string) error {
	fs := newPlainFlagSet("keygen")
	out := fs.StringP("out", "o", "wallet.key", "key file to create")
	if err := fs.Parse(args); err != nil {
		return err
	}
	k, err := order.GenerateKeySigner()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(*out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(f, k.EncodeKey()); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("wrote %s for address %s\n", *out, k.Address())
	return nil
}

// overrideParams 以命令行显式给出的字段覆盖参数文件中的值。
func overrideParams(fs *pflag.FlagSet, p, inline order.Params) order.Params {
	set := func(flag string, apply func()) {
		if fs.Changed(flag) {
			apply()
		}
	}
	set("app", func() { p.App = inline.App })
	set("dataset", func() { p.Dataset = inline.Dataset })
	set("workerpool", func() { p.Workerpool = inline.Workerpool })
	set("tag", func() { p.Tag = inline.Tag })
	set("max-tag", func() { p.MaxTag = inline.MaxTag })
	set("category", func() { p.Category = inline.Category })
	set("volume", func() { p.Volume = inline.Volume })
	set("app-max-price", func() { p.AppMaxPrice = inline.AppMaxPrice })
	set("dataset-max-price", func() { p.DatasetMaxPrice = inline.DatasetMaxPrice })
	set("workerpool-max-price", func() { p.WorkerpoolMaxPrice = inline.WorkerpoolMaxPrice })
	set("params", func() { p.Params = inline.Params })
	return p
}

func printOutcome(out coordinator.Outcome) {
	fmt.Printf("execution  %s\n", out.ExecutionID)
	fmt.Printf("deal       %s (task index %d)\n", out.DealID, out.TaskIndex)
	if !out.TxHash.IsZero() {
		fmt.Printf("tx         %s\n", out.TxHash)
	}
	fmt.Printf("task       %s\n", out.TaskID)
	fmt.Printf("output     %s\n", out.Output.Path)
}

func shortID(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:10] + ".."
}
