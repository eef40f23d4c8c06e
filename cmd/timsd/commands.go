package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tims/internal/infra/persistence/sqlstore"
	"tims/internal/runner"
	"tims/internal/service"
)

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := sqlstore.Open(cmd.Context(), a.cfg.StoreConfig())
			if err != nil {
				return err
			}
			defer store.Close()
			a.log.Info("schema applied", zap.String("driver", string(store.Driver())))
			return nil
		},
	}
}

func (a *app) genesCmd() *cobra.Command {
	genes := &cobra.Command{Use: "genes", Short: "Manage reference genes"}
	var (
		annot string
		vault bool
	)
	load := &cobra.Command{
		Use:   "load <file>",
		Short: "Register the genes listed one per line in file (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, closeIn, err := openInput(cmd, args[0])
			if err != nil {
				return err
			}
			defer closeIn()
			list, err := readLines(in)
			if err != nil {
				return err
			}
			rt, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()
			added, err := rt.svc.RegisterGenes(cmd.Context(), vault, annot, list)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %d of %d genes for %s\n", added, len(list), annot)
			return nil
		},
	}
	load.Flags().StringVar(&annot, "annot", "", "annotation version")
	load.Flags().BoolVar(&vault, "vault", false, "register into the vault instead of the depository")
	_ = load.MarkFlagRequired("annot")
	genes.AddCommand(load)
	return genes
}

func (a *app) subjectsCmd() *cobra.Command {
	subjects := &cobra.Command{Use: "subjects", Short: "Manage study subject metadata"}
	var studyID int64
	load := &cobra.Command{
		Use:   "load <file>",
		Short: "Record the subject ids listed one per line in file (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, closeIn, err := openInput(cmd, args[0])
			if err != nil {
				return err
			}
			defer closeIn()
			list, err := readLines(in)
			if err != nil {
				return err
			}
			rt, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()
			added, total, err := rt.svc.RegisterSubjects(cmd.Context(), studyID, list)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recorded %d of %d subjects for study %d (%d on file)\n", added, len(list), studyID, total)
			return nil
		},
	}
	load.Flags().Int64Var(&studyID, "study", 0, "study id")
	_ = load.MarkFlagRequired("study")
	subjects.AddCommand(load)
	return subjects
}

// openInput opens path for reading, or stdin when path is "-".
func openInput(cmd *cobra.Command, path string) (io.Reader, func(), error) {
	if path == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

// readLines returns the non-blank, non-comment lines of r.
func readLines(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

func (a *app) finalizeCmd() *cobra.Command {
	var (
		studyID int64
		jobs    []int64
		by      string
	)
	cmd := &cobra.Command{
		Use:   "finalize",
		Short: "Finalize completed jobs of a study and wait for the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.oneShot(cmd, func(svc *service.Service) (service.Ticket, error) {
				return svc.Finalize(cmd.Context(), service.FinalizeRequest{StudyID: studyID, JobIDs: jobs, RequestedBy: by})
			})
		},
	}
	cmd.Flags().Int64Var(&studyID, "study", 0, "study id")
	cmd.Flags().Int64SliceVar(&jobs, "jobs", nil, "job ids, comma separated")
	cmd.Flags().StringVar(&by, "requested-by", currentUser(), "user to notify")
	_ = cmd.MarkFlagRequired("study")
	_ = cmd.MarkFlagRequired("jobs")
	return cmd
}

func (a *app) unfinalizeCmd() *cobra.Command {
	var (
		studyID int64
		by      string
	)
	cmd := &cobra.Command{
		Use:   "unfinalize",
		Short: "Void a study's finalization and wait for the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.oneShot(cmd, func(svc *service.Service) (service.Ticket, error) {
				return svc.Unfinalize(cmd.Context(), studyID, by)
			})
		},
	}
	cmd.Flags().Int64Var(&studyID, "study", 0, "study id")
	cmd.Flags().StringVar(&by, "requested-by", currentUser(), "user to notify")
	_ = cmd.MarkFlagRequired("study")
	return cmd
}

func (a *app) closeCmd() *cobra.Command {
	var (
		studyID int64
		by      string
	)
	cmd := &cobra.Command{
		Use:   "close",
		Short: "Archive a finalized study into the vault and wait for the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.oneShot(cmd, func(svc *service.Service) (service.Ticket, error) {
				return svc.Close(cmd.Context(), studyID, by)
			})
		},
	}
	cmd.Flags().Int64Var(&studyID, "study", 0, "study id")
	cmd.Flags().StringVar(&by, "requested-by", currentUser(), "user to notify")
	_ = cmd.MarkFlagRequired("study")
	return cmd
}

// oneShot opens the service, submits one run, waits for it and prints the
// terminal run as JSON. A failed run is returned as an error.
func (a *app) oneShot(cmd *cobra.Command, submit func(*service.Service) (service.Ticket, error)) error {
	ctx := cmd.Context()
	rt, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	rt.svc.Start()
	defer func() { _ = rt.svc.Stop(ctx) }()

	ticket, err := submit(rt.svc)
	if err != nil {
		return err
	}
	run, err := ticket.Wait(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(run); err != nil {
		return err
	}
	if run.Status == runner.StatusFailed {
		return fmt.Errorf("%s run %s failed: %s", run.Kind, run.ID, run.Error)
	}
	return nil
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "timsd"
}
