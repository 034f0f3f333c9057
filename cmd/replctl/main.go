// Command replctl drives the replication and backup operations of a running
// index node over its HTTP API.
package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/proto"
)

// Build information, set via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "replctl",
		Usage:   "Index replication and backup management tool",
		Version: fmt.Sprintf("%s (commit: %s)", Version, Commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "index node address (e.g., localhost:8080)",
				EnvVars: []string{"REPLCTL_SERVER"},
				Value:   "localhost:8080",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "output format: table, json, yaml",
				Value:   "table",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "request timeout",
				Value: 5 * time.Minute,
			},
		},
		Commands: []*cli.Command{
			replicateCommand(),
			statusCommand(),
			backupCommand(),
			sessionCommand(),
		},
	}
}

func client(c *cli.Context) *apiClient {
	return newAPIClient(c.String("server"), c.Duration("timeout"))
}

func requireArgs(c *cli.Context, names ...string) error {
	if c.NArg() < len(names) {
		return fmt.Errorf("usage: %s %s", c.Command.HelpName, strings.ToUpper(strings.Join(names, " ")))
	}
	return nil
}

// ---------- replicate ----------

func replicateCommand() *cli.Command {
	return &cli.Command{
		Name:      "replicate",
		Usage:     "Run a replication check of a replica index",
		ArgsUsage: "INDEX",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, "index"); err != nil {
				return err
			}
			st, err := client(c).Replicate(c.Context, c.Args().First())
			if err != nil {
				return err
			}
			return render(c, st, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "INDEX\tSTRATEGY\tGENERATION\tFETCHED\tDELETED\tBYTES\tDURATION")
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
					st.Index, orNone(st.Strategy), st.Generation, st.Fetched, st.Deleted, st.BytesFetched,
					st.FinishedAt.Sub(st.StartedAt).Round(time.Millisecond))
			})
		},
	}
}

// ---------- status ----------

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show the status of one index, or of every index on the node",
		ArgsUsage: "[INDEX]",
		Action: func(c *cli.Context) error {
			api := client(c)
			names := c.Args().Slice()
			if len(names) == 0 {
				var err error
				if names, err = api.Indexes(c.Context); err != nil {
					return err
				}
			}
			statuses := make([]*proto.IndexStatus, 0, len(names))
			for _, name := range names {
				st, err := api.Status(c.Context, name)
				if err != nil {
					return err
				}
				statuses = append(statuses, st)
			}
			return render(c, statuses, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "INDEX\tROLE\tGENERATION\tSEGMENTS\tDOCUMENTS\tSESSIONS\tLAST REPLICATION")
				for _, st := range statuses {
					last := "-"
					if r := st.LastReplication; r != nil {
						last = fmt.Sprintf("%s gen %d at %s", orNone(r.Strategy), r.Generation, r.FinishedAt.Format(time.RFC3339))
						if r.Error != "" {
							last = "failed: " + r.Error
						}
					}
					fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
						st.Index, st.Role, st.Generation, st.Segments, st.Documents, st.Sessions, last)
				}
			})
		},
	}
}

// ---------- backup ----------

func backupCommand() *cli.Command {
	indexFlag := &cli.StringFlag{
		Name:     "index",
		Aliases:  []string{"i"},
		Usage:    "index name",
		Required: true,
	}
	return &cli.Command{
		Name:  "backup",
		Usage: "Manage index backups",
		Subcommands: []*cli.Command{
			{
				Name:      "create",
				Usage:     "Back up the visible generation under NAME",
				ArgsUsage: "NAME",
				Flags:     []cli.Flag{indexFlag},
				Action:    backupCreate,
			},
			{
				Name:      "list",
				Usage:     "List backups; NAME may be * and defaults to every backup",
				ArgsUsage: "[NAME]",
				Flags:     []cli.Flag{indexFlag},
				Action:    backupList,
			},
			{
				Name:      "delete",
				Usage:     "Delete backups matching NAME",
				ArgsUsage: "NAME",
				Flags:     []cli.Flag{indexFlag},
				Action:    backupDelete,
			},
		},
	}
}

func backupCreate(c *cli.Context) error {
	if err := requireArgs(c, "name"); err != nil {
		return err
	}
	st, err := client(c).CreateBackup(c.Context, c.String("index"), c.Args().First())
	if err != nil {
		return err
	}
	return renderBackups(c, []proto.BackupStatus{*st})
}

func backupList(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		name = "*"
	}
	list, err := client(c).ListBackups(c.Context, c.String("index"), name)
	if err != nil {
		return err
	}
	return renderBackups(c, list)
}

func backupDelete(c *cli.Context) error {
	if err := requireArgs(c, "name"); err != nil {
		return err
	}
	n, err := client(c).DeleteBackups(c.Context, c.String("index"), c.Args().First())
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "deleted %d backup(s)\n", n)
	return nil
}

func renderBackups(c *cli.Context, list []proto.BackupStatus) error {
	return render(c, list, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "NAME\tINDEX\tGENERATION\tFILES\tBYTES\tCREATED")
		for _, st := range list {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
				st.Name, st.Index, st.Generation, st.Files, st.Bytes, st.CreatedAt.Format(time.RFC3339))
		}
	})
}

// ---------- session ----------

func sessionCommand() *cli.Command {
	return &cli.Command{
		Name:    "session",
		Aliases: []string{"sess"},
		Usage:   "Inspect replication sessions on a master",
		Subcommands: []*cli.Command{
			{
				Name:      "begin",
				Usage:     "Pin the visible generation and print its manifest",
				ArgsUsage: "INDEX",
				Action:    sessionBegin,
			},
			{
				Name:      "list",
				Usage:     "List open sessions",
				ArgsUsage: "INDEX",
				Action:    sessionListAction,
			},
			{
				Name:      "release",
				Usage:     "Release a session",
				ArgsUsage: "INDEX SESSION_ID",
				Action:    sessionRelease,
			},
		},
	}
}

func sessionBegin(c *cli.Context) error {
	if err := requireArgs(c, "index"); err != nil {
		return err
	}
	info, err := client(c).BeginSession(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	return render(c, info, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "SESSION\t%s\n", info.SessionID)
		fmt.Fprintf(w, "MASTER\t%s\n", info.MasterIdentity)
		fmt.Fprintf(w, "GENERATION\t%d\n", info.Generation)
		fmt.Fprintf(w, "COMMIT\t%s\n", info.CommitName)
		fmt.Fprintln(w)
		fmt.Fprintln(w, "FILE\tLENGTH\tVERSION")
		for _, it := range info.Manifest {
			fmt.Fprintf(w, "%s\t%d\t%s\n", it.Name, it.Length, it.VersionTag)
		}
	})
}

func sessionListAction(c *cli.Context) error {
	if err := requireArgs(c, "index"); err != nil {
		return err
	}
	sessions, err := client(c).Sessions(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	return render(c, sessions, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "SESSION\tGENERATION\tFILES\tCREATED\tLAST ACCESS")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", s.ID, s.Generation, s.Files,
				s.CreatedAt.Format(time.RFC3339), s.LastAccessedAt.Format(time.RFC3339))
		}
	})
}

func sessionRelease(c *cli.Context) error {
	if err := requireArgs(c, "index", "session_id"); err != nil {
		return err
	}
	id := c.Args().Get(1)
	if err := client(c).ReleaseSession(c.Context, c.Args().First(), id); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "session %s released\n", id)
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
