package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	blobstorelocal "github.com/kalbasit/ccindex/pkg/blobstore/local"
	"github.com/kalbasit/ccindex/pkg/lock/local"
	"github.com/kalbasit/ccindex/pkg/search"
)

const masterDBRelpath = "cc_pointers_master/master.duckdb"

func searchCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "search the master index for every capture of a domain",
		ArgsUsage: "DOMAIN",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "exact",
				Usage: "match the domain exactly (default)",
			},
			&cli.BoolFlag{
				Name:  "prefix",
				Usage: "match the domain and every subdomain",
			},
			&cli.StringFlag{
				Name:  "year",
				Usage: "restrict the search to one year, e.g. 2024",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "stop after this many results; 0 means unlimited",
			},
			&cli.StringFlag{
				Name:  "format",
				Usage: "output format: table or jsonl",
				Value: "table",
				Validator: func(f string) error {
					if f != "table" && f != "jsonl" {
						return fmt.Errorf("format must be 'table' or 'jsonl', got %q", f)
					}

					return nil
				},
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("search requires exactly one DOMAIN argument")
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			domain := cmd.Args().Get(0)

			opts := search.Options{
				Prefix:     cmd.Bool("prefix") && !cmd.Bool("exact"),
				YearFilter: cmd.String("year"),
				Limit:      int(cmd.Int("limit")),
			}

			parquetShards, err := blobstorelocal.New(ctx, cfg.ParquetRoot)
			if err != nil {
				return fmt.Errorf("opening parquet shard store: %w", err)
			}

			engine := search.New(cfg.DuckDBRoot, cfg.ParquetRoot, masterDBRelpath, local.NewRWLocker(), parquetShards)

			jsonl := cmd.String("format") == "jsonl"

			var tw *tabwriter.Writer
			if !jsonl {
				tw = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "COLLECTION\tTIMESTAMP\tURL\tWARC_FILE\tOFFSET\tLENGTH")
			}

			encoder := json.NewEncoder(os.Stdout)

			err = engine.Search(ctx, domain, opts, func(p search.Pointer) error {
				if jsonl {
					return encoder.Encode(p)
				}

				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n",
					p.Collection, p.Timestamp, p.URL, p.WARCFilename, p.WARCOffset, p.WARCLength)

				return nil
			})
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}

			if tw != nil {
				return tw.Flush()
			}

			return nil
		},
	}
}
