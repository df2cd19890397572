package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/bdobrica/kioku/internal/kioku/memory"
)

func ownerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "companion",
			Aliases:  []string{"c"},
			Usage:    "Companion ID",
			Sources:  cli.EnvVars("KIOKU_COMPANION_ID"),
			Required: true,
		},
		&cli.StringFlag{
			Name:     "user",
			Aliases:  []string{"u"},
			Usage:    "User ID",
			Sources:  cli.EnvVars("KIOKU_USER_ID"),
			Required: true,
		},
	}
}

func ownerFrom(c *cli.Command) memory.OwnerKey {
	return memory.OwnerKey{CompanionID: c.String("companion"), UserID: c.String("user")}
}

func memoryCommand() *cli.Command {
	return &cli.Command{
		Name:  "memory",
		Usage: "Inspect and edit long-term memory",
		Commands: []*cli.Command{
			rememberCommand(),
			queryCommand(),
			listCommand(),
			deleteCommand(),
			forgetCommand(),
		},
	}
}

func rememberCommand() *cli.Command {
	return &cli.Command{
		Name:      "remember",
		Usage:     "Persist a memory record",
		ArgsUsage: "<content>",
		Flags: append(ownerFlags(),
			&cli.StringFlag{
				Name:  "kind",
				Usage: "Record kind (conversation, event, preference, conversation_summary)",
				Value: string(memory.KindEvent),
			},
			&cli.FloatFlag{
				Name:  "importance",
				Usage: "Importance in [0,1]",
				Value: 0.8,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			content := strings.Join(c.Args().Slice(), " ")
			if strings.TrimSpace(content) == "" {
				return fmt.Errorf("content is required")
			}

			a, _, err := loadApp(ctx, c)
			if err != nil {
				return err
			}
			defer a.Stop()

			id, err := a.LongTermStore().Persist(ctx, memory.MemoryRecord{
				Owner:      ownerFrom(c),
				Content:    content,
				Kind:       memory.Kind(c.String("kind")),
				Importance: c.Float("importance"),
			})
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
}

func queryCommand() *cli.Command {
	return &cli.Command{
		Name:      "query",
		Usage:     "Retrieve the memories most similar to a text",
		ArgsUsage: "<text>",
		Flags: append(ownerFlags(),
			&cli.IntFlag{
				Name:    "top-k",
				Aliases: []string{"k"},
				Usage:   "Maximum number of results (0 uses KIOKU_LTM_TOP_K)",
			},
			&cli.StringFlag{
				Name:  "kind",
				Usage: "Only return records of this kind",
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			text := strings.Join(c.Args().Slice(), " ")

			a, _, err := loadApp(ctx, c)
			if err != nil {
				return err
			}
			defer a.Stop()

			results, err := a.LongTermStore().Query(ctx, ownerFrom(c), text, c.Int("top-k"), memory.Kind(c.String("kind")))
			if err != nil {
				return err
			}

			type scored struct {
				memory.MemoryRecord
				Score float64 `json:"score"`
			}
			out := make([]scored, 0, len(results))
			for _, r := range results {
				out = append(out, scored{MemoryRecord: r.Record, Score: r.Score})
			}
			return printJSON(out)
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List an owner's memories, newest first",
		Flags: append(ownerFlags(),
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of records (0 for all)",
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			a, _, err := loadApp(ctx, c)
			if err != nil {
				return err
			}
			defer a.Stop()

			records, err := a.LongTermStore().ListAll(ctx, ownerFrom(c), c.Int("limit"))
			if err != nil {
				return err
			}
			if records == nil {
				records = []memory.MemoryRecord{}
			}
			return printJSON(records)
		},
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a memory record by ID",
		ArgsUsage: "<id>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return fmt.Errorf("exactly one record ID is required")
			}

			a, _, err := loadApp(ctx, c)
			if err != nil {
				return err
			}
			defer a.Stop()

			deleted, err := a.LongTermStore().Delete(ctx, c.Args().First())
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("no memory with ID %s", c.Args().First())
			}
			fmt.Println("deleted")
			return nil
		},
	}
}

func forgetCommand() *cli.Command {
	return &cli.Command{
		Name:  "forget",
		Usage: "Delete every memory of one owner",
		Flags: ownerFlags(),
		Action: func(ctx context.Context, c *cli.Command) error {
			a, logger, err := loadApp(ctx, c)
			if err != nil {
				return err
			}
			defer a.Stop()

			owner := ownerFrom(c)
			records, err := a.LongTermStore().ListAll(ctx, owner, 0)
			if err != nil {
				return err
			}
			deleted := 0
			for _, rec := range records {
				ok, err := a.LongTermStore().Delete(ctx, rec.ID)
				if err != nil {
					return fmt.Errorf("deleted %d of %d records: %w", deleted, len(records), err)
				}
				if ok {
					deleted++
				}
			}
			logger.Info("memory: owner forgotten", "owner", owner.String(), "records", deleted)
			fmt.Printf("deleted %d records\n", deleted)
			return nil
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
