package cli

import (
	"context"
	"strconv"

	flag "github.com/spf13/pflag"
)

// NextIDCmd returns the next-id command.
func NextIDCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("next-id", flag.ContinueOnError),
		Usage: "next-id",
		Short: "Advance the global counter and print it",
		Long: "Increment the global revision counter in one locked read-modify-write\n" +
			"and print the new value. The payload and the envelope shape are kept.\n" +
			"On a missing state file the first id is 0.",
		Exec: func(_ context.Context, io *IO, args []string) error {
			if len(args) > 0 {
				return usageErrorf("next-id takes no arguments")
			}

			store, err := a.store()
			if err != nil {
				return err
			}

			id, err := store.IncrementGlobalCounterAndWrite()
			if err != nil {
				return err
			}

			io.Println(strconv.FormatInt(id, 10))

			return nil
		},
	}
}
