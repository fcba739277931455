package cli

import (
	"context"
	"encoding/json"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/agent-state/pkg/statestore"
)

// ReadCmd returns the read command.
func ReadCmd(a *app) *Command {
	flags := flag.NewFlagSet("read", flag.ContinueOnError)
	field := flags.StringP("field", "f", "", "Print only this payload field")

	return &Command{
		Flags: flags,
		Usage: "read [--field <key>]",
		Short: "Print the current state record",
		Long: "Print the state record as JSON: envelope shape, version, global counter\n" +
			"and payload. A missing state file prints the empty record (version -1).",
		Exec: func(_ context.Context, io *IO, args []string) error {
			if len(args) > 0 {
				return usageErrorf("read takes no arguments")
			}

			return execRead(io, a, *field)
		},
	}
}

// recordView is the JSON rendering of a record.
type recordView struct {
	Shape   string          `json:"shape"`
	Version int64           `json:"version"`
	Global  int64           `json:"global"`
	Payload json.RawMessage `json:"payload"`
}

func viewOf(rec statestore.Record) recordView {
	return recordView{
		Shape:   rec.Shape().String(),
		Version: rec.Version(),
		Global:  rec.Global(),
		Payload: rec.RawPayload(),
	}
}

func execRead(io *IO, a *app, field string) error {
	store, err := a.store()
	if err != nil {
		return err
	}

	rec, err := store.Read()
	if err != nil {
		return err
	}

	if !rec.Exists() {
		io.Warn("no state file at "+store.Path(), "run 'statectl write' or 'statectl next-id' to create it")
	}

	var out any = viewOf(rec)

	if field != "" {
		value, ok := rec.Payload()[field]
		if !ok {
			return fmt.Errorf("payload field %q: %w", field, errFieldNotFound)
		}

		out = value
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("formatting record: %w", err)
	}

	io.Println(string(data))

	return nil
}
