package cli

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/agent-state/pkg/statestore"
)

// WriteCmd returns the write command.
func WriteCmd(a *app) *Command {
	flags := flag.NewFlagSet("write", flag.ContinueOnError)
	expect := flags.Int64("expect-version", 0, "Fail with a conflict unless the file is at this version (-1 for no file)")

	return &Command{
		Flags: flags,
		Usage: "write [--expect-version N] <json|->",
		Short: "Replace the payload",
		Long: "Replace the state payload with a JSON object given as argument, or read\n" +
			"from stdin when the argument is \"-\". Version and global counter advance\n" +
			"by one. With --expect-version the write is rejected (exit 4) if another\n" +
			"writer got there first.",
		Exec: func(_ context.Context, io *IO, args []string) error {
			if len(args) != 1 {
				return usageErrorf("write requires exactly one payload argument")
			}

			var expected *int64
			if flags.Changed("expect-version") {
				expected = expect
			}

			return execWrite(io, a, args[0], expected)
		},
	}
}

func execWrite(io *IO, a *app, arg string, expected *int64) error {
	payload, err := readPayload(io, arg)
	if err != nil {
		return err
	}

	store, err := a.store()
	if err != nil {
		return err
	}

	var rec statestore.Record
	if expected != nil {
		rec, err = store.CompareAndWrite(payload, *expected)
	} else {
		rec, err = store.Write(payload)
	}

	if err != nil {
		return err
	}

	printVersion(io, rec)

	return nil
}

func readPayload(o *IO, arg string) (map[string]any, error) {
	var src io.Reader = strings.NewReader(arg)

	if arg == "-" {
		if o.In() == nil {
			return nil, usageErrorf("no stdin to read payload from")
		}

		src = o.In()
	}

	dec := json.NewDecoder(src)
	dec.UseNumber()

	var payload map[string]any

	if err := dec.Decode(&payload); err != nil {
		return nil, usageErrorf("payload must be a JSON object: %v", err)
	}

	if payload == nil {
		return nil, usageErrorf("payload must be a JSON object, got null")
	}

	return payload, nil
}

func printVersion(io *IO, rec statestore.Record) {
	io.Printf("version=%d global=%d\n", rec.Version(), rec.Global())
}
