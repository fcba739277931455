package cli

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	flag "github.com/spf13/pflag"
)

// SetCmd returns the set command.
func SetCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("set", flag.ContinueOnError),
		Usage: "set <key> <value>",
		Short: "Set one payload field",
		Long: "Set a single payload field. value is parsed as JSON; anything that is\n" +
			"not valid JSON is stored as a string. The write is conditioned on the\n" +
			"version read just before, so a concurrent writer makes it fail (exit 4).",
		Exec: func(_ context.Context, io *IO, args []string) error {
			if len(args) != 2 {
				return usageErrorf("set requires <key> and <value>")
			}

			return execSet(io, a, args[0], args[1])
		},
	}
}

func execSet(io *IO, a *app, key, raw string) error {
	if key == "" {
		return usageErrorf("key cannot be empty")
	}

	value := parseValue(raw)

	store, err := a.store()
	if err != nil {
		return err
	}

	rec, err := store.SetField(key, value)
	if err != nil {
		return err
	}

	printVersion(io, rec)

	return nil
}

// parseValue decodes raw as a single JSON value, keeping numbers exact.
// Anything else is taken as a plain string.
func parseValue(raw string) any {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return raw
	}

	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return raw
	}

	return value
}
