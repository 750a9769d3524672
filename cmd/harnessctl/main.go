/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// harnessctl inspects and maintains the shared coordination state of a
// test-cluster run: the resource table, the governance bootstrap record
// and per-worker transaction journals.  It is meant for operators
// poking at a stuck or finished run, not for test code.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/hyperledger-labs/clusterharness"
	"github.com/hyperledger-labs/clusterharness/flock"
	"github.com/hyperledger-labs/clusterharness/governance"
	"github.com/hyperledger-labs/clusterharness/journal"
	"github.com/hyperledger-labs/clusterharness/statestore"
)

type arguments struct {
	command     string
	settings    *clusterharness.Settings
	jsonOut     bool
	force       bool
	journalPath string
}

func parseArgs(args []string) (*arguments, error) {
	app := kingpin.New("harnessctl", "Utility for inspecting cluster-harness coordination state.")
	settingsFile := app.Flag("settings", "Path to the harness settings file.").String()
	jsonOut := app.Flag("json", "Emit JSON instead of text.").Default("false").Bool()

	app.Command("status", "Print the shared resource table.")
	app.Command("governance", "Print the governance bootstrap record.")

	clear := app.Command("clear", "Remove coordination state left behind by a finished run.")
	force := clear.Flag("force", "Clear even while resources appear held.").Default("false").Bool()

	journalCmd := app.Command("journal", "Dump a worker's transaction journal.")
	journalPath := journalCmd.Arg("path", "Journal directory of one worker.").Required().String()

	command, err := app.Parse(args)
	if err != nil {
		return nil, err
	}

	settings, err := clusterharness.LoadSettings(*settingsFile)
	if err != nil {
		return nil, err
	}

	return &arguments{
		command:     command,
		settings:    settings,
		jsonOut:     *jsonOut,
		force:       *force,
		journalPath: *journalPath,
	}, nil
}

func (a *arguments) openStore() (*statestore.FileStore, error) {
	locker, err := flock.New(a.settings.ScratchDir, true)
	if err != nil {
		return nil, err
	}
	return statestore.OpenFileStore(a.settings.ScratchDir, locker)
}

func (a *arguments) execute(output io.Writer) error {
	switch a.command {
	case "status":
		return a.status(output)
	case "governance":
		return a.governance(output)
	case "clear":
		return a.clear(output)
	case "journal":
		return a.journal(output)
	default:
		return errors.Errorf("unknown command %q", a.command)
	}
}

func (a *arguments) status(output io.Writer) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	raw, err := store.View(clusterharness.StateKey)
	if err != nil {
		return err
	}
	status, err := clusterharness.LoadStatus(raw)
	if err != nil {
		return err
	}

	if a.jsonOut {
		text, err := status.JSON()
		if err != nil {
			return err
		}
		fmt.Fprintln(output, text)
		return nil
	}
	fmt.Fprint(output, status.Pretty())
	return nil
}

func (a *arguments) governance(output io.Writer) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	raw, err := store.View(governance.MarkerKey)
	if err != nil {
		return err
	}
	if raw == nil {
		fmt.Fprintln(output, "no governance bootstrap record")
		return nil
	}

	var pretty json.RawMessage = raw
	text, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return errors.WithMessage(err, "governance record is not valid JSON")
	}
	fmt.Fprintln(output, string(text))
	return nil
}

func (a *arguments) clear(output io.Writer) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	raw, err := store.View(clusterharness.StateKey)
	if err != nil {
		return err
	}
	status, err := clusterharness.LoadStatus(raw)
	if err != nil {
		return err
	}
	if len(status.Resources) > 0 && !a.force {
		return errors.Errorf(
			"%d resource(s) appear held; a run may still be active (use --force to clear anyway)",
			len(status.Resources))
	}

	if err := store.Delete(clusterharness.StateKey); err != nil {
		return err
	}
	if err := store.Delete(governance.MarkerKey); err != nil {
		return err
	}

	locks, err := filepath.Glob(filepath.Join(a.settings.ScratchDir, "*.lock"))
	if err != nil {
		return errors.WithMessage(err, "could not list lock files")
	}
	for _, lock := range locks {
		if err := os.Remove(lock); err != nil && !os.IsNotExist(err) {
			return errors.WithMessagef(err, "could not remove %q", lock)
		}
	}

	fmt.Fprintf(output, "cleared coordination state under %s\n", a.settings.ScratchDir)
	return nil
}

func (a *arguments) journal(output io.Writer) error {
	jnl, err := journal.Open(a.journalPath)
	if err != nil {
		return err
	}
	defer jnl.Close()

	entries, err := jnl.Entries()
	if err != nil {
		return err
	}

	if a.jsonOut {
		text, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(output, string(text))
		return nil
	}

	for _, e := range entries {
		fmt.Fprintf(output, "%s %-9s %s", e.Time.Format("2006-01-02T15:04:05Z"), e.State, e.TxID)
		if e.Source != "" {
			fmt.Fprintf(output, " from %s", e.Source)
		}
		fmt.Fprintln(output)
	}
	return nil
}

func main() {
	kingpin.Version("0.0.1")
	args, err := parseArgs(os.Args[1:])
	if err != nil {
		kingpin.Fatalf("failed to parse arguments, %s, try --help", err)
	}
	err = args.execute(os.Stdout)
	if err != nil {
		fmt.Println("")
		kingpin.Fatalf("%s", err)
	}
}
