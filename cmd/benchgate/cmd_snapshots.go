// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/benchgate/pkg/ux"
	"github.com/AleutianAI/benchgate/services/gate"
)

func runSnapshotsList(cmd *cobra.Command, args []string) error {
	var prefix string
	if len(args) == 1 {
		prefix = args[0]
	}
	store, err := openStore(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	refs, err := store.List(cmd.Context(), prefix)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		ux.NewPrinter(cmd.ErrOrStderr()).Info("no snapshots")
		return nil
	}
	for _, r := range refs {
		cmd.Println(r.String())
	}
	return nil
}

func runSnapshotsShow(cmd *cobra.Command, args []string) error {
	scope, err := gate.ParseScope(args[0])
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	s, err := store.Get(cmd.Context(), scope, args[1])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func runSnapshotsDelete(cmd *cobra.Command, args []string) error {
	scope, err := gate.ParseScope(args[0])
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.DeleteScope(cmd.Context(), scope)
	if err != nil {
		return err
	}
	ux.NewPrinter(cmd.OutOrStdout()).Success(fmt.Sprintf("deleted %d snapshot(s) of %s", n, scope))
	return nil
}
