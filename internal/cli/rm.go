package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/notekeep/retain/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "rm <chunk-id>",
		Short: "Delete a chunk and its pushes",
		Args:  cobra.ExactArgs(1),
		Run:   runRm,
	}
	RootCmd.AddCommand(cmd)
}

func runRm(cmd *cobra.Command, args []string) {
	id := args[0]

	e, err := openEngine(cmd.Context())
	if err != nil {
		exitErr("open store", err)
	}
	defer e.Close()

	if err := e.chunks.Delete(cmd.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fmt.Printf(`{"ok":false,"id":%q,"reason":"not found"}`+"\n", id)
			return
		}
		exitErr("rm", err)
	}

	fmt.Printf(`{"ok":true,"id":%q}`+"\n", id)
}
