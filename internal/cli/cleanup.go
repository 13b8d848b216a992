package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/notekeep/retain/internal/notes"
)

func init() {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove chunks whose source note no longer exists",
		Run:   runCleanup,
	}
	RootCmd.AddCommand(cmd)
}

func runCleanup(cmd *cobra.Command, args []string) {
	e, err := openEngine(cmd.Context())
	if err != nil {
		exitErr("open store", err)
	}
	defer e.Close()

	removed, err := e.chunks.CleanupOrphans(cmd.Context(), notes.Exists)
	if err != nil {
		exitErr("cleanup", err)
	}

	fmt.Printf(`{"removed":%d}`+"\n", removed)
}
