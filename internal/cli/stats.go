package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		Run:   runStats,
	}
	RootCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) {
	e, err := openEngine(cmd.Context())
	if err != nil {
		exitErr("open store", err)
	}
	defer e.Close()

	st, err := e.sql.Stats(cmd.Context(), time.Now())
	if err != nil {
		exitErr("stats", err)
	}

	b, _ := json.MarshalIndent(st, "", "  ")
	fmt.Println(string(b))
}
