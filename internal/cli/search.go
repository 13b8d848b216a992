package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/notekeep/retain/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search chunk content",
		Args:  cobra.MinimumNArgs(1),
		Run:   runSearch,
	}

	cmd.Flags().StringP("note", "n", "", "Restrict to a note path")
	cmd.Flags().IntP("limit", "l", 20, "Max results")

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	note, _ := cmd.Flags().GetString("note")
	limit, _ := cmd.Flags().GetInt("limit")

	e, err := openEngine(cmd.Context())
	if err != nil {
		exitErr("open store", err)
	}
	defer e.Close()

	results, err := e.sql.Search(cmd.Context(), store.SearchParams{
		Query:    strings.Join(args, " "),
		NotePath: note,
		Limit:    limit,
	})
	if err != nil {
		exitErr("search", err)
	}

	b, _ := json.Marshal(results)
	fmt.Println(string(b))
}
