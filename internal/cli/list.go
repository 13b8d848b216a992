package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/notekeep/retain/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List chunks",
		Run:   runList,
	}

	cmd.Flags().StringP("note", "n", "", "Filter by note path")
	cmd.Flags().Bool("due", false, "Only chunks due now")
	cmd.Flags().Bool("ids-only", false, "Print only chunk ids")

	RootCmd.AddCommand(cmd)
}

func runList(cmd *cobra.Command, args []string) {
	note, _ := cmd.Flags().GetString("note")
	dueOnly, _ := cmd.Flags().GetBool("due")
	idsOnly, _ := cmd.Flags().GetBool("ids-only")

	e, err := openEngine(cmd.Context())
	if err != nil {
		exitErr("open store", err)
	}
	defer e.Close()

	var chunks []model.Chunk
	switch {
	case dueOnly:
		chunks = e.chunks.ListDue(time.Now())
	case note != "":
		chunks = e.chunks.ListByNotePath(note)
	default:
		chunks = e.chunks.ListAll()
	}
	if note != "" && dueOnly {
		filtered := chunks[:0]
		for _, c := range chunks {
			if c.NotePath == note {
				filtered = append(filtered, c)
			}
		}
		chunks = filtered
	}

	if idsOnly {
		for _, c := range chunks {
			fmt.Println(c.ID)
		}
		return
	}
	b, _ := json.Marshal(chunks)
	fmt.Println(string(b))
}
