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
		Use:   "review",
		Short: "Refresh the push set and list open reviews",
		Long: "Delete completed and expired pushes, fill the open set with the " +
			"highest-scoring due chunks, and print the result.",
		Run: runReview,
	}
	RootCmd.AddCommand(cmd)
}

type pushView struct {
	model.Push
	ChunkContent string `json:"chunk_content,omitempty"`
}

func runReview(cmd *cobra.Command, args []string) {
	e, err := openEngine(cmd.Context())
	if err != nil {
		exitErr("open store", err)
	}
	defer e.Close()

	res, err := e.pushes.Refresh(cmd.Context(), time.Now())
	if err != nil {
		exitErr("refresh", err)
	}

	var views []pushView
	for _, p := range e.pushes.List() {
		v := pushView{Push: p}
		if c, ok := e.chunks.Get(p.ChunkID); ok {
			v.ChunkContent = c.Content
		}
		views = append(views, v)
	}

	out := struct {
		Deleted int        `json:"deleted"`
		Created int        `json:"created"`
		Kept    int        `json:"kept"`
		Pushes  []pushView `json:"pushes"`
	}{res.Deleted, res.Created, res.Kept, views}

	b, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(b))
}
