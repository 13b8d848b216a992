package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/notekeep/retain/internal/merge"
	"github.com/notekeep/retain/internal/notes"
)

func init() {
	cmd := &cobra.Command{
		Use:   "sync <note-path>",
		Short: "Extract chunks from a note",
		Long: "Extract knowledge chunks from a note file. Notes with existing chunks get an " +
			"incremental re-extraction whose keep/modify/delete decisions are merged in.",
		Args: cobra.ExactArgs(1),
		Run:  runSync,
	}
	RootCmd.AddCommand(cmd)
}

func runSync(cmd *cobra.Command, args []string) {
	notePath := args[0]

	title, content, err := notes.Load(notePath)
	if err != nil {
		exitErr("sync", err)
	}

	e, err := openEngine(cmd.Context())
	if err != nil {
		exitErr("open store", err)
	}
	defer e.Close()

	ctx := cmd.Context()
	now := time.Now()
	extractor := newExtractor()
	existing := e.chunks.ListByNotePath(notePath)

	var res merge.Result
	if len(existing) == 0 {
		chunks, err := extractor.Extract(ctx, title, content)
		if err != nil {
			exitErr("extract", err)
		}
		res, err = merge.NewApplier(e.chunks).Apply(ctx, notePath, merge.Batch{NewChunks: chunks}, now)
		if err != nil {
			exitErr("merge", err)
		}
	} else {
		view := make([]merge.ExistingChunk, 0, len(existing))
		for _, c := range existing {
			view = append(view, merge.ExistingChunk{
				ID:          c.ID,
				Content:     c.Content,
				Importance:  c.Importance,
				NeedsReview: c.NeedsReview,
			})
		}
		batch, err := extractor.ExtractIncremental(ctx, title, content, view)
		if err != nil {
			exitErr("extract incremental", err)
		}
		res, err = merge.NewApplier(e.chunks).Apply(ctx, notePath, batch, now)
		if err != nil {
			exitErr("merge", err)
		}
	}

	out := struct {
		NotePath string `json:"note_path"`
		merge.Result
	}{notePath, res}
	b, _ := json.Marshal(out)
	fmt.Println(string(b))
}
