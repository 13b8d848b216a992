package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/notekeep/retain/internal/model"
	"github.com/notekeep/retain/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "add [content]",
		Short: "Create a chunk directly",
		Long:  "Create a knowledge chunk for a note. Content can be a positional arg or piped via stdin.",
		Run:   runAdd,
	}

	cmd.Flags().StringP("note", "n", "", "Note path the chunk belongs to (required)")
	cmd.Flags().StringP("importance", "i", "medium", "Importance: low, medium, high")

	cmd.MarkFlagRequired("note")

	RootCmd.AddCommand(cmd)
}

func runAdd(cmd *cobra.Command, args []string) {
	note, _ := cmd.Flags().GetString("note")
	importance, _ := cmd.Flags().GetString("importance")

	var content string
	if len(args) > 0 {
		content = strings.Join(args, " ")
	} else {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) == 0 {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				exitErr("read stdin", err)
			}
			content = string(b)
		}
	}
	if strings.TrimSpace(content) == "" {
		exitErr("add", fmt.Errorf("content is required (positional arg or stdin)"))
	}

	level := model.Importance(importance)
	if !level.IsValid() {
		exitErr("add", fmt.Errorf("invalid importance %q", importance))
	}

	e, err := openEngine(cmd.Context())
	if err != nil {
		exitErr("open store", err)
	}
	defer e.Close()

	chunk, err := e.chunks.Create(cmd.Context(), store.CreateParams{
		NotePath:   note,
		Content:    content,
		Importance: level,
	}, time.Now())
	if err != nil {
		exitErr("add", err)
	}

	b, _ := json.Marshal(chunk)
	fmt.Println(string(b))
}
