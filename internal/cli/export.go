package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/notekeep/retain/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all chunks (and optionally pushes) as JSON",
		Run:   runExport,
	}

	cmd.Flags().Bool("pushes", false, "Include pushes and their messages")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	includePushes, _ := cmd.Flags().GetBool("pushes")

	e, err := openEngine(cmd.Context())
	if err != nil {
		exitErr("open store", err)
	}
	defer e.Close()

	out := struct {
		Chunks   []model.Chunk                  `json:"chunks"`
		Pushes   []model.Push                   `json:"pushes,omitempty"`
		Messages map[string][]model.PushMessage `json:"messages,omitempty"`
	}{Chunks: e.chunks.ListAll()}

	if includePushes {
		out.Pushes = e.pushes.List()
		out.Messages = make(map[string][]model.PushMessage)
		for _, p := range out.Pushes {
			if msgs := e.pushes.Messages(p.ID); len(msgs) > 0 {
				out.Messages[p.ID] = msgs
			}
		}
	}

	b, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(b))
}
