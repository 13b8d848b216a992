package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/notekeep/retain/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "grade <push-id> <grade 0-5>",
		Short: "Grade a push manually, bypassing the tutor",
		Args:  cobra.ExactArgs(2),
		Run:   runGrade,
	}
	RootCmd.AddCommand(cmd)
}

func runGrade(cmd *cobra.Command, args []string) {
	pushID := args[0]
	n, err := strconv.Atoi(args[1])
	if err != nil {
		exitErr("grade", fmt.Errorf("grade must be an integer 0-5: %w", err))
	}

	e, err := openEngine(cmd.Context())
	if err != nil {
		exitErr("open store", err)
	}
	defer e.Close()

	if err := e.pushes.ManualEvaluate(cmd.Context(), pushID, model.Grade(n), time.Now()); err != nil {
		exitErr("grade", err)
	}

	fmt.Printf(`{"ok":true,"push":%q,"grade":%d}`+"\n", pushID, n)
}
