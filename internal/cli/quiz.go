package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/notekeep/retain/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "quiz [push-id]",
		Short: "Run an interactive review session",
		Long: "Start a tutoring conversation for a pending push (the oldest one when no id " +
			"is given) and chat until the tutor ends the session. Type /end to force an " +
			"immediate evaluation.",
		Args: cobra.MaximumNArgs(1),
		Run:  runQuiz,
	}
	RootCmd.AddCommand(cmd)
}

func runQuiz(cmd *cobra.Command, args []string) {
	e, err := openEngine(cmd.Context())
	if err != nil {
		exitErr("open store", err)
	}
	defer e.Close()

	ctx := cmd.Context()

	var pushID string
	if len(args) > 0 {
		pushID = args[0]
	} else {
		if _, err := e.pushes.Refresh(ctx, time.Now()); err != nil {
			exitErr("refresh", err)
		}
		for _, p := range e.pushes.List() {
			if p.State == model.PushPending {
				pushID = p.ID
				break
			}
		}
		if pushID == "" {
			fmt.Println("nothing to review")
			return
		}
	}

	opening, err := e.pushes.StartConversation(ctx, pushID)
	if err != nil {
		exitErr("start conversation", err)
	}
	fmt.Printf("tutor: %s\n", opening.Content)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("you: ")
		if !scanner.Scan() {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		if text == "/end" {
			ev, err := e.pushes.ForceAutoEvaluate(ctx, pushID)
			if err != nil {
				exitErr("evaluate", err)
			}
			printEvaluation(ev)
			return
		}

		reply, err := e.pushes.SendUserMessage(ctx, pushID, text)
		if err != nil {
			exitErr("send", err)
		}
		fmt.Printf("tutor: %s\n", reply.Response)
		if reply.ShouldEnd {
			if reply.Evaluation != nil {
				printEvaluation(*reply.Evaluation)
			}
			return
		}
	}
}

func printEvaluation(ev model.Evaluation) {
	b, _ := json.Marshal(ev)
	fmt.Printf("session complete: %s\n", b)
}
