package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roostlabs/roost/internal/bus"
	"github.com/roostlabs/roost/internal/config"
	"github.com/roostlabs/roost/internal/workspace"
)

func chatCmd() *cobra.Command {
	var (
		agentID    string
		message    string
		sessionKey string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with an agent interactively or send a one-shot message",
		Long: `Chat with an agent in-process. The agent is started on demand, so no
running host is required.

Examples:
  roost chat                             # Interactive REPL with the builder agent
  roost chat --agent trader              # Chat with the "trader" agent
  roost chat -m "What are you watching?" # One-shot message
  roost chat -s agent:trader:review      # Continue a named session`,
		Run: func(cmd *cobra.Command, args []string) {
			runChat(agentID, message, sessionKey)
		},
	}

	cmd.Flags().StringVarP(&agentID, "agent", "a", workspace.BuilderAgentID, "agent ID")
	cmd.Flags().StringVarP(&message, "message", "m", "", "one-shot message (omit for interactive mode)")
	cmd.Flags().StringVarP(&sessionKey, "session", "s", "", "session key (default: the agent's main session)")

	return cmd
}

func runChat(agentID, message, sessionKey string) {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	m, _, err := buildManager(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer m.StopAll()

	if verbose {
		// Surface tool activity on stderr so the reply stays clean on stdout.
		m.Bus().Subscribe(bus.EventAgentToolCall, func(e bus.Event) {
			fmt.Fprintf(os.Stderr, "  [tool] %v\n", e.Data["tool_name"])
		})
	}

	if message != "" {
		reply, err := m.Chat(context.Background(), agentID, message, sessionKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(reply)
		return
	}

	runChatREPL(m, agentID, sessionKey)
}

func runChatREPL(m chatHost, agentID, sessionKey string) {
	fmt.Fprintf(os.Stderr, "\nRoost Interactive Chat\n")
	fmt.Fprintf(os.Stderr, "Agent: %s\n", agentID)
	fmt.Fprintf(os.Stderr, "Type \"exit\" to quit, \"/new\" for a fresh session\n\n")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nGoodbye!")
			return
		default:
		}

		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			return
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(os.Stderr, "Goodbye!")
			return
		}
		if input == "/new" {
			sessionKey = fmt.Sprintf("agent:%s:cli-%s", agentID, uuid.NewString()[:8])
			fmt.Fprintf(os.Stderr, "New session: %s\n\n", sessionKey)
			continue
		}

		reply, err := m.Chat(ctx, agentID, input, sessionKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
			continue
		}
		fmt.Printf("\n%s\n\n", reply)
	}
}

type chatHost interface {
	Chat(ctx context.Context, agentID, message, sessionKey string) (string, error)
}
