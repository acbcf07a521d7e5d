package cmds

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/viaiv/jarvis/pkg/auth"
	"github.com/viaiv/jarvis/pkg/chat"
)

// newChatCommand builds the line-oriented terminal client. It logs in
// against the server, opens the streaming websocket session, and prints
// tokens and tool invocations as they arrive.
func newChatCommand() *cobra.Command {
	var (
		serverURL string
		username  string
		password  string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a jarvis server from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cacheDir, err := os.UserCacheDir()
			if err != nil {
				cacheDir = "."
			}
			cache := &auth.FileTokenCache{Path: filepath.Join(cacheDir, "jarvis", "tokens.yaml")}

			client := auth.NewClient(serverURL, auth.WithTokenCache(cache))
			if _, err := client.Me(ctx); err != nil {
				if username == "" || password == "" {
					return errors.New("not logged in; pass --username and --password")
				}
				if err := client.Login(ctx, username, password); err != nil {
					return err
				}
			}
			user, err := client.Me(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("logged in as %s\n", user.Username)

			printer := newStreamPrinter(os.Stdout)
			var session *chat.Session
			session, err = chat.NewSession(chat.SessionConfig{
				URL:         websocketURL(serverURL),
				Credentials: client,
				OnChange:    func() { printer.render(session) },
			})
			if err != nil {
				return err
			}
			defer session.Close()

			session.Connect(ctx)

			scanner := bufio.NewScanner(os.Stdin)
			fmt.Print("> ")
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				switch line {
				case "":
				case "/quit":
					return nil
				case "/reconnect":
					session.Reconnect(ctx)
				default:
					if !session.SendMessage(line) {
						fmt.Println("(not connected or still streaming, message dropped)")
					} else {
						waitForTurn(session)
					}
				}
				fmt.Print("> ")
			}
			return errors.Wrap(scanner.Err(), "read stdin")
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8000", "jarvis server base URL")
	cmd.Flags().StringVar(&username, "username", "", "login username")
	cmd.Flags().StringVar(&password, "password", "", "login password")
	return cmd
}

func websocketURL(serverURL string) string {
	ws := serverURL
	if after, ok := strings.CutPrefix(ws, "https"); ok {
		ws = "wss" + after
	} else if after, ok := strings.CutPrefix(ws, "http"); ok {
		ws = "ws" + after
	}
	return strings.TrimSuffix(ws, "/") + "/ws"
}

// waitForTurn blocks the input loop until the in-flight assistant turn
// settles, so the prompt does not interleave with streamed output.
func waitForTurn(session *chat.Session) {
	for session.IsStreaming() && session.Status() != chat.StatusDisconnected {
		time.Sleep(50 * time.Millisecond)
	}
}

// streamPrinter renders assistant output incrementally: each render prints
// whatever content and tool invocations appeared since the previous one.
type streamPrinter struct {
	mu          sync.Mutex
	out         io.Writer
	turnID      string
	printedLen  int
	printedInvs int
}

func newStreamPrinter(out io.Writer) *streamPrinter {
	return &streamPrinter{out: out}
}

func (p *streamPrinter) render(session *chat.Session) {
	if session == nil {
		return
	}
	turns := session.Turns()
	if len(turns) == 0 {
		return
	}
	turn := turns[len(turns)-1]
	if turn.Role != chat.RoleAssistant {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if turn.ID != p.turnID {
		p.turnID = turn.ID
		p.printedLen = 0
		p.printedInvs = 0
	}

	for ; p.printedInvs < len(turn.ToolInvocations); p.printedInvs++ {
		inv := turn.ToolInvocations[p.printedInvs]
		fmt.Fprintf(p.out, "[%s]\n", inv.Name)
	}

	if len(turn.Content) < p.printedLen {
		// an error frame replaced the partial content wholesale
		fmt.Fprintf(p.out, "\n%s", turn.Content)
		p.printedLen = len(turn.Content)
	} else if len(turn.Content) > p.printedLen {
		fmt.Fprint(p.out, turn.Content[p.printedLen:])
		p.printedLen = len(turn.Content)
	}

	if !session.IsStreaming() && p.printedLen > 0 {
		fmt.Fprintln(p.out)
		p.printedLen = 0
		p.turnID = ""
	}
}
