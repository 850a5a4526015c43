package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nfrund/relay/internal/client"
	"github.com/nfrund/relay/internal/protocol"
)

var (
	chatServer string
	chatName   string
	chatRoom   string
	chatAvatar string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Connect to a room and chat interactively",
	Long: `Connect to a Relay server, join a room and chat from the terminal.

Plain lines are sent to the room. Prefix a line with "/w <name> " to
send a private message, or type "/pending" to list sends that have not
been acknowledged yet.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatServer, "server", "ws://localhost:5000/chat", "websocket endpoint of the Relay server")
	chatCmd.Flags().StringVar(&chatName, "name", "", "display name (required)")
	chatCmd.Flags().StringVar(&chatRoom, "room", "general", "room to join")
	chatCmd.Flags().StringVar(&chatAvatar, "avatar", "", "avatar identifier")
	chatCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Options{
		URL:    chatServer,
		Name:   chatName,
		Room:   chatRoom,
		Avatar: chatAvatar,
	})
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", chatServer, err)
	}
	defer c.Close()

	fmt.Printf("Joined %q as %s. Ctrl-D to leave.\n", chatRoom, chatName)

	go printEvents(c)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/pending":
			for _, msg := range c.Pending() {
				fmt.Printf("  pending %s: %s\n", msg.ClientID, msg.Message)
			}

		case strings.HasPrefix(line, "/w "):
			rest := strings.TrimPrefix(line, "/w ")
			recipient, text, ok := strings.Cut(rest, " ")
			if !ok {
				fmt.Println("usage: /w <name> <message>")
				continue
			}
			if _, err := c.SendPrivate(recipient, text, "", ""); err != nil {
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			}

		default:
			if _, err := c.Send(line, "", ""); err != nil {
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			}
		}
	}

	return scanner.Err()
}

func printEvents(c *client.Client) {
	for ev := range c.Events() {
		switch ev.Kind {
		case protocol.EventReceiveMessage:
			tag := ""
			if ev.Message.Private {
				tag = " (private)"
			}
			body := ev.Message.Message
			if body == "" {
				body = "[media message]"
			}
			fmt.Printf("[%s]%s %s: %s\n",
				ev.Message.Timestamp.Local().Format("15:04:05"), tag, ev.Message.Sender, body)

		case protocol.EventActiveUsers:
			fmt.Printf("* online: %s\n", strings.Join(ev.Users, ", "))

		case protocol.EventUserEvent:
			verb := "joined"
			if ev.UserEvent.Type == protocol.UserEventLeave {
				verb = "left"
			}
			fmt.Printf("* %s %s the room\n", ev.UserEvent.User, verb)

		case protocol.EventTyping:
			if ev.Typing.IsTyping {
				fmt.Printf("* %s is typing...\n", ev.Typing.Username)
			}
		}
	}
	fmt.Println("* disconnected")
}
