package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/matheus3301/formachat/internal/chat"
	"github.com/matheus3301/formachat/internal/logging"
	"github.com/matheus3301/formachat/internal/rpcclient"
	"github.com/matheus3301/formachat/internal/session"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

var jsonOut bool

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	flag.BoolVar(&jsonOut, "json", false, "output in JSON format")
	startFlag := flag.Bool("start", false, "start the daemon if it is not running")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Usage = printUsage
	flag.Parse()

	logger := logging.NewCLI(*verbose)
	defer func() { _ = logger.Sync() }()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "sessions" {
		cmdSessions()
		return
	}

	socketPath := session.SocketPath(sessionName)
	if !pingDaemon(socketPath) {
		if !*startFlag {
			fmt.Fprintf(os.Stderr, "error: daemon for session %q is not running (use --start or run chatd)\n", sessionName)
			os.Exit(1)
		}
		logger.Info("starting daemon", zap.String("session", sessionName))
		if err := startDaemon(sessionName); err != nil {
			fmt.Fprintf(os.Stderr, "failed to start daemon: %v\n", err)
			os.Exit(1)
		}
		if !waitForDaemon(socketPath, 10*time.Second) {
			fmt.Fprintln(os.Stderr, "daemon did not become ready")
			os.Exit(1)
		}
	}

	c, err := rpcclient.New(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()
	logger.Debug("connected to daemon", zap.String("socket", socketPath))

	if args[0] == "watch" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		prefix := ""
		if len(args) > 1 {
			prefix = args[1]
		}
		cmdWatch(ctx, c, prefix)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c)
	case "login":
		cmdLogin(ctx, c, args[1:])
	case "logout":
		if err := c.Logout(ctx); err != nil {
			fail(err)
		}
		fmt.Println("Logged out.")
	case "conversations":
		cmdConversations(ctx, c, args[1:])
	case "open":
		requireArgs(args, 2, "open <conversationId>")
		t, err := c.Open(ctx, args[1])
		if err != nil {
			fail(err)
		}
		printThread(t)
	case "contact":
		requireArgs(args, 2, "contact <contactId>")
		conv, err := c.OpenContact(ctx, args[1])
		if err != nil {
			fail(err)
		}
		if jsonOut {
			outputJSON(conv)
			return
		}
		fmt.Printf("Opened conversation %s with %s\n", conv.ID, displayName(conv.Participant))
	case "messages":
		id := ""
		if len(args) > 1 {
			id = args[1]
		}
		t, err := c.Messages(ctx, id)
		if err != nil {
			fail(err)
		}
		printThread(t)
	case "send":
		cmdSend(ctx, c, args[1:])
	case "typing":
		requireArgs(args, 3, "typing <conversationId> on|off")
		on := args[2] == "on"
		if !on && args[2] != "off" {
			usageError("typing <conversationId> on|off")
		}
		sent, err := c.Typing(ctx, args[1], on)
		if err != nil {
			fail(err)
		}
		if !sent {
			fmt.Fprintln(os.Stderr, "typing signal dropped: conversation is not joined")
		}
	case "read":
		requireArgs(args, 2, "read <conversationId>")
		if err := c.MarkRead(ctx, args[1]); err != nil {
			fail(err)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl [--session <name>] [--json] [--start] [-v] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                                      Show session status")
	fmt.Fprintln(os.Stderr, "  login [--user-id --name --role] <token>     Store a session token")
	fmt.Fprintln(os.Stderr, "  logout                                      Clear credentials and session state")
	fmt.Fprintln(os.Stderr, "  conversations [--refresh]                   List conversations and contacts")
	fmt.Fprintln(os.Stderr, "  open <conversationId>                       Open a conversation and show its history")
	fmt.Fprintln(os.Stderr, "  contact <contactId>                         Start or open the conversation with a contact")
	fmt.Fprintln(os.Stderr, "  messages [conversationId]                   Show the open conversation")
	fmt.Fprintln(os.Stderr, "  send [--attach <path>] <conversationId> <text>")
	fmt.Fprintln(os.Stderr, "                                              Send a message")
	fmt.Fprintln(os.Stderr, "  typing <conversationId> on|off              Send a typing signal")
	fmt.Fprintln(os.Stderr, "  read <conversationId>                       Reset the unread count")
	fmt.Fprintln(os.Stderr, "  watch [prefix]                              Stream events (store., live., history.)")
	fmt.Fprintln(os.Stderr, "  sessions                                    List known sessions")
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		usageError(usage)
	}
}

func usageError(usage string) {
	fmt.Fprintf(os.Stderr, "usage: chatctl %s\n", usage)
	os.Exit(1)
}

// fail prints an RPC error and exits. Unauthenticated errors get a login hint.
func fail(err error) {
	st := grpcstatus.Convert(err)
	switch st.Code() {
	case codes.Unauthenticated:
		fmt.Fprintf(os.Stderr, "error: %s\nrun: chatctl login <token>\n", st.Message())
	case codes.Unavailable:
		fmt.Fprintf(os.Stderr, "error: backend unreachable: %s\n", st.Message())
	default:
		fmt.Fprintf(os.Stderr, "error: %s\n", st.Message())
	}
	os.Exit(1)
}

func cmdStatus(ctx context.Context, c *rpcclient.Client) {
	st, err := c.Status(ctx)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(st)
		return
	}
	fmt.Printf("Session: %s\n", st.Session)
	fmt.Printf("Live:    %s\n", st.State)
	if st.LoggedIn {
		fmt.Printf("User:    %s (%s)\n", st.User.Name, st.User.ID)
	} else {
		fmt.Println("User:    not logged in")
	}
	fmt.Printf("Conversations: %d\n", st.ConversationCount)
	if st.ActiveConversationID != "" {
		fmt.Printf("Open:    %s\n", st.ActiveConversationID)
	}
	if st.Banner != "" {
		fmt.Printf("Notice:  %s\n", st.Banner)
	}
	fmt.Printf("Uptime:  %dms\n", st.UptimeMs)
}

func cmdSessions() {
	list, err := session.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(list)
		return
	}
	if len(list) == 0 {
		fmt.Println("No sessions found.")
		return
	}
	for _, s := range list {
		running := "stopped"
		if s.DaemonPID != 0 {
			running = fmt.Sprintf("running, pid %d", s.DaemonPID)
		}
		fmt.Printf("%-20s %s (%s)\n", s.Name, s.Path, running)
	}
}

func cmdLogin(ctx context.Context, c *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	userID := fs.String("user-id", "", "user ID (default: from token claims)")
	name := fs.String("name", "", "display name (default: from token claims)")
	role := fs.String("role", "", "role (default: from token claims)")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		usageError("login [--user-id <id>] [--name <name>] [--role <role>] <token>")
	}

	user, err := c.Login(ctx, fs.Arg(0), chat.User{ID: *userID, Name: *name, Role: *role})
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(user)
		return
	}
	fmt.Printf("Logged in as %s (%s)\n", user.Name, user.ID)
}

func cmdConversations(ctx context.Context, c *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("conversations", flag.ExitOnError)
	refresh := fs.Bool("refresh", false, "refetch from the backend first")
	_ = fs.Parse(args)

	dir, err := c.Conversations(ctx, *refresh)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(dir)
		return
	}
	if len(dir.Conversations) == 0 {
		fmt.Println("No conversations.")
	}
	for _, conv := range dir.Conversations {
		marker := " "
		if conv.ID == dir.ActiveConversationID {
			marker = "*"
		}
		unread := ""
		if conv.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d)", conv.UnreadCount)
		}
		fmt.Printf("%s %-12s %-24s%s  %s\n", marker, conv.ID, displayName(conv.Participant), unread, conv.LastMessagePreview)
	}
	if len(dir.Contacts) > 0 {
		fmt.Println()
		fmt.Println("Contacts:")
		for _, p := range dir.Contacts {
			online := ""
			if p.IsOnline {
				online = " online"
			}
			fmt.Printf("  %-12s %s%s\n", p.ID, displayName(p), online)
		}
	}
}

func cmdSend(ctx context.Context, c *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	attach := fs.String("attach", "", "file to attach (PDF, JPEG, PNG, DOC, DOCX; at most 5 MiB)")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		usageError("send [--attach <path>] <conversationId> <text>")
	}

	path := *attach
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		path = abs
	}

	msg, err := c.Send(ctx, fs.Arg(0), strings.Join(fs.Args()[1:], " "), path)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(msg)
		return
	}
	fmt.Printf("Sent %s\n", msg.ID)
}

func cmdWatch(ctx context.Context, c *rpcclient.Client, prefix string) {
	err := c.Watch(ctx, prefix, func(evt rpcclient.Event) error {
		if jsonOut {
			outputJSON(evt)
			return nil
		}
		fmt.Printf("%s %-20s %v\n", time.UnixMilli(evt.OccurredAt).Format("15:04:05.000"), evt.Kind, evt.Payload)
		return nil
	})
	if err != nil && !errors.Is(ctx.Err(), context.Canceled) {
		fail(err)
	}
}

func printThread(t *rpcclient.Thread) {
	if jsonOut {
		outputJSON(t)
		return
	}
	if len(t.Messages) == 0 {
		fmt.Println("No messages yet.")
	}
	for _, m := range t.Messages {
		body := m.Body
		if m.Attachment != nil {
			body = strings.TrimSpace(body + " [" + m.Attachment.Name + "]")
		}
		fmt.Printf("%s %-10s %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), m.SenderID, body)
	}
	if t.TypingUserID != "" {
		fmt.Printf("%s is typing...\n", t.TypingUserID)
	}
}

func displayName(p chat.Participant) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
