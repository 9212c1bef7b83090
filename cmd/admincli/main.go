// Package main provides the admin CLI entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"
	"google.golang.org/protobuf/types/known/structpb"

	apiconnect "github.com/osa030/patchouli/internal/api/connect"
)

var (
	app    = kingpin.New("patchouli-admincli", "patchouli admin client")
	server = app.Flag("server", "Server address").Default("http://localhost:8080").String()
	token  = app.Flag("token", "Admin token (or set ADMIN_TOKEN env)").Envar("ADMIN_TOKEN").String()

	// sessions command
	sessionsCmd = app.Command("sessions", "List live sessions").Alias("list")

	// skip command
	skipCmd   = app.Command("skip", "Skip the current track of a guild")
	skipGuild = skipCmd.Arg("guild-id", "Guild ID").Required().String()

	// stop command
	stopCmd   = app.Command("stop", "Stop a guild's session")
	stopGuild = stopCmd.Arg("guild-id", "Guild ID").Required().String()

	// watch command
	watchCmd = app.Command("watch", "Stream playback events")
)

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	// Parse command
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	// Check admin token
	if *token == "" {
		fmt.Println("Error: admin token is required (use --token or ADMIN_TOKEN env)")
		os.Exit(1)
	}

	client := apiconnect.NewAdminServiceClient(http.DefaultClient, *server, *token)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch command {
	case sessionsCmd.FullCommand():
		err = listSessions(ctx, client)
	case skipCmd.FullCommand():
		err = client.Skip(ctx, *skipGuild)
		if err == nil {
			fmt.Println("Track skipped")
		}
	case stopCmd.FullCommand():
		err = client.Stop(ctx, *stopGuild)
		if err == nil {
			fmt.Println("Session stopping")
		}
	case watchCmd.FullCommand():
		err = watch(ctx, client)
	}
	if err != nil && ctx.Err() == nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func listSessions(ctx context.Context, client *apiconnect.AdminServiceClient) error {
	msg, err := client.ListSessions(ctx)
	if err != nil {
		return err
	}

	sessions := msg.GetFields()["sessions"].GetListValue().GetValues()
	if len(sessions) == 0 {
		fmt.Println("No live sessions")
		return nil
	}

	fmt.Printf("\n=== LIVE SESSIONS (%d) ===\n", len(sessions))
	for _, v := range sessions {
		s := v.GetStructValue().GetFields()
		fmt.Printf("\nGuild: %s\n", s["guild"].GetStringValue())
		fmt.Printf("  Session ID: %s\n", s["session"].GetStringValue())
		fmt.Printf("  Voice Channel: %s\n", s["channel"].GetStringValue())
		fmt.Printf("  State: %s\n", s["state"].GetStringValue())
		fmt.Printf("  Volume: %.0f%%\n", s["volume"].GetNumberValue()*100)
		fmt.Printf("  Started: %s\n", s["started"].GetStringValue())

		tracks := s["tracks"].GetListValue().GetValues()
		fmt.Printf("  Queue (%d):\n", len(tracks))
		for i, tv := range tracks {
			t := tv.GetStructValue().GetFields()
			marker := " "
			if i == 0 && s["playing"].GetBoolValue() {
				marker = ">"
			}
			fmt.Printf("   %s %d. %s (requested by %s)\n", marker, i+1, t["title"].GetStringValue(), t["requester"].GetStringValue())
		}
	}
	fmt.Println()
	return nil
}

func watch(ctx context.Context, client *apiconnect.AdminServiceClient) error {
	fmt.Println("Watching playback events (Ctrl+C to stop)...")
	return client.Watch(ctx, func(msg *structpb.Struct) error {
		f := msg.GetFields()
		line := fmt.Sprintf("[%s] #%.0f %s guild=%s state=%s",
			f["time"].GetStringValue(),
			f["sequence_no"].GetNumberValue(),
			f["type"].GetStringValue(),
			f["guild"].GetStringValue(),
			f["state"].GetStringValue(),
		)
		if t := f["track"].GetStringValue(); t != "" {
			line += fmt.Sprintf(" track=%q", t)
		}
		if e := f["error"].GetStringValue(); e != "" {
			line += " error=" + e
		}
		fmt.Println(line)
		return nil
	})
}
