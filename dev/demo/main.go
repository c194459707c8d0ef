// The demo is a terminal chat client built on the client SDK.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/client"
	"github.com/mqy/minichat/feed"
	"github.com/mqy/minichat/theme"
)

var (
	flagServer   = flag.String("server", "http://127.0.0.1:8000", "minichat server url")
	flagEmail    = flag.String("email", "", "email to sign in with")
	flagPassword = flag.String("password", "", "password")
	flagSignUp   = flag.Bool("signup", false, "register the email first")
	flagPeer     = flag.String("peer", "", "conversation to open, empty for notes")
	flagThemeDb  = flag.String("theme-db", "demo-prefs.db", "theme preference file")
)

const help = `commands:
  /open <email>        open the conversation with email
  /notes               open your notes
  /buddies             list users
  /avatar <file>       upload an avatar image
  /theme [dark|light]  toggle or set the theme
  /quit                exit
anything else is sent to the open conversation.`

func main() {
	flag.Parse()
	defer glog.Flush()

	if *flagEmail == "" || *flagPassword == "" {
		fmt.Fprintln(os.Stderr, "--email and --password are required")
		os.Exit(2)
	}

	pref, err := theme.Load(*flagThemeDb)
	if err != nil {
		glog.Exitf("load theme: %v", err)
	}
	defer pref.Close()

	c := client.New(*flagServer)
	ctx := context.Background()

	if *flagSignUp {
		err = c.SignUp(ctx, *flagEmail, *flagPassword)
	} else {
		err = c.SignIn(ctx, *flagEmail, *flagPassword)
	}
	if err != nil {
		glog.Exitf("authenticate: %v", err)
	}

	app := client.NewApp(c, pref,
		feed.OnChange(func(view []*feed.Message) { render(pref, view) }),
		feed.OnError(func(err error) { fmt.Printf("! %v\n", err) }),
	)
	defer app.Close()

	if *flagPeer == "" {
		app.OpenNotes()
	} else {
		app.Open(*flagPeer)
	}

	fmt.Println(help)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !command(ctx, app, line) {
			return
		}
	}
}

// command runs one input line, false to quit.
func command(ctx context.Context, app *client.App, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}

	switch fields[0] {
	case "/quit":
		return false
	case "/notes":
		app.OpenNotes()
	case "/open":
		if len(fields) != 2 {
			fmt.Println(help)
			return true
		}
		app.Open(fields[1])
	case "/buddies":
		users, err := app.Client().Buddies(ctx)
		if err != nil {
			fmt.Printf("! %v\n", err)
			return true
		}
		for _, u := range users {
			fmt.Printf("  %s %s\n", u.Principal, u.AvatarUrl)
		}
	case "/avatar":
		if len(fields) != 2 {
			fmt.Println(help)
			return true
		}
		f, err := os.Open(fields[1])
		if err != nil {
			fmt.Printf("! %v\n", err)
			return true
		}
		defer f.Close()
		url, err := app.Client().UploadAvatar(ctx, f)
		if err != nil {
			fmt.Printf("! %v\n", err)
			return true
		}
		fmt.Printf("avatar: %s\n", url)
	case "/theme":
		var err error
		switch {
		case len(fields) == 1:
			_, err = app.Theme().Toggle()
		case fields[1] == theme.Dark || fields[1] == theme.Light:
			err = app.Theme().Set(fields[1] == theme.Dark)
		default:
			fmt.Println(help)
			return true
		}
		if err != nil {
			fmt.Printf("! %v\n", err)
		}
		render(app.Theme(), app.View())
	default:
		if _, err := app.Send(ctx, line); err != nil {
			fmt.Printf("! %v\n", err)
		}
	}
	return true
}

func render(pref *theme.Preference, view []*feed.Message) {
	prefix, reset := "\033[30;47m", "\033[0m"
	if pref.IsDark() {
		prefix = "\033[37;40m"
	}
	fmt.Print("\n" + prefix)
	// the view is newest first.
	for i := len(view) - 1; i >= 0; i-- {
		m := view[i]
		fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format(time.Kitchen), m.Sender, m.Text)
	}
	fmt.Print(reset)
}
