package client

import (
	"context"

	"github.com/golang/glog"

	"github.com/mqy/minichat/feed"
	"github.com/mqy/minichat/theme"
)

// Stack is the screen stack a renderer should show.
type Stack int

const (
	StackAuth Stack = iota // sign up / sign in
	StackApp               // buddy list and chat
)

func (s Stack) String() string {
	if s == StackApp {
		return "app"
	}
	return "auth"
}

// App glues the client, the chat subscriber and the theme together for a
// renderer. A single conversation is open at any time.
type App struct {
	c      *Client
	pref   *theme.Preference
	sub    *feed.Subscriber
	submit *feed.Submitter

	cancelAuth func()
}

// NewApp creates an App. opts are passed to the chat subscriber, see
// `feed.OnChange`.
func NewApp(c *Client, pref *theme.Preference, opts ...feed.SubscriberOption) *App {
	a := &App{
		c:      c,
		pref:   pref,
		sub:    feed.NewSubscriber(c.FeedSource(), opts...),
		submit: feed.NewSubmitter(c),
	}
	a.cancelAuth = c.OnAuthStateChanged(func(principal string, signedIn bool) {
		if sess := a.sub.Session(); sess != nil && (!signedIn || sess.Me != principal) {
			glog.V(5).Infof("client: auth changed, close conversation %s", sess)
			a.sub.Switch(nil)
		}
	})
	return a
}

func (a *App) Client() *Client {
	return a.c
}

func (a *App) Stack() Stack {
	if _, ok := a.c.Current(); ok {
		return StackApp
	}
	return StackAuth
}

// Open shows the conversation with peer. An empty peer, or no signed in
// user, leaves the chat empty.
func (a *App) Open(peer string) {
	me, _ := a.c.Current()
	a.sub.Switch(feed.NewSession(me, peer))
}

// OpenNotes shows the self conversation.
func (a *App) OpenNotes() {
	me, _ := a.c.Current()
	a.Open(me)
}

// Conversation returns the open conversation, nil if none.
func (a *App) Conversation() *feed.Session {
	return a.sub.Session()
}

// Send sends text to the open conversation.
func (a *App) Send(ctx context.Context, text string) (string, error) {
	return a.submit.Send(ctx, a.sub.Session(), text)
}

// View returns the messages of the open conversation, newest first.
func (a *App) View() []*feed.Message {
	return a.sub.View()
}

func (a *App) Theme() *theme.Preference {
	return a.pref
}

func (a *App) Close() {
	a.cancelAuth()
	a.sub.Close()
}
