package app

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"campus_connect/internal/messaging/domain"
	"campus_connect/internal/messaging/repository"
	"campus_connect/pkg"

	"github.com/coder/quartz"
	"github.com/cucumber/godog"
)

// messagingFeature state of one scenario
type messagingFeature struct {
	ctx      context.Context
	clock    *quartz.Mock
	backend  repository.Backend
	sessions map[string]*Session
}

func (f *messagingFeature) reset(t *testing.T) {
	f.ctx = context.Background()
	f.clock = quartz.NewMock(t)
	f.backend = repository.NewRealtimeBackend(repository.NewMemoryStore(f.clock), repository.NewMemoryFeed(), f.clock, 0)
	f.sessions = map[string]*Session{}
}

func (f *messagingFeature) close() {
	for _, s := range f.sessions {
		s.Unmount()
	}
	_ = f.backend.Close()
}

func (f *messagingFeature) session(user string) (*Session, error) {
	s, ok := f.sessions[user]
	if !ok {
		return nil, fmt.Errorf("%s has no session", user)
	}
	return s, nil
}

// eventually 等待 feed 非同步送達
func eventually(cond func() bool, format string, args ...any) error {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fmt.Errorf(format, args...)
}

func (f *messagingFeature) usersHaveViewOpen(a, b string) error {
	for _, user := range []string{a, b} {
		s := NewSession(user, f.backend, f.clock, SessionConfig{})
		if err := s.Mount(f.ctx); err != nil {
			return err
		}
		f.sessions[user] = s
	}
	return nil
}

func (f *messagingFeature) contacts(buyer, seller, itemID, text string) error {
	s, err := f.session(buyer)
	if err != nil {
		return err
	}
	_, err = s.StartConversation(f.ctx, itemID, "listing "+itemID, seller, text)
	return err
}

func (f *messagingFeature) seesMessageCount(user string, n int) error {
	s, err := f.session(user)
	if err != nil {
		return err
	}
	if got := len(s.Snapshot().Messages); got != n {
		return fmt.Errorf("%s sees %d messages, want %d", user, got, n)
	}
	return nil
}

func (f *messagingFeature) seesConversationAbout(user, itemID string) error {
	s, err := f.session(user)
	if err != nil {
		return err
	}
	return eventually(func() bool {
		for _, c := range s.Snapshot().Conversations {
			if c.ItemID == itemID {
				return true
			}
		}
		return false
	}, "%s never saw a conversation about %s", user, itemID)
}

func (f *messagingFeature) opensConversationAbout(user, itemID string) error {
	s, err := f.session(user)
	if err != nil {
		return err
	}
	convs, err := s.ListConversations(f.ctx)
	if err != nil {
		return err
	}
	for _, c := range convs {
		if c.ItemID == itemID {
			_, err = s.SelectConversation(f.ctx, c.ID)
			return err
		}
	}
	return fmt.Errorf("%s has no conversation about %s", user, itemID)
}

func (f *messagingFeature) replies(user, text string) error {
	s, err := f.session(user)
	if err != nil {
		return err
	}
	// 讓訊息時間有先後
	f.clock.Advance(time.Millisecond).MustWait(f.ctx)
	_, err = s.Send(f.ctx, text)
	return err
}

func (f *messagingFeature) seesMessages(user, joined string) error {
	s, err := f.session(user)
	if err != nil {
		return err
	}
	return eventually(func() bool {
		got := make([]string, 0)
		for _, m := range s.Snapshot().Messages {
			got = append(got, m.Content)
		}
		return strings.Join(got, "|") == joined
	}, "%s never saw the messages %q", user, strings.Split(joined, "|"))
}

func (f *messagingFeature) messageReadState(text string, wantRead bool) error {
	return eventually(func() bool {
		rows, err := f.backend.Query(f.ctx, domain.TableMessages, repository.Eq("content", text), nil)
		if err != nil {
			return false
		}
		msgs, err := repository.DecodeRows[domain.Message](rows)
		return err == nil && len(msgs) == 1 && msgs[0].IsRead == wantRead
	}, "message %q read state is not %v", text, wantRead)
}

func (f *messagingFeature) messageIsRead(text string) error   { return f.messageReadState(text, true) }
func (f *messagingFeature) messageIsUnread(text string) error { return f.messageReadState(text, false) }

func (f *messagingFeature) presenceSettles() error {
	f.clock.Advance(DefaultPresenceDebounce).MustWait(f.ctx)
	return nil
}

func (f *messagingFeature) typingIdlePasses() error {
	f.clock.Advance(DefaultTypingIdle).MustWait(f.ctx)
	return nil
}

func (f *messagingFeature) seesOnline(viewer, user string) error {
	s, err := f.session(viewer)
	if err != nil {
		return err
	}
	return eventually(func() bool { return s.Store().IsOnline(user) }, "%s never saw %s online", viewer, user)
}

func (f *messagingFeature) seesOffline(viewer, user string) error {
	s, err := f.session(viewer)
	if err != nil {
		return err
	}
	return eventually(func() bool {
		return !pkg.Contains(s.Snapshot().OnlineUsers, user)
	}, "%s still sees %s online", viewer, user)
}

func (f *messagingFeature) closesView(user string) error {
	s, err := f.session(user)
	if err != nil {
		return err
	}
	s.Unmount()
	return nil
}

func (f *messagingFeature) types(user string) error {
	s, err := f.session(user)
	if err != nil {
		return err
	}
	return s.InputChanged(true)
}

func (f *messagingFeature) clearsBox(user string) error {
	s, err := f.session(user)
	if err != nil {
		return err
	}
	return s.InputChanged(false)
}

func (f *messagingFeature) seesTyping(viewer, user string) error {
	s, err := f.session(viewer)
	if err != nil {
		return err
	}
	return eventually(func() bool {
		typing := s.Snapshot().Typing
		return len(typing) == 1 && typing[0].UserID == user
	}, "%s never saw %s typing", viewer, user)
}

func (f *messagingFeature) seesNobodyTyping(viewer string) error {
	s, err := f.session(viewer)
	if err != nil {
		return err
	}
	return eventually(func() bool { return len(s.Snapshot().Typing) == 0 }, "%s still sees someone typing", viewer)
}

func initializeMessagingScenario(t *testing.T) func(*godog.ScenarioContext) {
	return func(sc *godog.ScenarioContext) {
		f := &messagingFeature{}
		sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
			f.reset(t)
			return ctx, nil
		})
		sc.After(func(ctx context.Context, _ *godog.Scenario, err error) (context.Context, error) {
			f.close()
			return ctx, nil
		})

		sc.Step(`^"([^"]*)" and "([^"]*)" have the messaging view open$`, f.usersHaveViewOpen)
		sc.Step(`^"([^"]*)" contacts "([^"]*)" about "([^"]*)" saying "([^"]*)"$`, f.contacts)
		sc.Step(`^"([^"]*)" sees (\d+) messages?$`, f.seesMessageCount)
		sc.Step(`^"([^"]*)" sees a conversation about "([^"]*)"$`, f.seesConversationAbout)
		sc.Step(`^"([^"]*)" opens the conversation about "([^"]*)"$`, f.opensConversationAbout)
		sc.Step(`^"([^"]*)" replies "([^"]*)"$`, f.replies)
		sc.Step(`^"([^"]*)" sees the messages "([^"]*)"$`, f.seesMessages)
		sc.Step(`^the message "([^"]*)" is read$`, f.messageIsRead)
		sc.Step(`^the message "([^"]*)" is unread$`, f.messageIsUnread)
		sc.Step(`^presence settles$`, f.presenceSettles)
		sc.Step(`^the typing idle delay passes$`, f.typingIdlePasses)
		sc.Step(`^"([^"]*)" sees "([^"]*)" online$`, f.seesOnline)
		sc.Step(`^"([^"]*)" sees "([^"]*)" offline$`, f.seesOffline)
		sc.Step(`^"([^"]*)" closes the messaging view$`, f.closesView)
		sc.Step(`^"([^"]*)" types$`, f.types)
		sc.Step(`^"([^"]*)" clears the message box$`, f.clearsBox)
		sc.Step(`^"([^"]*)" sees "([^"]*)" typing$`, f.seesTyping)
		sc.Step(`^"([^"]*)" sees nobody typing$`, f.seesNobodyTyping)
	}
}

func TestMessagingFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: initializeMessagingScenario(t),
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"testdata/features"},
			TestingT: t,
			Strict:   true,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
