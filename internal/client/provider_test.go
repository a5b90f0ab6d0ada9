package client

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/inkfold/server/internal/auth"
	"github.com/inkfold/server/internal/collab"
	"github.com/inkfold/server/internal/config"
	"github.com/inkfold/server/internal/domain"
	"github.com/inkfold/server/internal/gateway"
	"github.com/inkfold/server/internal/store"
)

func setupServer(t *testing.T) (*httptest.Server, *store.SQLite, []byte) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := store.NewSQLite(filepath.Join(t.TempDir(), "client.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	secret := []byte("client-test-secret")
	reg := collab.NewRegistry(collab.Options{
		Saver:    db,
		Debounce: 50 * time.Millisecond,
		Grace:    250 * time.Millisecond,
	})
	t.Cleanup(func() { reg.Shutdown(context.Background()) })

	gw := gateway.New(gateway.Options{Verifier: auth.NewHMACVerifier(secret), Registry: reg})
	router := gateway.SetupRouter(context.Background(), &config.Config{Mode: "test"}, gw, reg)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, db, secret
}

func testToken(t *testing.T, secret []byte, sub, name string) string {
	t.Helper()
	token, err := auth.IssueToken(secret, auth.Claims{
		Sub:  sub,
		Name: name,
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return token
}

func dialAndJoin(t *testing.T, srv *httptest.Server, token string, cb Callbacks) *Provider {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := Dial(ctx, srv.URL+"/api/ws", token, cb)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	if err := p.Join(ctx, "proj-1", "main.tex"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	return p
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTwoEditorsConverge(t *testing.T) {
	srv, db, secret := setupServer(t)

	alice := dialAndJoin(t, srv, testToken(t, secret, "u-alice", "Alice"), Callbacks{})
	bob := dialAndJoin(t, srv, testToken(t, secret, "u-bob", "Bob"), Callbacks{})

	waitFor(t, 2*time.Second, func() bool { return len(alice.Roster()) == 2 }, "alice to see bob")

	if err := alice.Insert(0, "hello"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return bob.Text() == "hello" }, "bob to receive hello")

	if err := bob.Insert(5, " world"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return alice.Text() == "hello world" && bob.Text() == "hello world"
	}, "both editors to converge")

	if alice.Self().Color == bob.Self().Color {
		t.Errorf("both members got color %q", alice.Self().Color)
	}

	alice.Close()
	bob.Close()

	key, err := domain.NewRoomKey("proj-1", "main.tex")
	if err != nil {
		t.Fatalf("NewRoomKey: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		rec, err := db.Load(context.Background(), key)
		return err == nil && rec.Text == "hello world"
	}, "document to be persisted")
}

func TestLateJoinerGetsSnapshot(t *testing.T) {
	srv, db, secret := setupServer(t)

	alice := dialAndJoin(t, srv, testToken(t, secret, "u-alice", "Alice"), Callbacks{})
	if err := alice.Insert(0, "draft one"); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	key, err := domain.NewRoomKey("proj-1", "main.tex")
	if err != nil {
		t.Fatalf("NewRoomKey: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		rec, err := db.Load(context.Background(), key)
		return err == nil && rec.Text == "draft one"
	}, "server to hold the draft")

	bob := dialAndJoin(t, srv, testToken(t, secret, "u-bob", "Bob"), Callbacks{})
	if bob.Text() != "draft one" {
		t.Fatalf("late joiner text = %q, want %q", bob.Text(), "draft one")
	}
	if len(bob.Roster()) != 2 {
		t.Errorf("late joiner roster = %d, want 2", len(bob.Roster()))
	}
}

func TestPresencePropagatesAndClearsOnLeave(t *testing.T) {
	srv, _, secret := setupServer(t)

	alice := dialAndJoin(t, srv, testToken(t, secret, "u-alice", "Alice"), Callbacks{})
	bob := dialAndJoin(t, srv, testToken(t, secret, "u-bob", "Bob"), Callbacks{})

	if err := alice.SetPresence([]byte(`{"cursor":5}`)); err != nil {
		t.Fatalf("SetPresence: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		_, ok := bob.Peers()[alice.Site()]
		return ok
	}, "bob to see alice's cursor")

	if err := alice.Leave(); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		_, ok := bob.Peers()[alice.Site()]
		return !ok
	}, "alice's cursor to clear")
	waitFor(t, 2*time.Second, func() bool { return len(bob.Roster()) == 1 }, "roster to shrink")
}

func TestRejoinKeepsDocumentSingleCopy(t *testing.T) {
	srv, _, secret := setupServer(t)

	alice := dialAndJoin(t, srv, testToken(t, secret, "u-alice", "Alice"), Callbacks{})
	bob := dialAndJoin(t, srv, testToken(t, secret, "u-bob", "Bob"), Callbacks{})

	if err := alice.Insert(0, "abc"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return bob.Text() == "abc" }, "bob to receive abc")

	if err := alice.Leave(); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(bob.Roster()) == 1 }, "alice to drop off the roster")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := alice.Join(ctx, "proj-1", "main.tex"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}

	// The server snapshot replays ops the local replica already holds.
	if alice.Text() != "abc" {
		t.Fatalf("text after rejoin = %q, want abc", alice.Text())
	}
	waitFor(t, 2*time.Second, func() bool { return len(bob.Roster()) == 2 }, "alice to reappear")
}

func TestServerErrorSurfacesThroughCallback(t *testing.T) {
	srv, _, _ := setupServer(t)

	errs := make(chan string, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := Dial(ctx, srv.URL+"/api/ws", "garbage", Callbacks{
		OnError: func(msg string) { errs <- msg },
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	select {
	case msg := <-errs:
		if msg != "authentication failed" {
			t.Errorf("error message = %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no error callback for a rejected token")
	}

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("connection not closed after auth failure")
	}
}
