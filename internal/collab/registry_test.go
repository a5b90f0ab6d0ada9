package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/inkfold/server/internal/domain"
	"github.com/inkfold/server/internal/engine"
	"github.com/inkfold/server/internal/store"
)

func TestConcurrentGetOrCreateSharesOneRoom(t *testing.T) {
	reg, saver, _, key := setupRegistry(t)

	const n = 8
	rooms := make([]*Room, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := reg.GetOrCreate(context.Background(), key)
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			rooms[i] = r
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if rooms[i] != rooms[0] {
			t.Fatalf("goroutine %d got a different room", i)
		}
	}
	if reg.Len() != 1 {
		t.Errorf("Len = %d, want 1", reg.Len())
	}
	if loads, _ := saver.counts(); loads != 1 {
		t.Errorf("store read %d times for one room, want 1", loads)
	}
}

func TestGraceTeardownCanceledByRejoin(t *testing.T) {
	reg, _, mock, key := setupRegistry(t)

	room, ack, _ := join(t, reg, key, "u-alice", "Alice", 7)
	cli := engine.NewWithSite(7)
	upd, _ := cli.InsertText(0, "hello")
	if err := room.ApplyUpdate(ack.MemberID, upd); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if err := room.Leave(context.Background(), ack.MemberID); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	mock.Add(29 * time.Second)
	if reg.Len() != 1 {
		t.Fatalf("room torn down before the grace period elapsed")
	}

	room2, _, _ := join(t, reg, key, "u-bob", "Bob", 9)
	if room2 != room {
		t.Fatalf("rejoin inside the grace window built a new room")
	}
	if room2.Text() != "hello" {
		t.Errorf("document lost across the drain: %q", room2.Text())
	}

	mock.Add(2 * time.Minute)
	if reg.Len() != 1 {
		t.Fatalf("occupied room was torn down")
	}
	if room2.MemberCount() != 1 {
		t.Errorf("MemberCount = %d, want 1", room2.MemberCount())
	}
}

func TestEmptyRoomDestroyedAfterGrace(t *testing.T) {
	reg, _, mock, key := setupRegistry(t)

	room, ack, _ := join(t, reg, key, "u-alice", "Alice", 7)
	cli := engine.NewWithSite(7)
	upd, _ := cli.InsertText(0, "hello")
	if err := room.ApplyUpdate(ack.MemberID, upd); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if err := room.Leave(context.Background(), ack.MemberID); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	mock.Add(30 * time.Second)
	if reg.Len() != 0 {
		t.Fatalf("empty room survived the grace period")
	}
	if _, err := room.Join(testUser(t, "u-bob", "Bob"), 9, &memSender{}); !errors.Is(err, ErrRoomClosed) {
		t.Fatalf("join on destroyed room = %v, want ErrRoomClosed", err)
	}

	// A later join builds a fresh room hydrated from the store.
	room2, ack2, _ := join(t, reg, key, "u-bob", "Bob", 9)
	if room2 == room {
		t.Fatalf("destroyed room was resurrected")
	}
	if room2.Text() != "hello" {
		t.Errorf("hydrated text = %q, want hello", room2.Text())
	}
	cli2 := engine.NewWithSite(9)
	if err := cli2.ApplyRemote(ack2.State); err != nil {
		t.Fatalf("ApplyRemote(ack state): %v", err)
	}
	if cli2.Text() != "hello" {
		t.Errorf("newcomer text = %q, want hello", cli2.Text())
	}
}

func TestJoinRetriesWhenRoomClosesUnderneath(t *testing.T) {
	reg, _, _, key := setupRegistry(t)

	r1, err := reg.GetOrCreate(context.Background(), key)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	r1.Close(context.Background())

	// Simulate a lookup racing teardown: the destroyed room is still mapped.
	reg.mu.Lock()
	reg.rooms[key] = r1
	reg.mu.Unlock()

	r2, ack, err := reg.Join(context.Background(), key, testUser(t, "u-alice", "Alice"), 7, &memSender{})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if r2 == r1 {
		t.Fatalf("join seated a member in a destroyed room")
	}
	if len(ack.Roster) != 1 {
		t.Errorf("roster size = %d, want 1", len(ack.Roster))
	}
}

func TestHydrateCorruptStateFailsCreation(t *testing.T) {
	reg, saver, _, key := setupRegistry(t)

	saver.mu.Lock()
	saver.recs[key] = store.Record{Key: key, State: []byte("junk")}
	saver.mu.Unlock()

	if _, _, err := reg.Join(context.Background(), key, testUser(t, "u-alice", "Alice"), 7, &memSender{}); err == nil {
		t.Fatalf("join succeeded with a corrupt stored state")
	}
	if reg.Len() != 0 {
		t.Errorf("failed creation left a room behind")
	}
}

func TestRoomsListing(t *testing.T) {
	reg, _, _, key := setupRegistry(t)
	key2, err := domain.NewRoomKey("proj-1", "refs.bib")
	if err != nil {
		t.Fatalf("NewRoomKey: %v", err)
	}

	join(t, reg, key, "u-alice", "Alice", 7)
	join(t, reg, key2, "u-bob", "Bob", 9)
	join(t, reg, key2, "u-eve", "Eve", 11)

	infos := reg.Rooms()
	if len(infos) != 2 {
		t.Fatalf("Rooms listed %d entries, want 2", len(infos))
	}
	members := make(map[domain.RoomKey]int, len(infos))
	for _, info := range infos {
		members[info.Key] = info.Members
	}
	if members[key] != 1 || members[key2] != 2 {
		t.Errorf("member counts = %v", members)
	}
}

func TestShutdownFlushesDirtyRooms(t *testing.T) {
	reg, saver, _, key := setupRegistry(t)
	key2, err := domain.NewRoomKey("proj-2", "main.tex")
	if err != nil {
		t.Fatalf("NewRoomKey: %v", err)
	}

	room1, ack1, _ := join(t, reg, key, "u-alice", "Alice", 7)
	cli1 := engine.NewWithSite(7)
	upd1, _ := cli1.InsertText(0, "first")
	if err := room1.ApplyUpdate(ack1.MemberID, upd1); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}

	room2, ack2, _ := join(t, reg, key2, "u-bob", "Bob", 9)
	cli2 := engine.NewWithSite(9)
	upd2, _ := cli2.InsertText(0, "second")
	if err := room2.ApplyUpdate(ack2.MemberID, upd2); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}

	reg.Shutdown(context.Background())

	if _, saves := saver.counts(); saves != 2 {
		t.Fatalf("shutdown persisted %d rooms, want 2", saves)
	}
	rec1, _ := saver.record(key)
	rec2, _ := saver.record(key2)
	if rec1.Text != "first" || rec2.Text != "second" {
		t.Errorf("stored texts = %q, %q", rec1.Text, rec2.Text)
	}
	if reg.Len() != 0 {
		t.Errorf("Len = %d after shutdown, want 0", reg.Len())
	}
	if _, err := room1.Join(testUser(t, "u-eve", "Eve"), 11, &memSender{}); !errors.Is(err, ErrRoomClosed) {
		t.Errorf("join on shut-down room = %v, want ErrRoomClosed", err)
	}
}
