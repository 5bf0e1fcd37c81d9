package store

import (
	"path/filepath"
	"sync"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedUsers(t *testing.T, db *DB, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := db.UpsertUser(&User{ID: id, DisplayName: id}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already migrated; a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 || result.Dirty {
		t.Errorf("version = %d dirty = %v, want 1 clean", result.Version, result.Dirty)
	}
}

func TestUserSoftDelete(t *testing.T) {
	db := testDB(t)
	seedUsers(t, db, "alice")

	if err := db.DeleteUser("alice"); err != nil {
		t.Fatal(err)
	}
	u, err := db.GetUser("alice")
	if err != nil {
		t.Fatal(err)
	}
	if u == nil || !u.Deleted() {
		t.Fatalf("user = %+v, want deleted", u)
	}

	// Profile updates must not revive the account.
	if err := db.UpsertUser(&User{ID: "alice", DisplayName: "Alice 2"}); err != nil {
		t.Fatal(err)
	}
	u, _ = db.GetUser("alice")
	if !u.Deleted() {
		t.Error("upsert revived a deleted account")
	}

	missing, err := db.GetUser("nobody")
	if err != nil || missing != nil {
		t.Errorf("GetUser(nobody) = %v, %v; want nil, nil", missing, err)
	}
}

func TestFindOrCreateDMConverges(t *testing.T) {
	db := testDB(t)
	seedUsers(t, db, "alice", "bob")

	const n = 8
	ids := make([]string, n)
	var created int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			c, ok, err := db.FindOrCreateDM(a, b)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			ids[i] = c.ID
			if ok {
				created++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("concurrent DM creation produced %v", ids)
		}
	}
	if created != 1 {
		t.Errorf("created = %d, want exactly 1", created)
	}

	c, err := db.GetConversation(ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if c.IsGroup || len(c.Members) != 2 || !c.HasMember("alice") || !c.HasMember("bob") {
		t.Errorf("conversation = %+v", c)
	}
}

func TestCreateGroupAndMembership(t *testing.T) {
	db := testDB(t)
	seedUsers(t, db, "alice", "bob", "carol", "dave")

	g, err := db.CreateGroup(" Team ", UniqueMembers("alice", "bob", "carol", "bob"))
	if err != nil {
		t.Fatal(err)
	}
	if !g.IsGroup || g.Name != "Team" || len(g.Members) != 3 {
		t.Errorf("group = %+v", g)
	}

	ok, err := db.IsMember(g.ID, "dave")
	if err != nil || ok {
		t.Errorf("IsMember(dave) = %v, %v", ok, err)
	}
	ok, _ = db.IsMember(g.ID, "carol")
	if !ok {
		t.Error("carol should be a member")
	}

	dm, _, err := db.FindOrCreateDM("alice", "dave")
	if err != nil {
		t.Fatal(err)
	}
	ids, err := db.ConversationIDsForUser("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Errorf("alice rooms = %v, want 2", ids)
	}

	// The DM has activity, so it sorts first.
	if _, err := db.InsertMessage(dm.ID, "alice", "hi", 1<<42); err != nil {
		t.Fatal(err)
	}
	convs, err := db.ListConversationsForUser("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 || convs[0].ID != dm.ID {
		t.Errorf("conversations = %+v, want dm first", convs)
	}
	if len(convs[1].Members) != 3 {
		t.Errorf("group members not loaded: %+v", convs[1])
	}
}

func TestInsertMessageTimestampsStrictlyIncrease(t *testing.T) {
	db := testDB(t)
	seedUsers(t, db, "alice", "bob")
	c, _, _ := db.FindOrCreateDM("alice", "bob")

	// Same wall-clock millisecond for all three inserts.
	var last int64
	for i := 0; i < 3; i++ {
		m, err := db.InsertMessage(c.ID, "alice", "x", 1000)
		if err != nil {
			t.Fatal(err)
		}
		if m.CreatedAt <= last {
			t.Fatalf("created_at %d not after %d", m.CreatedAt, last)
		}
		last = m.CreatedAt
	}
	if last != 1002 {
		t.Errorf("last = %d, want 1002", last)
	}
}

func TestListMessagesBeforePages(t *testing.T) {
	db := testDB(t)
	seedUsers(t, db, "alice", "bob")
	c, _, _ := db.FindOrCreateDM("alice", "bob")
	for i := 0; i < 5; i++ {
		if _, err := db.InsertMessage(c.ID, "alice", "m", int64(100+i)); err != nil {
			t.Fatal(err)
		}
	}

	page, more, err := db.ListMessagesBefore(c.ID, nil, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].CreatedAt != 103 || page[1].CreatedAt != 104 || !more {
		t.Fatalf("latest page = %+v more=%v", page, more)
	}

	cursor := page[0].CreatedAt
	page, more, _ = db.ListMessagesBefore(c.ID, &cursor, 2)
	if len(page) != 2 || page[0].CreatedAt != 101 || !more {
		t.Fatalf("second page = %+v more=%v", page, more)
	}

	cursor = page[0].CreatedAt
	page, more, _ = db.ListMessagesBefore(c.ID, &cursor, 2)
	if len(page) != 1 || page[0].CreatedAt != 100 || more {
		t.Fatalf("last page = %+v more=%v", page, more)
	}
}

func TestRecordDeliveryIdempotent(t *testing.T) {
	db := testDB(t)
	seedUsers(t, db, "alice", "bob")
	c, _, _ := db.FindOrCreateDM("alice", "bob")
	m, _ := db.InsertMessage(c.ID, "alice", "hi", 1)

	created, err := db.RecordDelivery(m.ID, "bob")
	if err != nil || !created {
		t.Fatalf("first RecordDelivery = %v, %v", created, err)
	}
	created, err = db.RecordDelivery(m.ID, "bob")
	if err != nil || created {
		t.Fatalf("second RecordDelivery = %v, %v; want false, nil", created, err)
	}
	to, _ := db.DeliveredTo(m.ID)
	if len(to) != 1 || to[0] != "bob" {
		t.Errorf("DeliveredTo = %v", to)
	}
}

func TestAdvanceSeenIsForwardOnly(t *testing.T) {
	db := testDB(t)
	seedUsers(t, db, "alice", "bob")
	c, _, _ := db.FindOrCreateDM("alice", "bob")
	older, _ := db.InsertMessage(c.ID, "alice", "one", 10)
	newer, _ := db.InsertMessage(c.ID, "alice", "two", 20)

	if ok, err := db.AdvanceSeen("bob", newer); err != nil || !ok {
		t.Fatalf("AdvanceSeen(newer) = %v, %v", ok, err)
	}
	if ok, err := db.AdvanceSeen("bob", older); err != nil || ok {
		t.Fatalf("AdvanceSeen(older) = %v, %v; want stale", ok, err)
	}
	if ok, _ := db.AdvanceSeen("bob", newer); ok {
		t.Error("re-acknowledging the same message should not advance")
	}

	s, err := db.GetSeenMarker(c.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if s.MessageID != newer.ID || s.MessageCreatedAt != newer.CreatedAt {
		t.Errorf("marker = %+v, want %s", s, newer.ID)
	}
}

func TestDMKeyOrderIndependent(t *testing.T) {
	if DMKey("b", "a") != DMKey("a", "b") {
		t.Error("DMKey depends on argument order")
	}
}
