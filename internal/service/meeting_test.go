package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"demeet/internal/db"
	"demeet/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
)

type fakeRooms struct {
	enabled bool
	id      string
	err     error
	calls   int
}

func (f *fakeRooms) Enabled() bool { return f.enabled }

func (f *fakeRooms) CreateRoom(ctx context.Context, title, description string, locked bool) (string, error) {
	f.calls++
	return f.id, f.err
}

func ptr[T any](v T) *T { return &v }

func newMeetingService(t *testing.T) (*MeetingService, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := NewMeetingService(newTestDB(t), nil)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestMeetingService_CreateDefaults(t *testing.T) {
	s, now := newMeetingService(t)
	host := mustUser(t, s.db, "host")

	m, err := s.Create(context.Background(), host.ID, CreateMeetingInput{Title: "  Weekly sync ", Tags: []string{"team", " go "}})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if m.RoomID == "" || m.Title != "Weekly sync" || m.Type != models.MeetingTypeWeb2 || m.Status != models.StatusScheduled {
		t.Errorf("Create() = %+v", m)
	}
	if !m.IsPublic || m.IsLocked || m.MaxParticipants != 50 {
		t.Errorf("Create() flags public=%v locked=%v max=%d", m.IsPublic, m.IsLocked, m.MaxParticipants)
	}
	if !m.ScheduledStartTime.Equal(*now) || !m.ScheduledEndTime.Equal(now.Add(2*time.Hour)) {
		t.Errorf("Create() schedule = %v..%v", m.ScheduledStartTime, m.ScheduledEndTime)
	}
	if len(m.Participants) != 1 || m.Participants[0].Role != models.RoleHost || m.Participants[0].User.ID != host.ID {
		t.Errorf("Create() participants = %+v", m.Participants)
	}
	if len(m.Tags) != 2 || m.Tags[0] != "team" || m.Tags[1] != "go" {
		t.Errorf("Create() tags = %v", m.Tags)
	}
	if m.Creator.ID != host.ID || m.Creator.Name != "host" {
		t.Errorf("Create() creator = %+v", m.Creator)
	}
}

func TestMeetingService_CreatePrivate(t *testing.T) {
	s, _ := newMeetingService(t)
	host := mustUser(t, s.db, "host")
	m, err := s.Create(context.Background(), host.ID, CreateMeetingInput{Title: "Private", IsPublic: ptr(false), IsLocked: true, MaxParticipants: 2})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if m.IsPublic || !m.IsLocked || m.MaxParticipants != 2 {
		t.Errorf("Create() = public %v locked %v max %d", m.IsPublic, m.IsLocked, m.MaxParticipants)
	}
}

func TestMeetingService_CreateValidation(t *testing.T) {
	s, now := newMeetingService(t)
	host := mustUser(t, s.db, "host")
	past := now.Add(-2 * time.Minute)
	almostNow := now.Add(-30 * time.Second)
	start := now.Add(time.Hour)

	tests := []struct {
		name    string
		in      CreateMeetingInput
		wantErr bool
	}{
		{"short title", CreateMeetingInput{Title: "ab"}, true},
		{"bad type", CreateMeetingInput{Title: "Valid", Type: "zoom"}, true},
		{"capacity low", CreateMeetingInput{Title: "Valid", MaxParticipants: 1}, true},
		{"capacity high", CreateMeetingInput{Title: "Valid", MaxParticipants: 101}, true},
		{"too many tags", CreateMeetingInput{Title: "Valid", Tags: []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10", "11"}}, true},
		{"long tag", CreateMeetingInput{Title: "Valid", Tags: []string{"abcdefghijklmnopqrstu"}}, true},
		{"start in past", CreateMeetingInput{Title: "Valid", ScheduledStartTime: &past}, true},
		{"start within grace", CreateMeetingInput{Title: "Valid", ScheduledStartTime: &almostNow}, false},
		{"end before start", CreateMeetingInput{Title: "Valid", ScheduledStartTime: &start, ScheduledEndTime: ptr(start.Add(-time.Minute))}, true},
		{"end equals start", CreateMeetingInput{Title: "Valid", ScheduledStartTime: &start, ScheduledEndTime: &start}, true},
		{"solana", CreateMeetingInput{Title: "Valid", Type: models.MeetingTypeSolana}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Create(context.Background(), host.ID, tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Create() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrValidation) {
				t.Errorf("Create() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestMeetingService_CreateUsesRoomCreator(t *testing.T) {
	s, _ := newMeetingService(t)
	host := mustUser(t, s.db, "host")

	rooms := &fakeRooms{enabled: true, id: "huddle-room"}
	s.rooms = rooms
	m, err := s.Create(context.Background(), host.ID, CreateMeetingInput{Title: "With SDK"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if m.RoomID != "huddle-room" || m.HuddleRoomID != "huddle-room" || rooms.calls != 1 {
		t.Errorf("Create() room = %s huddle = %s calls = %d", m.RoomID, m.HuddleRoomID, rooms.calls)
	}

	s.rooms = &fakeRooms{enabled: true, err: errors.New("sdk down")}
	m, err = s.Create(context.Background(), host.ID, CreateMeetingInput{Title: "Fallback"})
	if err != nil {
		t.Fatalf("Create(fallback) error = %v", err)
	}
	if m.RoomID == "" || m.RoomID == "huddle-room" || m.HuddleRoomID != "" {
		t.Errorf("Create(fallback) room = %s huddle = %s", m.RoomID, m.HuddleRoomID)
	}
}

func TestMeetingService_JoinLeaveLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newMeetingService(t)
	host := mustUser(t, s.db, "host")
	guest := mustUser(t, s.db, "guest")

	m, err := s.Create(ctx, host.ID, CreateMeetingInput{Title: "Lifecycle"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	joined, err := s.Join(ctx, m.RoomID, guest.ID)
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if joined.Status != models.StatusOngoing || joined.ActualStartTime == nil {
		t.Errorf("Join() status = %s actualStart = %v", joined.Status, joined.ActualStartTime)
	}
	if len(joined.Participants) != 2 {
		t.Fatalf("Join() participants = %d, want 2", len(joined.Participants))
	}

	// joining twice keeps a single active entry
	again, err := s.Join(ctx, m.RoomID, guest.ID)
	if err != nil {
		t.Fatalf("Join(again) error = %v", err)
	}
	if len(again.Participants) != 2 {
		t.Errorf("Join(again) participants = %d, want 2", len(again.Participants))
	}

	left, err := s.Leave(ctx, m.RoomID, guest.ID)
	if err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	if left.Status != models.StatusOngoing {
		t.Errorf("Leave(guest) status = %s, want ongoing while host is active", left.Status)
	}
	if _, err := s.Leave(ctx, m.RoomID, guest.ID); err != nil {
		t.Errorf("Leave(again) error = %v", err)
	}

	done, err := s.Leave(ctx, m.RoomID, host.ID)
	if err != nil {
		t.Fatalf("Leave(host) error = %v", err)
	}
	if done.Status != models.StatusCompleted || done.ActualEndTime == nil {
		t.Errorf("Leave(last) status = %s actualEnd = %v", done.Status, done.ActualEndTime)
	}

	if _, err := s.Join(ctx, m.RoomID, guest.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("Join(completed) error = %v, want ErrConflict", err)
	}
	if _, err := s.Join(ctx, "missing", guest.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Join(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := s.Leave(ctx, "missing", guest.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Leave(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMeetingService_RejoinAfterLeave(t *testing.T) {
	ctx := context.Background()
	s, _ := newMeetingService(t)
	host := mustUser(t, s.db, "host")
	guest := mustUser(t, s.db, "guest")
	m, _ := s.Create(ctx, host.ID, CreateMeetingInput{Title: "Rejoin"})

	if _, err := s.Join(ctx, m.RoomID, guest.ID); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if _, err := s.Leave(ctx, m.RoomID, guest.ID); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	got, err := s.Join(ctx, m.RoomID, guest.ID)
	if err != nil {
		t.Fatalf("Join(rejoin) error = %v", err)
	}
	active := 0
	for _, p := range got.Participants {
		if p.User.ID == guest.ID && p.LeftAt == nil {
			active++
		}
	}
	if active != 1 {
		t.Errorf("active entries for guest = %d, want 1", active)
	}
}

func TestMeetingService_JoinRules(t *testing.T) {
	ctx := context.Background()
	s, _ := newMeetingService(t)
	host := mustUser(t, s.db, "host")
	a := mustUser(t, s.db, "anna")
	b := mustUser(t, s.db, "ben")

	full, _ := s.Create(ctx, host.ID, CreateMeetingInput{Title: "Tiny", MaxParticipants: 2})
	if _, err := s.Join(ctx, full.RoomID, a.ID); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if _, err := s.Join(ctx, full.RoomID, b.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("Join(full) error = %v, want ErrConflict", err)
	}

	private, _ := s.Create(ctx, host.ID, CreateMeetingInput{Title: "Private", IsPublic: ptr(false)})
	if _, err := s.Join(ctx, private.RoomID, a.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("Join(private) error = %v, want ErrForbidden", err)
	}
	if _, err := s.Join(ctx, private.RoomID, host.ID); err != nil {
		t.Errorf("Join(private, creator) error = %v", err)
	}

	locked, _ := s.Create(ctx, host.ID, CreateMeetingInput{Title: "Locked", IsLocked: true})
	if _, err := s.Join(ctx, locked.RoomID, a.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("Join(locked) error = %v, want ErrForbidden", err)
	}
}

func TestMeetingService_UpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	s, now := newMeetingService(t)
	host := mustUser(t, s.db, "host")
	other := mustUser(t, s.db, "other")
	m, _ := s.Create(ctx, host.ID, CreateMeetingInput{Title: "Original", Tags: []string{"a"}})

	if _, err := s.Update(ctx, m.RoomID, other.ID, UpdateMeetingInput{Title: ptr("Hijack")}); !errors.Is(err, ErrForbidden) {
		t.Errorf("Update(non-owner) error = %v, want ErrForbidden", err)
	}

	up, err := s.Update(ctx, m.RoomID, host.ID, UpdateMeetingInput{
		Title:           ptr("Renamed"),
		IsPublic:        ptr(false),
		MaxParticipants: ptr(10),
		Tags:            &[]string{"x", "y"},
		Status:          ptr(models.StatusOngoing),
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if up.Title != "Renamed" || up.IsPublic || up.MaxParticipants != 10 || up.Status != models.StatusOngoing || up.ActualStartTime == nil {
		t.Errorf("Update() = %+v", up)
	}
	if len(up.Tags) != 2 || up.Tags[0] != "x" {
		t.Errorf("Update() tags = %v", up.Tags)
	}

	tests := []struct {
		name string
		in   UpdateMeetingInput
	}{
		{"backwards status", UpdateMeetingInput{Status: ptr(models.StatusScheduled)}},
		{"unknown status", UpdateMeetingInput{Status: ptr("paused")}},
		{"end before start", UpdateMeetingInput{ScheduledEndTime: ptr(now.Add(-time.Hour))}},
		{"short title", UpdateMeetingInput{Title: ptr("x")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Update(ctx, m.RoomID, host.ID, tt.in); !errors.Is(err, ErrValidation) {
				t.Errorf("Update() error = %v, want ErrValidation", err)
			}
		})
	}

	if _, err := s.Update(ctx, m.RoomID, host.ID, UpdateMeetingInput{Status: ptr(models.StatusCancelled)}); err != nil {
		t.Fatalf("Update(cancel) error = %v", err)
	}
	if _, err := s.Update(ctx, m.RoomID, host.ID, UpdateMeetingInput{Status: ptr(models.StatusCompleted)}); !errors.Is(err, ErrValidation) {
		t.Errorf("Update(cancelled -> completed) error = %v, want ErrValidation", err)
	}

	if err := s.Delete(ctx, m.RoomID, other.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("Delete(non-owner) error = %v, want ErrForbidden", err)
	}
	if err := s.Delete(ctx, m.RoomID, host.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, m.RoomID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(deleted) error = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, m.RoomID, host.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete(again) error = %v, want ErrNotFound", err)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{models.StatusScheduled, models.StatusOngoing, true},
		{models.StatusScheduled, models.StatusCompleted, true},
		{models.StatusScheduled, models.StatusCancelled, true},
		{models.StatusOngoing, models.StatusCompleted, true},
		{models.StatusOngoing, models.StatusCancelled, true},
		{models.StatusOngoing, models.StatusScheduled, false},
		{models.StatusCompleted, models.StatusOngoing, false},
		{models.StatusCompleted, models.StatusCancelled, false},
		{models.StatusCancelled, models.StatusCompleted, false},
		{models.StatusOngoing, models.StatusOngoing, true},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestMeetingService_Lists(t *testing.T) {
	ctx := context.Background()
	s, now := newMeetingService(t)
	host := mustUser(t, s.db, "host")
	guest := mustUser(t, s.db, "guest")

	later := now.Add(3 * time.Hour)
	first, _ := s.Create(ctx, host.ID, CreateMeetingInput{Title: "Later", ScheduledStartTime: &later, Tags: []string{"go"}})
	second, _ := s.Create(ctx, host.ID, CreateMeetingInput{Title: "Sooner", Type: models.MeetingTypeSolana})
	if _, err := s.Create(ctx, host.ID, CreateMeetingInput{Title: "Hidden", IsPublic: ptr(false)}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := s.Join(ctx, first.RoomID, guest.ID); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	created, err := s.ListCreated(ctx, host.ID, ListFilter{Page: 1, Limit: 2})
	if err != nil {
		t.Fatalf("ListCreated() error = %v", err)
	}
	if created.Pagination.Total != 3 || created.Pagination.Pages != 2 || len(created.Meetings) != 2 {
		t.Errorf("ListCreated() pagination = %+v len = %d", created.Pagination, len(created.Meetings))
	}

	public, err := s.ListPublic(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("ListPublic() error = %v", err)
	}
	if public.Pagination.Total != 2 || public.Meetings[0].RoomID != second.RoomID {
		t.Errorf("ListPublic() total = %d first = %v", public.Pagination.Total, public.Meetings)
	}

	tagged, err := s.ListPublic(ctx, ListFilter{Tags: []string{"go"}})
	if err != nil || tagged.Pagination.Total != 1 || tagged.Meetings[0].RoomID != first.RoomID {
		t.Errorf("ListPublic(tags) = %+v, err = %v", tagged, err)
	}
	typed, err := s.ListPublic(ctx, ListFilter{Type: models.MeetingTypeSolana})
	if err != nil || typed.Pagination.Total != 1 || typed.Meetings[0].RoomID != second.RoomID {
		t.Errorf("ListPublic(type) = %+v, err = %v", typed, err)
	}
	from, to := now.Add(2*time.Hour), now.Add(4*time.Hour)
	window, err := s.ListPublic(ctx, ListFilter{StartTime: &from, EndTime: &to})
	if err != nil || window.Pagination.Total != 1 || window.Meetings[0].RoomID != first.RoomID {
		t.Errorf("ListPublic(window) = %+v, err = %v", window, err)
	}

	joined, err := s.ListJoined(ctx, guest.ID, ListFilter{})
	if err != nil || joined.Pagination.Total != 1 || joined.Meetings[0].RoomID != first.RoomID {
		t.Errorf("ListJoined() = %+v, err = %v", joined, err)
	}
	ongoing, err := s.ListJoined(ctx, guest.ID, ListFilter{Status: models.StatusCompleted})
	if err != nil || ongoing.Pagination.Total != 0 {
		t.Errorf("ListJoined(completed) = %+v, err = %v", ongoing, err)
	}
}

func TestMeetingService_SweepAndStats(t *testing.T) {
	ctx := context.Background()
	s, now := newMeetingService(t)
	host := mustUser(t, s.db, "host")
	guest := mustUser(t, s.db, "guest")

	upcomingStart := now.Add(time.Hour)
	upcoming, _ := s.Create(ctx, host.ID, CreateMeetingInput{Title: "Upcoming", ScheduledStartTime: &upcomingStart})
	live, _ := s.Create(ctx, host.ID, CreateMeetingInput{Title: "Live"})
	if _, err := s.Join(ctx, live.RoomID, guest.ID); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	stale, _ := s.Create(ctx, host.ID, CreateMeetingInput{
		Title:              "Stale",
		ScheduledStartTime: ptr(now.Add(-30 * time.Second)),
		ScheduledEndTime:   ptr(now.Add(30 * time.Minute)),
	})

	st, err := s.Stats(ctx, host.ID)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	want := MeetingStats{TotalCreated: 3, TotalJoined: 3, UpcomingMeetings: 1, OngoingMeetings: 1}
	if *st != want {
		t.Errorf("Stats() = %+v, want %+v", *st, want)
	}

	// jump past the stale meeting's end
	*now = now.Add(time.Hour)
	n, err := s.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired() error = %v", err)
	}
	if n != 1 {
		t.Errorf("SweepExpired() = %d, want 1", n)
	}
	got, _ := s.Get(ctx, stale.RoomID)
	if got.Status != models.StatusCompleted {
		t.Errorf("stale status = %s, want completed", got.Status)
	}
	if got, _ := s.Get(ctx, upcoming.RoomID); got.Status != models.StatusScheduled {
		t.Errorf("upcoming status = %s, want scheduled", got.Status)
	}

	*now = now.Add(3 * time.Hour)
	if _, err := s.SweepExpired(ctx); err != nil {
		t.Fatalf("SweepExpired() error = %v", err)
	}
	got, _ = s.Get(ctx, live.RoomID)
	if got.Status != models.StatusCompleted || got.ActualEndTime == nil {
		t.Errorf("live status = %s actualEnd = %v, want completed", got.Status, got.ActualEndTime)
	}

	guestStats, err := s.Stats(ctx, guest.ID)
	if err != nil {
		t.Fatalf("Stats(guest) error = %v", err)
	}
	if guestStats.TotalCreated != 0 || guestStats.TotalJoined != 1 {
		t.Errorf("Stats(guest) = %+v", guestStats)
	}
}

func TestMeetingService_RunSweeperStops(t *testing.T) {
	s, _ := newMeetingService(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.RunSweeper(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunSweeper did not stop after cancel")
	}
}

func TestMeetingService_JoinLeaveLockMeetingRow(t *testing.T) {
	boom := errors.New("lock timeout")
	tests := []struct {
		name string
		call func(*MeetingService) error
	}{
		{"join", func(s *MeetingService) error {
			_, err := s.Join(context.Background(), "room-1", 7)
			return err
		}},
		{"leave", func(s *MeetingService) error {
			_, err := s.Leave(context.Background(), "room-1", 7)
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sqlDB, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("sqlmock.New: %v", err)
			}
			defer sqlDB.Close()
			gdb, err := db.Wrap(sqlDB)
			if err != nil {
				t.Fatalf("db.Wrap: %v", err)
			}

			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT \* FROM "meetings" WHERE room_id = \$1 .*FOR UPDATE`).WillReturnError(boom)
			mock.ExpectRollback()

			if err := tt.call(NewMeetingService(gdb, nil)); !errors.Is(err, boom) {
				t.Errorf("error = %v, want %v", err, boom)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestMeetingService_ConcurrentJoinSingleActiveEntry(t *testing.T) {
	svc, _ := newMeetingService(t)
	owner := mustUser(t, svc.db, "owner")
	guest := mustUser(t, svc.db, "guest")
	m, err := svc.Create(context.Background(), owner.ID, CreateMeetingInput{Title: "Standup", MaxParticipants: 10})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := svc.Join(context.Background(), m.RoomID, guest.ID)
			errs <- err
		}()
	}
	for i := 0; i < 8; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Join() error = %v", err)
		}
	}

	var active int64
	svc.db.Model(&models.Participant{}).
		Where("user_id = ? AND left_at IS NULL", guest.ID).Count(&active)
	if active != 1 {
		t.Errorf("active entries for guest = %d, want 1", active)
	}
}
