package session

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/proctorlink/proctorlink/internal/signaling"
	"github.com/proctorlink/proctorlink/internal/signaling/signalingtest"
)

// fakeSource hands out fake streams, optionally refusing the capture grant.
type fakeSource struct {
	denyCapture bool
	opened      int
	streams     []*signalingtest.Stream
}

func (f *fakeSource) OpenRecording(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeSource) OpenStream(ctx context.Context) (signaling.MediaStream, error) {
	if f.denyCapture {
		return nil, signaling.Errorf("capture", signaling.KindPermissionDenied, "capture grant refused")
	}
	f.opened++
	s := signalingtest.NewStream(fmt.Sprintf("screen-%d", f.opened))
	f.streams = append(f.streams, s)
	return s, nil
}

func startAdmin(t *testing.T, net *signalingtest.Network) *AdminSession {
	t.Helper()
	admin := NewAdminSession(AdminConfig{}, net, nil, nil)
	if err := admin.Start(context.Background()); err != nil {
		t.Fatalf("admin start: %v", err)
	}
	t.Cleanup(admin.Teardown)
	return admin
}

func startStudent(t *testing.T, net *signalingtest.Network, src *fakeSource) *StudentSession {
	t.Helper()
	student := NewStudentSession(StudentConfig{
		ExamID:      "exam-101",
		StudentName: "Ada",
		Reconnect: ReconnectPolicy{
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			MaxAttempts: 10,
			Role:        RoleStudent,
		},
	}, net, src, nil, nil, nil, nil, nil)
	if err := student.Start(context.Background()); err != nil {
		t.Fatalf("student start: %v", err)
	}
	t.Cleanup(student.Teardown)
	return student
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStudentConnects_AdminSeesOneStreamingEntry(t *testing.T) {
	net := signalingtest.NewNetwork()
	admin := startAdmin(t, net)
	src := &fakeSource{}
	student := startStudent(t, net, src)

	if got := student.State(); got != StudentStreaming {
		t.Fatalf("student state %s, want %s", got, StudentStreaming)
	}

	roster := admin.Roster()
	if len(roster) != 1 {
		t.Fatalf("roster has %d entries, want 1", len(roster))
	}
	entry := roster[0]
	if entry.ID != student.Identity() {
		t.Errorf("roster entry %q, want student identity %q", entry.ID, student.Identity())
	}
	if entry.Name != "Ada" || entry.ExamID != "exam-101" {
		t.Errorf("roster entry carries %q/%q, want Ada/exam-101", entry.Name, entry.ExamID)
	}
	if entry.Status != StatusConnected || !entry.HasMedia {
		t.Errorf("roster entry status=%s media=%v, want connected with media", entry.Status, entry.HasMedia)
	}
	if admin.MediaStreamFor(student.Identity()) == nil {
		t.Error("no stream reference for the connected student")
	}
}

func TestCaptureDenied_ExamContinuesWithoutStream(t *testing.T) {
	net := signalingtest.NewNetwork()
	admin := startAdmin(t, net)
	src := &fakeSource{denyCapture: true}
	student := startStudent(t, net, src)

	if got := student.State(); got != StudentStreaming {
		t.Fatalf("student state %s, want %s", got, StudentStreaming)
	}

	// The control connection is up, so the student appears on the roster,
	// just without a tile-worthy stream.
	roster := admin.Roster()
	if len(roster) != 1 {
		t.Fatalf("roster has %d entries, want 1", len(roster))
	}
	if roster[0].HasMedia {
		t.Error("roster entry has media despite a refused capture grant")
	}
}

func TestAdminEviction_StudentReconnectsWithoutDuplicate(t *testing.T) {
	net := signalingtest.NewNetwork()
	admin := startAdmin(t, net)
	src := &fakeSource{}
	student := startStudent(t, net, src)

	firstStream := src.streams[0]
	admin.Registry().Evict(student.Identity())

	waitFor(t, "student to re-enter streaming", func() bool {
		if student.State() != StudentStreaming {
			return false
		}
		roster := admin.Roster()
		return len(roster) == 1 && roster[0].Status == StatusConnected && roster[0].HasMedia
	})

	if admin.Registry().Len() != 1 {
		t.Fatalf("registry has %d entries after reconnect, want 1", admin.Registry().Len())
	}
	for _, track := range firstStream.Tracks() {
		if !track.Stopped() {
			t.Error("evicted stream's track was not stopped")
		}
	}
	if src.opened < 2 {
		t.Errorf("source opened %d streams, want a fresh one after eviction", src.opened)
	}
}

func TestSecondAdmin_SameIdentityIsTerminal(t *testing.T) {
	net := signalingtest.NewNetwork()
	startAdmin(t, net)

	second := NewAdminSession(AdminConfig{}, net, nil, nil)
	_ = second.Start(context.Background())
	t.Cleanup(second.Teardown)

	if second.State() != AdminFailed {
		t.Fatalf("second admin state %s, want %s", second.State(), AdminFailed)
	}
	if second.FatalErr() == nil {
		t.Fatal("second admin has no fatal error")
	}
}

func TestStudentTeardown_StopsTracksAndReleasesIdentity(t *testing.T) {
	net := signalingtest.NewNetwork()
	admin := startAdmin(t, net)
	_ = admin
	src := &fakeSource{}
	student := startStudent(t, net, src)

	stream := src.streams[0]
	student.Teardown()

	for _, track := range stream.Tracks() {
		if !track.Stopped() {
			t.Error("local track still live after teardown")
		}
	}
	if student.State() != StudentTerminated {
		t.Errorf("state %s after teardown, want %s", student.State(), StudentTerminated)
	}
	// Teardown is idempotent.
	student.Teardown()
}

func TestServerDrop_StudentRetriesAndRecovers(t *testing.T) {
	net := signalingtest.NewNetwork()
	admin := startAdmin(t, net)
	src := &fakeSource{}
	student := startStudent(t, net, src)

	pre := net.ConnectCalls()
	net.DropServerLink(student.Identity())

	waitFor(t, "student to recover", func() bool {
		if student.State() != StudentStreaming {
			return false
		}
		roster := admin.Roster()
		return len(roster) == 1 && roster[0].HasMedia
	})

	// Recovery from a server-side drop requires a fresh registration, not a
	// re-announce over the dead link.
	if got := net.ConnectCalls(); got <= pre {
		t.Errorf("network saw %d connects after recovery, want more than %d", got, pre)
	}
	if !net.Registered(student.Identity()) {
		t.Error("student identity not registered after recovery")
	}
}

func TestServerDrop_AdminReregistersAndRosterReforms(t *testing.T) {
	net := signalingtest.NewNetwork()
	admin := NewAdminSession(AdminConfig{
		Reconnect: ReconnectPolicy{
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			MaxAttempts: 10,
			Role:        RoleAdmin,
		},
	}, net, nil, nil)
	if err := admin.Start(context.Background()); err != nil {
		t.Fatalf("admin start: %v", err)
	}
	t.Cleanup(admin.Teardown)
	src := &fakeSource{}
	student := startStudent(t, net, src)

	pre := net.ConnectCalls()
	net.DropServerLink(DefaultIdentityPolicy().AdminIdentity)

	waitFor(t, "dashboard to re-register and the roster to re-form", func() bool {
		if admin.State() != AdminLive || student.State() != StudentStreaming {
			return false
		}
		roster := admin.Roster()
		return len(roster) == 1 && roster[0].HasMedia
	})

	if got := net.ConnectCalls(); got <= pre {
		t.Errorf("network saw %d connects after recovery, want more than %d", got, pre)
	}
}

func TestAdminGone_StudentGivesUpAndReleases(t *testing.T) {
	net := signalingtest.NewNetwork()
	admin := startAdmin(t, net)
	src := &fakeSource{}
	student := startStudent(t, net, src)

	// The dashboard goes away for good; every announce attempt now fails.
	admin.Teardown()

	waitFor(t, "student to give up", func() bool {
		return student.State() == StudentTerminated
	})

	// Giving up releases the signaling registration and the capture grant,
	// the same as an orderly teardown.
	if net.Registered(student.Identity()) {
		t.Error("student identity still registered after giving up")
	}
	for _, stream := range src.streams {
		for _, track := range stream.Tracks() {
			if !track.Stopped() {
				t.Error("capture track still live after giving up")
			}
		}
	}
	// A later UI-driven teardown stays harmless.
	student.Teardown()
	if student.State() != StudentTerminated {
		t.Errorf("state %s after teardown, want %s", student.State(), StudentTerminated)
	}
}
