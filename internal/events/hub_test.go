package events_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"conductor/internal/events"
	"conductor/internal/job"
)

func newJob(id string) *job.Job {
	return job.New(id, job.Input{SourceURL: "https://media.test/" + id}, time.Now(), time.Hour)
}

func TestPublishAssignsSequenceAndTrims(t *testing.T) {
	hub := events.NewHub(3, nil)
	for i := 0; i < 5; i++ {
		hub.PublishJob(newJob("a"))
	}
	got := hub.Since(0, "")
	if len(got) != 3 {
		t.Fatalf("expected 3 retained events, got %d", len(got))
	}
	if got[0].Seq != 3 || got[2].Seq != 5 {
		t.Fatalf("unexpected sequences %d..%d", got[0].Seq, got[2].Seq)
	}
	if hub.LastSeq() != 5 {
		t.Fatalf("expected last seq 5, got %d", hub.LastSeq())
	}
	if len(hub.Since(4, "")) != 1 {
		t.Fatal("expected one event after seq 4")
	}
}

func TestSinceFiltersByJob(t *testing.T) {
	hub := events.NewHub(10, nil)
	hub.PublishJob(newJob("a"))
	hub.PublishJob(newJob("b"))
	hub.PublishRemoval("a")

	got := hub.Since(0, "a")
	if len(got) != 2 || got[1].Type != events.TypeJobRemove {
		t.Fatalf("unexpected events for a: %+v", got)
	}
}

func TestPublishedSnapshotIsIsolated(t *testing.T) {
	hub := events.NewHub(10, nil)
	j := newJob("a")
	hub.PublishJob(j)
	j.Status = job.StatusFailed

	if got := hub.Since(0, ""); got[0].Job.Status != job.StatusQueued {
		t.Fatalf("snapshot mutated through original: %s", got[0].Job.Status)
	}
}

func TestSubscribeReceivesAndCancelCloses(t *testing.T) {
	hub := events.NewHub(10, nil)
	stream, cancel := hub.Subscribe("b", 4)

	hub.PublishJob(newJob("a"))
	hub.PublishJob(newJob("b"))

	select {
	case event := <-stream:
		if event.JobID != "b" {
			t.Fatalf("expected only job b, got %s", event.JobID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	cancel()
	cancel()
	if _, ok := <-stream; ok {
		t.Fatal("expected closed channel after cancel")
	}
	if hub.Subscribers() != 0 {
		t.Fatalf("expected no subscribers, got %d", hub.Subscribers())
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	hub := events.NewHub(10, nil)
	_, cancel := hub.Subscribe("", 1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			hub.PublishJob(newJob("a"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestServeWSReplaysAndStreams(t *testing.T) {
	hub := events.NewHub(10, nil)
	hub.PublishJob(newJob("a"))

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?since=0"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var replayed events.Event
	if err := conn.ReadJSON(&replayed); err != nil {
		t.Fatalf("read replay: %v", err)
	}
	if replayed.Seq != 1 || replayed.JobID != "a" {
		t.Fatalf("unexpected replay %+v", replayed)
	}

	deadline := time.Now().Add(time.Second)
	for hub.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	hub.PublishJob(newJob("b"))

	var live events.Event
	if err := conn.ReadJSON(&live); err != nil {
		t.Fatalf("read live: %v", err)
	}
	if live.Seq != 2 || live.JobID != "b" || live.Job == nil {
		t.Fatalf("unexpected live event %+v", live)
	}
}

func TestServeWSRejectsBadSince(t *testing.T) {
	hub := events.NewHub(10, nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?since=abc"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial failure")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 response, got %+v", resp)
	}
}
