package gladia

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, server *httptest.Server, opts ClientOptions) *Client {
	t.Helper()
	opts.APIKey = "gladia-test-key"
	opts.BaseURL = server.URL
	opts.HTTPClient = server.Client()
	if opts.PollingInterval == 0 {
		opts.PollingInterval = time.Millisecond
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = time.Millisecond
	}
	if opts.MaxDelay == 0 {
		opts.MaxDelay = 5 * time.Millisecond
	}
	client, err := NewClient(opts)
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}
	return client
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	if _, err := NewClient(ClientOptions{}); err == nil {
		t.Fatalf("expected error for missing api key")
	}
}

func TestClientTranscribeUploadsStartsAndPolls(t *testing.T) {
	var serverURL string
	var capturedKey, capturedFilename, capturedPartType string
	var capturedAudio []byte
	var capturedStart map[string]any
	var polls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/upload":
			capturedKey = r.Header.Get("x-gladia-key")
			file, header, err := r.FormFile("audio")
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			capturedFilename = header.Filename
			capturedPartType = header.Header.Get("Content-Type")
			capturedAudio, _ = io.ReadAll(file)
			_ = file.Close()
			_, _ = w.Write([]byte(`{"audio_url":"https://files.example/a1"}`))
		case "/pre-recorded":
			_ = json.NewDecoder(r.Body).Decode(&capturedStart)
			_, _ = w.Write([]byte(`{"result_url":"` + serverURL + `/result/j1"}`))
		case "/result/j1":
			if atomic.AddInt32(&polls, 1) == 1 {
				_, _ = w.Write([]byte(`{"status":"processing"}`))
				return
			}
			_, _ = w.Write([]byte(`{"status":"done","result":{"transcription":{"full_transcript":"buy milk tomorrow"}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()
	serverURL = server.URL

	client := newTestClient(t, server, ClientOptions{})
	transcript, err := client.Transcribe(context.Background(), []byte("OGG-BYTES"))
	if err != nil {
		t.Fatalf("transcribe failed: %v", err)
	}
	if transcript != "buy milk tomorrow" {
		t.Fatalf("unexpected transcript: %q", transcript)
	}
	if capturedKey != "gladia-test-key" {
		t.Fatalf("expected api key header, got %q", capturedKey)
	}
	if capturedFilename != "voice.oga" || capturedPartType != "audio/ogg" {
		t.Fatalf("unexpected upload part: filename=%q type=%q", capturedFilename, capturedPartType)
	}
	if string(capturedAudio) != "OGG-BYTES" {
		t.Fatalf("unexpected audio payload: %q", capturedAudio)
	}
	if capturedStart["audio_url"] != "https://files.example/a1" || capturedStart["detect_language"] != true {
		t.Fatalf("unexpected job request: %+v", capturedStart)
	}
	if atomic.LoadInt32(&polls) != 2 {
		t.Fatalf("expected 2 polls, got %d", atomic.LoadInt32(&polls))
	}
}

func TestClientTranscribeReportsJobError(t *testing.T) {
	var serverURL string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/upload":
			_, _ = w.Write([]byte(`{"audio_url":"https://files.example/a2"}`))
		case "/pre-recorded":
			_, _ = w.Write([]byte(`{"result_url":"` + serverURL + `/result/j2"}`))
		default:
			_, _ = w.Write([]byte(`{"status":"error","error_message":"audio too short"}`))
		}
	}))
	defer server.Close()
	serverURL = server.URL

	client := newTestClient(t, server, ClientOptions{})
	_, err := client.Transcribe(context.Background(), []byte("x"))
	if err == nil {
		t.Fatalf("expected job error")
	}
	if !strings.Contains(err.Error(), "audio too short") {
		t.Fatalf("expected error message from job, got: %v", err)
	}
}

func TestClientTranscribeTimesOutWhileStuck(t *testing.T) {
	var serverURL string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/upload":
			_, _ = w.Write([]byte(`{"audio_url":"https://files.example/a3"}`))
		case "/pre-recorded":
			_, _ = w.Write([]byte(`{"result_url":"` + serverURL + `/result/j3"}`))
		default:
			_, _ = w.Write([]byte(`{"status":"processing"}`))
		}
	}))
	defer server.Close()
	serverURL = server.URL

	client := newTestClient(t, server, ClientOptions{
		PollingInterval:      5 * time.Millisecond,
		TranscriptionTimeout: 50 * time.Millisecond,
	})
	_, err := client.Transcribe(context.Background(), []byte("x"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got: %v", err)
	}
}

func TestClientRetriesTransientUploadFailure(t *testing.T) {
	var serverURL string
	var uploads int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/upload":
			if atomic.AddInt32(&uploads, 1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"audio_url":"https://files.example/a4"}`))
		case "/pre-recorded":
			_, _ = w.Write([]byte(`{"result_url":"` + serverURL + `/result/j4"}`))
		default:
			_, _ = w.Write([]byte(`{"status":"done","result":{"transcription":{"full_transcript":"ok"}}}`))
		}
	}))
	defer server.Close()
	serverURL = server.URL

	client := newTestClient(t, server, ClientOptions{MaxRetries: 2})
	if _, err := client.Transcribe(context.Background(), []byte("x")); err != nil {
		t.Fatalf("expected retry to recover, got: %v", err)
	}
	if atomic.LoadInt32(&uploads) != 2 {
		t.Fatalf("expected one upload retry, got %d calls", atomic.LoadInt32(&uploads))
	}
}

func TestClientSurfacesPermanentFailureMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"invalid audio format"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, ClientOptions{})
	_, err := client.Transcribe(context.Background(), []byte("x"))
	if err == nil {
		t.Fatalf("expected permanent failure")
	}
	if !strings.Contains(err.Error(), "status=400") || !strings.Contains(err.Error(), "invalid audio format") {
		t.Fatalf("expected status and message in error, got: %v", err)
	}
}

func TestClientRejectsEmptyAudio(t *testing.T) {
	client, err := NewClient(ClientOptions{APIKey: "k"})
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}
	if _, err := client.Transcribe(context.Background(), nil); err == nil {
		t.Fatalf("expected error for empty audio")
	}
}
