package remotefs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPChannelExecute(t *testing.T) {
	var got executeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/execute" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(executeResponse{Stdout: "ok\n", Stderr: "", ExitCode: 3})
	}))
	defer srv.Close()

	ch := NewHTTPChannel(srv.URL)
	res, err := ch.ExecuteCommand(context.Background(), "echo", []string{"a b"}, CommandOptions{Cwd: "/work"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Command != "cd /work && echo 'a b'" {
		t.Fatalf("unexpected command %q", got.Command)
	}
	if res.ExitCode != 3 || res.Stdout != "ok\n" || res.Success() {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestHTTPChannelTimeoutIsData(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ch := NewHTTPChannel(srv.URL)
	res, err := ch.Execute(context.Background(), "sleep 100", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("timeout must not be an error: %v", err)
	}
	if !res.TimedOut || res.Success() {
		t.Fatalf("expected timed out result, got %+v", res)
	}
}

func TestHTTPChannelServerErrorIsData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	res, err := NewHTTPChannel(srv.URL).Execute(context.Background(), "true", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success() || res.ExitCode != -1 {
		t.Fatalf("expected failed result, got %+v", res)
	}
}

func TestHTTPChannelUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	_, err = NewHTTPChannel("http://"+addr).Execute(context.Background(), "true", time.Second)
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestHTTPChannelUploadAndDownload(t *testing.T) {
	files := map[string][]byte{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/upload":
			if err := r.ParseMultipartForm(4 << 20); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			f, _, err := r.FormFile("file")
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			data, _ := io.ReadAll(f)
			files[r.FormValue("path")] = data
		case len(r.URL.Path) > len("/download"):
			data, ok := files[r.URL.Path[len("/download"):]]
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Write(data)
		}
	}))
	defer srv.Close()

	ch := NewHTTPChannel(srv.URL)
	ctx := context.Background()
	if err := ch.Upload(ctx, "/app/data.bin", []byte("payload")); err != nil {
		t.Fatal(err)
	}
	data, err := ch.Download(ctx, "/app/data.bin")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Fatalf("got %q", data)
	}
	if _, err := ch.Download(ctx, "/app/missing"); CodeOf(err) != ENOENT {
		t.Fatalf("expected ENOENT, got %v", err)
	}
}
