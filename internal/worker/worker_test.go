package worker_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgplay/backend/internal/games"
	"github.com/orgplay/backend/internal/realtime"
	"github.com/orgplay/backend/internal/worker"
	"github.com/orgplay/backend/pkg/queue"
	"github.com/orgplay/backend/pkg/utils"
)

type fakeObjects struct {
	uploaded map[string][]byte
	deleted  []string
}

func (f *fakeObjects) UploadCover(_ context.Context, key, _ string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.uploaded[key] = data
	return nil
}

func (f *fakeObjects) DeleteObject(_ context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return nil
}

type fakeCovers struct {
	previous string
	err      error
	url, key string
}

func (f *fakeCovers) SetCover(_ context.Context, _, _ uuid.UUID, url, key string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.url, f.key = url, key
	return f.previous, nil
}

type captured struct {
	events []string
}

func (c *captured) Publish(_ uuid.UUID, event string, _ interface{}) {
	c.events = append(c.events, event)
}

func loopbackOnly(ip net.IP) bool { return ip.IsLoopback() }

// newProcessor builds a processor that may reach httptest servers on loopback.
func newProcessor(covers worker.CoverStore, objects worker.ObjectStore, notifier worker.Notifier, maxBytes int64) *worker.CoverImportProcessor {
	p := worker.NewCoverImportProcessor(covers, objects, nil, notifier, maxBytes, nil)
	worker.SetAddressPolicy(p, loopbackOnly)
	return p
}

func imageServer(t *testing.T, contentType string, status int, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func coverJob(t *testing.T, org, game uuid.UUID, url string) *queue.Job {
	t.Helper()
	job, err := queue.NewJob(queue.JobTypeCoverImport, queue.CoverImportPayload{OrganizationID: org, GameID: game, SourceURL: url})
	require.NoError(t, err)
	return job
}

func TestProcess_ImportsCover(t *testing.T) {
	org, game := uuid.New(), uuid.New()
	png := []byte("\x89PNG fake image")
	srv := imageServer(t, "image/png", http.StatusOK, png)

	objects := &fakeObjects{uploaded: map[string][]byte{}}
	covers := &fakeCovers{previous: "covers/" + org.String() + "/" + game.String() + ".jpg"}
	events := &captured{}
	p := newProcessor(covers, objects, events, 1024)

	require.NoError(t, p.Process(context.Background(), coverJob(t, org, game, srv.URL+"/cover.png")))

	key := "covers/" + org.String() + "/" + game.String() + ".png"
	assert.Equal(t, png, objects.uploaded[key])
	assert.Equal(t, key, covers.key)
	assert.Equal(t, "/organizations/"+org.String()+"/games/"+game.String()+"/cover", covers.url)
	assert.Equal(t, []string{covers.previous}, objects.deleted)
	assert.Equal(t, []string{realtime.EventCoverReady}, events.events)
}

func TestProcess_Failures(t *testing.T) {
	org, game := uuid.New(), uuid.New()

	tests := []struct {
		name        string
		contentType string
		status      int
		body        []byte
		storeErr    error
		wantErr     error
	}{
		{name: "unsupported type", contentType: "text/html", status: http.StatusOK, body: []byte("<html>")},
		{name: "not found", contentType: "image/png", status: http.StatusNotFound},
		{name: "upstream error", contentType: "image/png", status: http.StatusBadGateway},
		{name: "too large", contentType: "image/png", status: http.StatusOK, body: bytes.Repeat([]byte("x"), 64), wantErr: worker.ErrCoverTooLarge},
		{name: "game gone", contentType: "image/png", status: http.StatusOK, body: []byte("img"), storeErr: games.ErrGameNotFound, wantErr: games.ErrGameNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := imageServer(t, tt.contentType, tt.status, tt.body)
			objects := &fakeObjects{uploaded: map[string][]byte{}}
			events := &captured{}
			p := newProcessor(&fakeCovers{err: tt.storeErr}, objects, events, 16)

			err := p.Process(context.Background(), coverJob(t, org, game, srv.URL))
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), err.Error())
			}
			assert.Empty(t, events.events)
		})
	}
}

func TestProcess_RejectsUnknownJob(t *testing.T) {
	p := worker.NewCoverImportProcessor(&fakeCovers{}, &fakeObjects{}, nil, nil, 0, nil)
	err := p.Process(context.Background(), &queue.Job{Type: "email"})
	assert.Error(t, err)
}

func TestProcess_RefusesInternalAddresses(t *testing.T) {
	org, game := uuid.New(), uuid.New()
	var hits atomic.Int32
	internal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("secret"))
	}))
	t.Cleanup(internal.Close)
	_, port, err := net.SplitHostPort(strings.TrimPrefix(internal.URL, "http://"))
	require.NoError(t, err)

	sources := []string{
		internal.URL + "/cover.png",
		"http://localhost:" + port + "/cover.png",
		"http://[::1]:" + port + "/cover.png",
		"http://169.254.169.254/latest/meta-data/iam/security-credentials/",
		"http://10.0.0.7:6379/",
	}
	for _, src := range sources {
		t.Run(src, func(t *testing.T) {
			objects := &fakeObjects{uploaded: map[string][]byte{}}
			events := &captured{}
			p := worker.NewCoverImportProcessor(&fakeCovers{}, objects, nil, events, 1024, nil)

			err := p.Process(context.Background(), coverJob(t, org, game, src))
			require.Error(t, err)
			assert.True(t, errors.Is(err, utils.ErrDisallowedAddress), err.Error())
			assert.Empty(t, objects.uploaded)
			assert.Empty(t, events.events)
		})
	}
	assert.Zero(t, hits.Load())
}

func TestProcess_RefusesRedirectToInternalAddress(t *testing.T) {
	org, game := uuid.New(), uuid.New()
	for _, target := range []string{
		"http://169.254.169.254/latest/meta-data/",
		"http://localhost:6379/",
		"http://192.168.0.1/cover.png",
	} {
		t.Run(target, func(t *testing.T) {
			redirector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Redirect(w, r, target, http.StatusFound)
			}))
			t.Cleanup(redirector.Close)
			objects := &fakeObjects{uploaded: map[string][]byte{}}
			p := newProcessor(&fakeCovers{}, objects, nil, 1024)

			err := p.Process(context.Background(), coverJob(t, org, game, redirector.URL))
			require.Error(t, err)
			assert.True(t, errors.Is(err, utils.ErrDisallowedAddress), err.Error())
			assert.Empty(t, objects.uploaded)
		})
	}
}
