package matrix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   map[string]interface{}
}

// newTestClient wires a client at an httptest server answering every request
// with the given payload, and records requests as they arrive.
func newTestClient(t *testing.T, status int, payload interface{}) (*Client, *[]recordedRequest) {
	t.Helper()

	var requests []recordedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{Method: r.Method, Path: r.URL.Path}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&rec.Body)
		}
		requests = append(requests, rec)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(payload)
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(Config{
		Homeserver:  server.URL,
		UserID:      "@relay:example.org",
		AccessToken: "syt_test_token",
	})
	require.NoError(t, err)
	return client, &requests
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{UserID: "@relay:example.org", AccessToken: "tok"})
	assert.Error(t, err, "missing homeserver must fail")

	_, err = NewClient(Config{Homeserver: "https://hs.example.org", AccessToken: "tok"})
	assert.Error(t, err, "missing user_id must fail")

	_, err = NewClient(Config{Homeserver: "https://hs.example.org", UserID: "@relay:example.org"})
	assert.Error(t, err, "missing credentials must fail")
}

func TestSendReturnsEventHandle(t *testing.T) {
	client, requests := newTestClient(t, http.StatusOK, map[string]string{"event_id": "$evt1"})

	eventID, err := client.Send(context.Background(), "!room:example.org", "Thinking...")
	require.NoError(t, err)
	assert.Equal(t, "$evt1", eventID)

	require.Len(t, *requests, 1)
	req := (*requests)[0]
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Contains(t, req.Path, "/rooms/!room:example.org/send/m.room.message/")
	assert.Equal(t, "m.text", req.Body["msgtype"])
	assert.Equal(t, "Thinking...", req.Body["body"])
}

func TestSendUsesFreshTransactionIDs(t *testing.T) {
	client, requests := newTestClient(t, http.StatusOK, map[string]string{"event_id": "$evt"})

	_, err := client.Send(context.Background(), "!room:example.org", "one")
	require.NoError(t, err)
	_, err = client.Send(context.Background(), "!room:example.org", "two")
	require.NoError(t, err)

	require.Len(t, *requests, 2)
	assert.NotEqual(t, (*requests)[0].Path, (*requests)[1].Path)
}

func TestEditCarriesReplaceRelation(t *testing.T) {
	client, requests := newTestClient(t, http.StatusOK, map[string]string{"event_id": "$evt2"})

	err := client.Edit(context.Background(), "!room:example.org", "$evt1", "hi there")
	require.NoError(t, err)

	require.Len(t, *requests, 1)
	body := (*requests)[0].Body

	newContent, ok := body["m.new_content"].(map[string]interface{})
	require.True(t, ok, "edit must carry m.new_content")
	assert.Equal(t, "hi there", newContent["body"])

	relates, ok := body["m.relates_to"].(map[string]interface{})
	require.True(t, ok, "edit must carry m.relates_to")
	assert.Equal(t, "m.replace", relates["rel_type"])
	assert.Equal(t, "$evt1", relates["event_id"])

	// Fallback body for clients that don't render edits.
	assert.Equal(t, "* hi there", body["body"])
}

func TestTypingOnCarriesTimeout(t *testing.T) {
	client, requests := newTestClient(t, http.StatusOK, map[string]string{})

	require.NoError(t, client.Typing(context.Background(), "!room:example.org", true))
	require.NoError(t, client.Typing(context.Background(), "!room:example.org", false))

	require.Len(t, *requests, 2)
	assert.Equal(t, true, (*requests)[0].Body["typing"])
	assert.NotNil(t, (*requests)[0].Body["timeout"])
	assert.Equal(t, false, (*requests)[1].Body["typing"])
	assert.Nil(t, (*requests)[1].Body["timeout"])
}

func TestDoSurfacesMatrixErrorCodes(t *testing.T) {
	client, _ := newTestClient(t, http.StatusForbidden, map[string]string{
		"errcode": "M_FORBIDDEN",
		"error":   "You are not invited to this room.",
	})

	err := client.Typing(context.Background(), "!room:example.org", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "M_FORBIDDEN")
	assert.Contains(t, err.Error(), "403")
}

func TestSendDoesNotRetryPermanentErrors(t *testing.T) {
	client, requests := newTestClient(t, http.StatusForbidden, map[string]string{
		"errcode": "M_FORBIDDEN",
		"error":   "You don't have permission to post",
	})

	_, err := client.Send(context.Background(), "!room:example.org", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "M_FORBIDDEN")
	assert.Len(t, *requests, 1, "permanent errors must not be retried")
}

func TestLoginStoresToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/_matrix/client/v3/login", r.URL.Path)
		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "m.login.password", body["type"])

		_ = json.NewEncoder(w).Encode(map[string]string{
			"user_id":      "@relay:example.org",
			"access_token": "syt_fresh_token",
		})
	}))
	defer server.Close()

	client, err := NewClient(Config{
		Homeserver: server.URL,
		UserID:     "@relay:example.org",
		Password:   "hunter2",
	})
	require.NoError(t, err)

	require.NoError(t, client.Login(context.Background(), "hunter2"))
	assert.Equal(t, "syt_fresh_token", client.accessToken)
}

func TestWantsEventFiltering(t *testing.T) {
	client := &Client{userID: "@relay:example.org", startedAt: time.UnixMilli(1000)}

	base := roomEvent{
		Type:           "m.room.message",
		Sender:         "@alice:example.org",
		EventID:        "$evt",
		OriginServerTS: 2000,
		Content:        eventContent{MsgType: "m.text", Body: "hello"},
	}
	assert.True(t, client.wantsEvent(base))

	ownMessage := base
	ownMessage.Sender = "@relay:example.org"
	assert.False(t, client.wantsEvent(ownMessage), "own messages must be skipped")

	stale := base
	stale.OriginServerTS = 500
	assert.False(t, client.wantsEvent(stale), "backlog events must be skipped")

	notText := base
	notText.Content.MsgType = "m.image"
	assert.False(t, client.wantsEvent(notText))

	stateEvent := base
	stateEvent.Type = "m.room.member"
	assert.False(t, client.wantsEvent(stateEvent))

	edit := base
	edit.Content.RelatesTo = &struct {
		RelType string `json:"rel_type"`
		EventID string `json:"event_id"`
	}{RelType: "m.replace", EventID: "$evt0"}
	assert.False(t, client.wantsEvent(edit), "edits must not become new turns")
}

func TestEnsureDirectRoomPersistsState(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "state.json")

	var createCalls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/createRoom"):
			createCalls++
			_ = json.NewEncoder(w).Encode(map[string]string{"room_id": "!dm:example.org"})
		default:
			_ = json.NewEncoder(w).Encode(map[string]string{})
		}
	}))
	defer server.Close()

	client, err := NewClient(Config{
		Homeserver:  server.URL,
		UserID:      "@relay:example.org",
		AccessToken: "tok",
		StateFile:   stateFile,
	})
	require.NoError(t, err)

	roomID, err := client.EnsureDirectRoom(context.Background(), "@owner:example.org")
	require.NoError(t, err)
	assert.Equal(t, "!dm:example.org", roomID)
	assert.Equal(t, 1, createCalls)

	// A second call reuses the persisted room instead of creating another.
	roomID, err = client.EnsureDirectRoom(context.Background(), "@owner:example.org")
	require.NoError(t, err)
	assert.Equal(t, "!dm:example.org", roomID)
	assert.Equal(t, 1, createCalls)

	state := loadState(stateFile)
	assert.Equal(t, "!dm:example.org", state.DMRooms["@owner:example.org"])
}
